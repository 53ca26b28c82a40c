package linker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

// fakeLinker records every argv and writes the -o file.
type fakeLinker struct {
	calls [][]string
}

func (f *fakeLinker) run(_ context.Context, argv []string) error {
	f.calls = append(f.calls, argv)
	for i, a := range argv {
		if a == "-o" && i+1 < len(argv) {
			return os.WriteFile(argv[i+1], []byte(strings.Join(argv, " ")), 0755)
		}
	}
	return errors.New("no -o")
}

type fixture struct {
	dir    string
	out    string
	objs   []string
	linker *Linker
	fake   *fakeLinker
}

func newFixture(t *testing.T, family target.OSFamily) *fixture {
	t.Helper()
	dir := t.TempDir()
	deps := filepath.Join(dir, "deps")
	if err := os.MkdirAll(deps, 0755); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		dir:  dir,
		out:  filepath.Join(deps, "libgame-0123456789abcdef.so"),
		fake: &fakeLinker{},
	}
	for _, name := range []string{"game.a.rcgu.o", "game.b.rcgu.o"} {
		p := filepath.Join(deps, name)
		if err := os.WriteFile(p, []byte("object "+name), 0644); err != nil {
			t.Fatal(err)
		}
		f.objs = append(f.objs, p)
	}
	f.linker = &Linker{
		Family:     family,
		RealLinker: "cc",
		Layout:     Layout{Dir: filepath.Join(dir, "link")},
		Run:        f.fake.run,
	}
	return f
}

func (f *fixture) args() []string {
	args := []string{"-m64", "-Wl,--gc-sections"}
	args = append(args, f.objs...)
	return append(args, "-o", f.out, "-shared", "-lc")
}

func (f *fixture) touch(t *testing.T, i int, content string) {
	t.Helper()
	if err := os.WriteFile(f.objs[i], []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseArgsResponseFile(t *testing.T) {
	dir := t.TempDir()
	rsp := filepath.Join(dir, "linker-arguments")
	if err := os.WriteFile(rsp, []byte("a.o\r\nb.o\n-o\nout.so\n"), 0644); err != nil {
		t.Fatal(err)
	}

	inv, err := ParseArgs([]string{"-shared", "@" + rsp})
	if err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if !reflect.DeepEqual(inv.Objects, []string{"a.o", "b.o"}) {
		t.Errorf("objects = %v", inv.Objects)
	}
	if inv.Output != "out.so" {
		t.Errorf("output = %s", inv.Output)
	}

	if _, err := ParseArgs([]string{"a.o"}); !errors.Is(err, ErrNoOutput) {
		t.Errorf("expected ErrNoOutput, got %v", err)
	}
}

func TestResponseFileLinesAreVerbatim(t *testing.T) {
	dir := t.TempDir()
	rsp := filepath.Join(dir, "linker-arguments")
	lines := "C:\\build dir\\game.obj\n/OUT:C:\\out\\game.dll\n-o\nC:\\out\\game.dll\n"
	if err := os.WriteFile(rsp, []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}

	inv, err := ParseArgs([]string{"@" + rsp})
	if err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if !reflect.DeepEqual(inv.Objects, []string{`C:\build dir\game.obj`}) {
		t.Errorf("objects = %q", inv.Objects)
	}
	if inv.Output != `C:\out\game.dll` {
		t.Errorf("output = %q", inv.Output)
	}
}

func TestInitialLinkExportsSymbols(t *testing.T) {
	f := newFixture(t, target.FamilyELF)

	if err := f.linker.Link(context.Background(), f.args()); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if len(f.fake.calls) != 1 {
		t.Fatalf("expected one real link, got %d", len(f.fake.calls))
	}

	argv := f.fake.calls[0]
	if argv[0] != "cc" {
		t.Errorf("argv[0] = %s, want cc", argv[0])
	}
	if !slices.Contains(argv, "-Wl,--export-dynamic") {
		t.Errorf("initial link should export dynamic symbols: %v", argv)
	}
	if !slices.Contains(argv, "-Wl,-soname,libgame.v1.so") {
		t.Errorf("initial link should carry a versioned soname: %v", argv)
	}
	if slices.Contains(argv, "-Wl,--gc-sections") {
		t.Errorf("gc-sections should be stripped: %v", argv)
	}

	if _, err := os.Stat(f.out); err != nil {
		t.Errorf("driver output missing: %v", err)
	}
	st, err := LoadState(f.linker.Layout.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(f.linker.Layout.VersionsDir(), "libgame.v1.so")
	if st.Latest() != want {
		t.Errorf("latest = %s, want %s", st.Latest(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("versioned copy missing: %v", err)
	}
}

func TestPatchLinkOnlyChangedObjects(t *testing.T) {
	f := newFixture(t, target.FamilyELF)
	ctx := context.Background()

	if err := f.linker.Link(ctx, f.args()); err != nil {
		t.Fatal(err)
	}

	f.touch(t, 1, "object b v2")
	if err := f.linker.Link(ctx, f.args()); err != nil {
		t.Fatalf("patch link failed: %v", err)
	}

	f.touch(t, 0, "object a v2")
	if err := f.linker.Link(ctx, f.args()); err != nil {
		t.Fatalf("second patch link failed: %v", err)
	}

	if len(f.fake.calls) != 3 {
		t.Fatalf("expected three real links, got %d", len(f.fake.calls))
	}

	v := f.linker.Layout.VersionsDir()
	patch1 := f.fake.calls[1]
	if !slices.Contains(patch1, f.objs[1]) || slices.Contains(patch1, f.objs[0]) {
		t.Errorf("first patch should link only b: %v", patch1)
	}
	for _, flag := range []string{"-nodefaultlibs", "-Wl,--no-gc-sections", "-Wl,--allow-shlib-undefined", "-m64"} {
		if !slices.Contains(patch1, flag) {
			t.Errorf("patch link missing %s: %v", flag, patch1)
		}
	}
	if slices.Contains(patch1, "-lc") {
		t.Errorf("patch link should not carry default libraries: %v", patch1)
	}

	patch2 := f.fake.calls[2]
	i2 := slices.Index(patch2, filepath.Join(v, "libgame.v2.so"))
	i1 := slices.Index(patch2, filepath.Join(v, "libgame.v1.so"))
	if i2 < 0 || i1 < 0 || i2 > i1 {
		t.Errorf("prior versions should be passed most recent first: %v", patch2)
	}
	if !slices.Contains(patch2, "-o") || patch2[slices.Index(patch2, "-o")+1] != filepath.Join(v, "libgame.v3.so") {
		t.Errorf("patch should write the next version: %v", patch2)
	}

	st, err := LoadState(f.linker.Layout.StatePath())
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Versions) != 3 {
		t.Errorf("versions = %v", st.Versions)
	}
}

func TestNoopLink(t *testing.T) {
	f := newFixture(t, target.FamilyELF)
	ctx := context.Background()

	if err := f.linker.Link(ctx, f.args()); err != nil {
		t.Fatal(err)
	}
	if err := f.linker.Layout.ClearNoop(); err != nil {
		t.Fatal(err)
	}

	err := f.linker.Link(ctx, f.args())
	if !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
	if len(f.fake.calls) != 1 {
		t.Errorf("no-op must not invoke the real linker, got %d calls", len(f.fake.calls))
	}
	if !f.linker.Layout.WasNoop() {
		t.Error("no-op marker should be written")
	}
	if _, err := os.Stat(filepath.Join(f.linker.Layout.VersionsDir(), "libgame.v2.so")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("no library should be produced, stat err = %v", err)
	}
}

func TestPassthroughExecutableLink(t *testing.T) {
	f := newFixture(t, target.FamilyELF)

	args := []string{"main.o", "-o", filepath.Join(f.dir, "build-script")}
	if err := f.linker.Link(context.Background(), args); err != nil {
		t.Fatal(err)
	}
	want := append([]string{"cc"}, args...)
	if !reflect.DeepEqual(f.fake.calls[0], want) {
		t.Errorf("argv = %v, want %v", f.fake.calls[0], want)
	}
	if _, err := os.Stat(f.linker.Layout.StatePath()); !errors.Is(err, os.ErrNotExist) {
		t.Error("pass-through link should not touch link state")
	}
}

func TestPatchFlagsByFamily(t *testing.T) {
	tests := []struct {
		family target.OSFamily
		want   string
	}{
		{target.FamilyELF, "-Wl,--allow-shlib-undefined"},
		{target.FamilyMachO, "-Wl,-undefined,dynamic_lookup"},
		{target.FamilyPE, "-Wl,--export-all-symbols"},
	}
	for _, tt := range tests {
		if !slices.Contains(patchFlags(tt.family, "x"), tt.want) {
			t.Errorf("%s patch flags missing %s", tt.family, tt.want)
		}
	}
	if !slices.Contains(initialFlags(target.FamilyMachO, "libgame.v1.dylib"), "-Wl,-export_dynamic") {
		t.Error("mach-o initial link should export dynamic symbols")
	}
}
