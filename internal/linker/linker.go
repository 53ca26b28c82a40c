// Package linker stands in for the platform linker. The first link for a
// target produces a full shared library; later links produce a small patch
// library holding only the objects that changed, linked against every
// earlier version.
package linker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

var (
	// ErrNoChanges signals that a patch link had no changed objects. No
	// library is written.
	ErrNoChanges = errors.New("no objects changed since the previous link")
	// ErrNoOutput is returned when the link command names no output file.
	ErrNoOutput = errors.New("link command has no output")
)

// Invocation is a parsed linker command line.
type Invocation struct {
	Args    []string // response files expanded
	Objects []string // in command line order
	Output  string
}

// ParseArgs expands @response files and picks out objects and the output.
func ParseArgs(args []string) (Invocation, error) {
	expanded, err := expandResponseFiles(args)
	if err != nil {
		return Invocation{}, err
	}

	inv := Invocation{Args: expanded}
	for i := 0; i < len(expanded); i++ {
		a := expanded[i]
		switch {
		case a == "-o" && i+1 < len(expanded):
			inv.Output = expanded[i+1]
			i++
		case strings.HasPrefix(a, "-o") && len(a) > 2:
			inv.Output = a[2:]
		case !strings.HasPrefix(a, "-") && (strings.HasSuffix(a, ".o") || strings.HasSuffix(a, ".obj")):
			inv.Objects = append(inv.Objects, a)
		}
	}
	if inv.Output == "" {
		return inv, ErrNoOutput
	}
	return inv, nil
}

// expandResponseFiles inlines @file arguments. Response files hold one
// argument per line, taken verbatim; backslashes in Windows paths are not
// escapes.
func expandResponseFiles(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "@") {
			out = append(out, a)
			continue
		}
		f, err := os.Open(a[1:])
		if err != nil {
			// Not a response file after all.
			out = append(out, a)
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
				out = append(out, line)
			}
		}
		err = sc.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read response file %s: %w", a[1:], err)
		}
	}
	return out, nil
}

// Plan is one link decided but not yet run.
type Plan struct {
	Initial bool
	Version int
	Output  string            // file the real linker writes
	Library string            // versioned library recorded in the state
	Args    []string          // real linker argv
	Linked  []string          // objects passed to the real linker
	Objects map[string]string // hashes of every object after this link
}

// Runner executes the real linker.
type Runner func(ctx context.Context, argv []string) error

// Linker plans and runs links for one target.
type Linker struct {
	Family     target.OSFamily
	RealLinker string
	Layout     Layout
	// Stem restricts interception to outputs whose base name starts with it.
	// Empty intercepts every shared library link.
	Stem string
	Run  Runner
	Log  *slog.Logger
}

// FromEnv configures a linker from the variables the build executor sets.
func FromEnv() (*Linker, error) {
	triple := os.Getenv(EnvTriple)
	t, err := target.FromTriple(triple)
	if err != nil {
		return nil, err
	}
	dir := os.Getenv(EnvLinkDir)
	if dir == "" {
		return nil, fmt.Errorf("%s not set", EnvLinkDir)
	}
	realLinker := os.Getenv(EnvRealLinker)
	if realLinker == "" {
		realLinker = "cc"
	}
	return &Linker{
		Family:     t.Family(),
		RealLinker: realLinker,
		Layout:     Layout{Dir: dir},
		Stem:       os.Getenv(EnvLibStem),
	}, nil
}

// Environment shared between the build executor and the linker shim.
const (
	EnvLinkDir       = "HOTPATCH_LINK_DIR"
	EnvTriple        = "HOTPATCH_TARGET_TRIPLE"
	EnvRealLinker    = "HOTPATCH_REAL_LINKER"
	EnvLibStem       = "HOTPATCH_LIB_STEM"
	EnvCorrelationID = "HOTPATCH_CORRELATION_ID" // ties shim log lines to the build
)

var cargoHash = regexp.MustCompile(`-[0-9a-f]{16}$`)

// stem returns the library base name without extension or build hash,
// e.g. "libgame" for deps/libgame-0123456789abcdef.so.
func (l *Linker) stem(output string) string {
	if l.Stem != "" {
		return l.Stem
	}
	base := filepath.Base(output)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return cargoHash.ReplaceAllString(base, "")
}

func (l *Linker) owns(inv Invocation) bool {
	if !isSharedLink(inv.Args) {
		return false
	}
	return l.Stem == "" || strings.HasPrefix(filepath.Base(inv.Output), l.Stem)
}

func (l *Linker) versionPath(output string, n int) string {
	return filepath.Join(l.Layout.VersionsDir(), fmt.Sprintf("%s.v%d%s", l.stem(output), n, filepath.Ext(output)))
}

// Plan decides between a full and a patch link. It returns ErrNoChanges
// when the state already covers every object's current content.
func (l *Linker) Plan(inv Invocation, st *State) (Plan, error) {
	hashes := make(map[string]string, len(inv.Objects))
	var changed []string
	for _, obj := range inv.Objects {
		h, err := artifact.HashFile(obj)
		if err != nil {
			return Plan{}, fmt.Errorf("hash object: %w", err)
		}
		hashes[obj] = h.Hex()
		if st.Objects[obj] != h.Hex() {
			changed = append(changed, obj)
		}
	}

	version := len(st.Versions) + 1
	library := l.versionPath(inv.Output, version)
	soname := filepath.Base(library)

	if len(st.Versions) == 0 {
		var args []string
		for _, a := range inv.Args {
			if !stripped[a] {
				args = append(args, a)
			}
		}
		return Plan{
			Initial: true,
			Version: version,
			Output:  inv.Output,
			Library: library,
			Args:    append(args, initialFlags(l.Family, soname)...),
			Linked:  inv.Objects,
			Objects: hashes,
		}, nil
	}

	if len(changed) == 0 {
		return Plan{}, ErrNoChanges
	}

	var args []string
	for i := 0; i < len(inv.Args); i++ {
		keep, takesValue := toolchainFlag(inv.Args[i])
		if !keep {
			continue
		}
		args = append(args, inv.Args[i])
		if takesValue && i+1 < len(inv.Args) {
			args = append(args, inv.Args[i+1])
			i++
		}
	}
	args = append(args, "-o", library)
	args = append(args, patchFlags(l.Family, soname)...)
	args = append(args, changed...)
	for i := len(st.Versions) - 1; i >= 0; i-- {
		args = append(args, st.Versions[i])
	}

	return Plan{
		Version: version,
		Output:  library,
		Library: library,
		Args:    args,
		Linked:  changed,
		Objects: hashes,
	}, nil
}

// Link handles one linker invocation end to end. Links it does not own are
// passed through untouched. A no-op patch writes the layout's no-op marker
// and returns ErrNoChanges.
func (l *Linker) Link(ctx context.Context, args []string) error {
	log := l.Log
	if log == nil {
		log = logging.Component("linker")
	}
	if cid := logging.CorrelationID(ctx); cid != "" {
		log = log.With("correlation_id", cid)
	}
	run := l.Run
	if run == nil {
		run = execRunner
	}
	linkerCmd, err := shlex.Split(l.RealLinker)
	if err != nil {
		return fmt.Errorf("split real linker %q: %w", l.RealLinker, err)
	}
	if len(linkerCmd) == 0 {
		return fmt.Errorf("no real linker configured")
	}

	inv, err := ParseArgs(args)
	if err != nil || !l.owns(inv) {
		if err != nil && !errors.Is(err, ErrNoOutput) {
			return err
		}
		return run(ctx, append(linkerCmd, inv.Args...))
	}

	st, err := LoadState(l.Layout.StatePath())
	if err != nil {
		return err
	}

	plan, err := l.Plan(inv, st)
	if errors.Is(err, ErrNoChanges) {
		log.Info("no objects changed, skipping link", "output", inv.Output, "version", len(st.Versions))
		if err := ensureExists(inv.Output, st.Latest()); err != nil {
			return err
		}
		if err := os.WriteFile(l.Layout.NoopPath(), []byte(st.Latest()), 0644); err != nil {
			return fmt.Errorf("write no-op marker: %w", err)
		}
		return ErrNoChanges
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(l.Layout.VersionsDir(), 0755); err != nil {
		return fmt.Errorf("create versions dir: %w", err)
	}

	log.Info("linking",
		"initial", plan.Initial,
		"version", plan.Version,
		"objects", len(plan.Linked),
		"library", plan.Library,
	)
	if err := run(ctx, append(linkerCmd, plan.Args...)); err != nil {
		return fmt.Errorf("real linker: %w", err)
	}

	if plan.Initial {
		if err := copyFile(plan.Output, plan.Library); err != nil {
			return err
		}
	} else if err := ensureExists(inv.Output, plan.Library); err != nil {
		return err
	}

	st.Triple = os.Getenv(EnvTriple)
	st.Objects = plan.Objects
	st.Versions = append(st.Versions, plan.Library)
	return st.Save(l.Layout.StatePath())
}

func execRunner(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ensureExists puts a copy of from at path when path is missing, so the
// driver always finds the output it asked for.
func ensureExists(path, from string) error {
	if _, err := os.Stat(path); err == nil || from == "" {
		return nil
	}
	return copyFile(from, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", dst, err)
	}
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}
