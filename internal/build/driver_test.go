package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

func TestDecodeStreamSkipsNoise(t *testing.T) {
	stream := strings.Join([]string{
		"   Compiling game v0.1.0",
		`{"reason":"compiler-artifact","package_id":"game 0.1.0","target":{"name":"game","kind":["cdylib"]},"filenames":["/t/libgame.so"]}`,
		`{"reason":"compiler-artifact",`,
		`{"reason":"build-script-executed"}`,
		``,
		`{"reason":"build-finished","success":true}`,
	}, "\n")

	var got []string
	err := DecodeStream(strings.NewReader(stream), func(m DriverMessage) {
		got = append(got, m.Reason)
	})
	if err != nil {
		t.Fatalf("DecodeStream failed: %v", err)
	}
	want := []string{"compiler-artifact", "build-script-executed", "build-finished"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("reasons = %v, want %v", got, want)
	}
}

func artifactMsg(name, pkgID string, kind []string, files ...string) DriverMessage {
	var m DriverMessage
	m.Reason = reasonArtifact
	m.PackageID = pkgID
	m.Target.Name = name
	m.Target.Kind = kind
	m.Filenames = files
	return m
}

func TestRootArtifact(t *testing.T) {
	artifacts := []DriverMessage{
		artifactMsg("serde", "registry+https://x#serde@1.0.0", []string{"lib"}, "/t/deps/libserde.rlib"),
		artifactMsg("helper", "path+file:///w/helper#0.1.0", []string{"cdylib"}, "/t/libhelper.so"),
		artifactMsg("my_game", "path+file:///w/my-game#0.1.0", []string{"cdylib"}, "/t/libmy_game.so", "/t/libmy_game.rlib"),
	}

	root, others, err := RootArtifact(artifacts, target.LinuxX86_64, "my-game", "")
	if err != nil {
		t.Fatalf("RootArtifact failed: %v", err)
	}
	if root != "/t/libmy_game.so" {
		t.Errorf("root = %s", root)
	}
	if !reflect.DeepEqual(others, []string{"/t/libhelper.so"}) {
		t.Errorf("others = %v", others)
	}
}

func TestRootArtifactPackageIDFallback(t *testing.T) {
	artifacts := []DriverMessage{
		artifactMsg("engine_core", "path+file:///w/engine#0.1.0", []string{"cdylib"}, "/t/libengine_core.dylib"),
	}
	root, _, err := RootArtifact(artifacts, target.MacOSAarch64, "engine", "")
	if err != nil {
		t.Fatalf("RootArtifact failed: %v", err)
	}
	if root != "/t/libengine_core.dylib" {
		t.Errorf("root = %s", root)
	}
}

func TestRootArtifactExample(t *testing.T) {
	artifacts := []DriverMessage{
		artifactMsg("demo", "path+file:///w/game#0.1.0", []string{"lib"}, "/t/libdemo.so"),
		artifactMsg("demo", "path+file:///w/game#0.1.0", []string{"example"}, "/t/examples/libdemo.so"),
	}
	root, _, err := RootArtifact(artifacts, target.LinuxX86_64, "game", "demo")
	if err != nil {
		t.Fatal(err)
	}
	if root != "/t/examples/libdemo.so" {
		t.Errorf("root = %s, want the example artifact", root)
	}
}

func TestRootArtifactMissing(t *testing.T) {
	artifacts := []DriverMessage{
		artifactMsg("game", "path+file:///w/game#0.1.0", []string{"lib"}, "/t/libgame.rlib"),
	}
	if _, _, err := RootArtifact(artifacts, target.LinuxX86_64, "game", ""); !errors.Is(err, ErrArtifactMissing) {
		t.Errorf("expected ErrArtifactMissing, got %v", err)
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script drivers need a POSIX shell")
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDriverRunReportsFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "driver", `
echo '{"reason":"compiler-message","message":{"level":"error","rendered":"error[E0308]: mismatched types"}}'
echo '{"reason":"build-finished","success":false}'
echo "could not compile" >&2
exit 101
`)

	d := &Driver{Program: script, Dir: dir}
	_, err := d.Run(context.Background())
	if !errors.Is(err, ErrDriverFailed) {
		t.Fatalf("expected ErrDriverFailed, got %v", err)
	}
	var fe *FailureError
	if !errors.As(err, &fe) || !strings.Contains(fe.Reason, "mismatched types") {
		t.Errorf("reason should carry the diagnostic, got %v", err)
	}
}

func TestDriverRunNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "driver", `
echo "boom" >&2
exit 3
`)
	d := &Driver{Program: script, Dir: dir}
	_, err := d.Run(context.Background())
	var fe *FailureError
	if !errors.As(err, &fe) || fe.Reason != "boom" {
		t.Errorf("expected stderr as reason, got %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Errorf("tail = %q, want defg", got)
	}
}
