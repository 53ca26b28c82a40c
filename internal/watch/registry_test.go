package watch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/build"
)

func collect() (chan build.Incoming, func(build.Incoming)) {
	ch := make(chan build.Incoming, 64)
	return ch, func(m build.Incoming) { ch <- m }
}

func waitFor(t *testing.T, ch <-chan build.Incoming, match func(build.Incoming) bool) build.Incoming {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-ch:
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for watch event")
			return nil
		}
	}
}

func TestAssetReplayIsEager(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{"x.png": "xxx", "y.png": "yyyy"}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	r := NewRegistry(Options{Interval: 20 * time.Millisecond})
	defer r.Close()

	ch, send := collect()
	if _, err := r.Subscribe(dir, Subscriber{Kind: Asset, Send: send}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Both records must already be queued when Subscribe returns.
	got := map[string]artifact.Record{}
	for range files {
		select {
		case m := <-ch:
			ac, ok := m.(build.AssetChanged)
			if !ok {
				t.Fatalf("unexpected message %#v", m)
			}
			got[ac.Record.RelativePath] = ac.Record
		default:
			t.Fatalf("only %d of %d assets replayed", len(got), len(files))
		}
	}
	for name, body := range files {
		rec, ok := got[name]
		if !ok {
			t.Errorf("missing replay for %s", name)
			continue
		}
		if rec.Hash != artifact.Sum([]byte(body)) {
			t.Errorf("%s hash = %s", name, rec.Hash)
		}
		if rec.LocalPath != filepath.Join(dir, name) {
			t.Errorf("%s local path = %s", name, rec.LocalPath)
		}
	}
}

func TestSubscribersShareOneWatch(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(Options{Interval: 20 * time.Millisecond})
	defer r.Close()

	ch1, send1 := collect()
	ch2, send2 := collect()
	if _, err := r.Subscribe(dir, Subscriber{Kind: Code, Send: send1}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe(dir+string(filepath.Separator), Subscriber{Kind: Code, Send: send2}); err != nil {
		t.Fatal(err)
	}
	if r.Watches() != 1 {
		t.Fatalf("watches = %d, want 1", r.Watches())
	}

	path := filepath.Join(dir, "lib.rs")
	if err := os.WriteFile(path, []byte("fn main() {}"), 0644); err != nil {
		t.Fatal(err)
	}

	isLib := func(m build.Incoming) bool {
		cc, ok := m.(build.CodeChanged)
		return ok && cc.Path == path
	}
	waitFor(t, ch1, isLib)
	waitFor(t, ch2, isLib)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(Options{Interval: 20 * time.Millisecond})
	defer r.Close()

	gone, sendGone := collect()
	kept, sendKept := collect()
	cancel, err := r.Subscribe(dir, Subscriber{Kind: Code, Send: sendGone})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Subscribe(dir, Subscriber{Kind: Code, Send: sendKept}); err != nil {
		t.Fatal(err)
	}
	cancel()

	if err := os.WriteFile(filepath.Join(dir, "a.rs"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, kept, func(build.Incoming) bool { return true })
	select {
	case m := <-gone:
		t.Errorf("detached subscriber received %#v", m)
	default:
	}
}

func TestSubscribeMissingDir(t *testing.T) {
	r := NewRegistry(Options{})
	defer r.Close()

	_, err := r.Subscribe(filepath.Join(t.TempDir(), "nope"), Subscriber{Kind: Code, Send: func(build.Incoming) {}})
	if !errors.Is(err, ErrWatchSetup) {
		t.Fatalf("expected ErrWatchSetup, got %v", err)
	}
	var se *SetupError
	if !errors.As(err, &se) || se.Dir == "" {
		t.Errorf("error should name the directory: %v", err)
	}
	if r.Watches() != 0 {
		t.Errorf("failed subscribe left %d watches", r.Watches())
	}
}

func TestIgnoredDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "target", "debug"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "target", "old.png"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(Options{Interval: 20 * time.Millisecond})
	defer r.Close()

	ch, send := collect()
	if _, err := r.Subscribe(dir, Subscriber{Kind: Asset, Send: send}); err != nil {
		t.Fatal(err)
	}
	if len(ch) != 0 {
		t.Fatalf("ignored dir replayed %d assets", len(ch))
	}

	if err := os.WriteFile(filepath.Join(dir, "target", "debug", "libgame.so"), []byte("elf"), 0644); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, "marker.png")
	if err := os.WriteFile(marker, []byte("m"), 0644); err != nil {
		t.Fatal(err)
	}

	// The marker arrives; nothing from target/ may precede or follow it in
	// the same poll.
	m := waitFor(t, ch, func(m build.Incoming) bool {
		ac := m.(build.AssetChanged)
		if filepath.Base(filepath.Dir(ac.Record.LocalPath)) == "debug" {
			t.Errorf("event from ignored dir: %s", ac.Record.LocalPath)
		}
		return ac.Record.LocalPath == marker
	})
	if rel := m.(build.AssetChanged).Record.RelativePath; rel != "marker.png" {
		t.Errorf("relative path = %s", rel)
	}
}

func TestIgnoreNamesOnlyBelowRoot(t *testing.T) {
	// A project that itself lives under a directory called "target" must
	// still be watched.
	root := filepath.Join(t.TempDir(), "target", "game")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.png"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(Options{Interval: 20 * time.Millisecond})
	defer r.Close()

	ch, send := collect()
	if _, err := r.Subscribe(root, Subscriber{Kind: Asset, Send: send}); err != nil {
		t.Fatal(err)
	}
	if len(ch) != 1 {
		t.Errorf("replayed %d assets, want 1", len(ch))
	}
}
