package journal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/config"
)

var testProducer = ProducerInfo{Name: "hotpatchd", Version: "test"}

func build(id uint64, content string) Build {
	return Build{
		Target:      "linux-x86_64",
		ID:          id,
		RootLibrary: "libgame.so",
		Libraries: []artifact.Record{{
			Name:         "libgame.so",
			RelativePath: "libgame.so",
			Hash:         artifact.Sum([]byte(content)),
		}},
	}
}

func TestAppendChainsEvents(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := j.Append(ctx, build(1, "one"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if first.Chain.PrevEventHash != "" {
		t.Errorf("first event should have no predecessor, got %s", first.Chain.PrevEventHash)
	}
	if !strings.HasPrefix(first.Chain.EventHash, "sha256:") {
		t.Errorf("EventHash = %s", first.Chain.EventHash)
	}

	second, err := j.Append(ctx, build(2, "two"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Chain.PrevEventHash != first.Chain.EventHash {
		t.Errorf("second event links to %s, want %s", second.Chain.PrevEventHash, first.Chain.EventHash)
	}

	events, err := Read(j.Path("linux-x86_64"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("read %d events, want 2", len(events))
	}
	if err := Verify(events); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if events[1].Artifacts[0].Hash != artifact.Sum([]byte("two")).String() {
		t.Errorf("artifact hash = %s", events[1].Artifacts[0].Hash)
	}
}

func TestChainSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j1, err := NewFileJournal(dir, "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	first, err := j1.Append(ctx, build(1, "one"))
	if err != nil {
		t.Fatal(err)
	}

	j2, err := NewFileJournal(dir, "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	second, err := j2.Append(ctx, build(2, "two"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Chain.PrevEventHash != first.Chain.EventHash {
		t.Error("chain head should be reloaded from disk")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	j, err := NewFileJournal(t.TempDir(), "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		if _, err := j.Append(ctx, build(i, "v")); err != nil {
			t.Fatal(err)
		}
	}
	events, err := Read(j.Path("linux-x86_64"))
	if err != nil {
		t.Fatal(err)
	}

	events[1].RootLibrary = "libevil.so"
	if err := Verify(events); !errors.Is(err, ErrBrokenChain) {
		t.Errorf("modified event: expected ErrBrokenChain, got %v", err)
	}

	events, _ = Read(j.Path("linux-x86_64"))
	if err := Verify(append(events[:1], events[2:]...)); !errors.Is(err, ErrBrokenChain) {
		t.Errorf("removed event: expected ErrBrokenChain, got %v", err)
	}
}

func TestWebhookRetries(t *testing.T) {
	var calls atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	j, err := NewFileJournal(t.TempDir(), srv.URL, testProducer)
	if err != nil {
		t.Fatal(err)
	}
	j.delay = time.Millisecond

	evt, err := j.Append(context.Background(), build(7, "seven"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if got.BuildID != 7 || got.Chain.EventHash != evt.Chain.EventHash {
		t.Errorf("posted event %+v", got)
	}
}

func TestWebhookFailureKeepsFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	j, err := NewFileJournal(dir, srv.URL, testProducer)
	if err != nil {
		t.Fatal(err)
	}
	j.delay = time.Millisecond

	evt, err := j.Append(context.Background(), build(1, "one"))
	if err == nil {
		t.Fatal("expected webhook error")
	}
	events, err := Read(j.Path("linux-x86_64"))
	if err != nil || len(events) != 1 {
		t.Fatalf("journal file should hold the event: %v, %d events", err, len(events))
	}

	reopened, err := NewFileJournal(dir, "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	if head, err := reopened.head("linux-x86_64"); err != nil || head != evt.Chain.EventHash {
		t.Errorf("chain head = %q, %v; want %s", head, err, evt.Chain.EventHash)
	}
}

func TestHeadReadsLongJournalTail(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	// Every line is longer than one read chunk.
	var last *Event
	for i := uint64(1); i <= 4; i++ {
		b := build(i, "v")
		b.Libraries[0].Dependencies = []string{strings.Repeat("libdep.so ", 500)}
		if last, err = j.Append(context.Background(), b); err != nil {
			t.Fatal(err)
		}
	}
	if info, err := os.Stat(j.Path("linux-x86_64")); err != nil || info.Size() < 3*tailChunk {
		t.Fatalf("journal too small to cross chunks: %v", err)
	}

	got, err := lastEventHash(j.Path("linux-x86_64"))
	if err != nil || got != last.Chain.EventHash {
		t.Errorf("lastEventHash = %q, %v; want %s", got, err, last.Chain.EventHash)
	}
}

func TestTornLastLineStopsAppends(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(context.Background(), build(1, "one")); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(j.Path("linux-x86_64"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"version":"1","event_type":"build_comp`)
	f.Close()

	reopened, err := NewFileJournal(dir, "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.Append(context.Background(), build(2, "two")); !errors.Is(err, ErrBrokenChain) {
		t.Errorf("append after a torn write: expected ErrBrokenChain, got %v", err)
	}
}

func TestEmptyJournalHasNoHead(t *testing.T) {
	dir := t.TempDir()
	j, err := NewFileJournal(dir, "", testProducer)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(j.Path("linux-x86_64"), []byte("\n\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := lastEventHash(j.Path("linux-x86_64")); !errors.Is(err, ErrNoChainHead) {
		t.Errorf("expected ErrNoChainHead, got %v", err)
	}
	evt, err := j.Append(context.Background(), build(1, "one"))
	if err != nil || evt.Chain.PrevEventHash != "" {
		t.Errorf("first event on an empty file = %+v, %v", evt, err)
	}
}

func TestDisabledJournal(t *testing.T) {
	j, err := New(config.JournalConfig{Enabled: false}, testProducer)
	if err != nil {
		t.Fatal(err)
	}
	evt, err := j.Append(context.Background(), build(1, "x"))
	if err != nil || evt != nil {
		t.Errorf("disabled journal Append = %v, %v", evt, err)
	}
}
