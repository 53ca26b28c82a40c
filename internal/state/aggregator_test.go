package state

import (
	"reflect"
	"sync"
	"testing"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/build"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

func lib(name, content string, deps ...string) artifact.Record {
	return artifact.Record{
		Name:         name,
		LocalPath:    "/scratch/" + name,
		RelativePath: name,
		Hash:         artifact.Sum([]byte(content)),
		Dependencies: deps,
	}
}

func TestCompletedNeverRegresses(t *testing.T) {
	a := New(target.LinuxX86_64, 0)

	a.Update(build.EndedBuild{ID: 2, RootLibrary: "libgame.v2.so"})
	a.Update(build.EndedBuild{ID: 1, RootLibrary: "libgame.v1.so"})

	s := a.Snapshot()
	if s.MostRecentCompleted != 2 {
		t.Errorf("completed = %d, want 2", s.MostRecentCompleted)
	}
	if s.MostRecentCompleted > s.MostRecentStarted {
		t.Errorf("completed %d exceeds started %d", s.MostRecentCompleted, s.MostRecentStarted)
	}
	// Root follows the latest delivery, not the highest id.
	if s.RootLibrary != "libgame.v1.so" {
		t.Errorf("root = %s", s.RootLibrary)
	}
}

func TestStartedTakesMax(t *testing.T) {
	a := New(target.LinuxX86_64, 0)
	a.Seed(10, 9)

	a.Update(build.StartedBuild{ID: 3})
	a.Update(build.FailedBuild{ID: 11, Reason: "boom"})

	s := a.Snapshot()
	if s.MostRecentStarted != 11 || s.MostRecentCompleted != 9 {
		t.Errorf("started/completed = %d/%d, want 11/9", s.MostRecentStarted, s.MostRecentCompleted)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	a := New(target.LinuxX86_64, 0)

	var wg sync.WaitGroup
	for i := uint64(1); i <= 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Update(build.StartedBuild{ID: i})
			a.Update(build.EndedBuild{ID: i, Libraries: []artifact.Record{lib("libgame.so", "v")}})
		}()
	}
	wg.Wait()

	s := a.Snapshot()
	if s.MostRecentStarted != 50 || s.MostRecentCompleted != 50 {
		t.Errorf("started/completed = %d/%d, want 50/50", s.MostRecentStarted, s.MostRecentCompleted)
	}
}

func TestSnapshotThenTail(t *testing.T) {
	events := []build.Output{
		build.StartedBuild{ID: 1},
		build.AssetUpdated{Record: lib("x.png", "x")},
		build.EndedBuild{ID: 1, RootLibrary: "libgame.v1.so", Libraries: []artifact.Record{lib("libgame.v1.so", "one")}},
		build.StartedBuild{ID: 2},
		build.EndedBuild{ID: 2, RootLibrary: "libgame.v2.so", Libraries: []artifact.Record{
			lib("libgame.v2.so", "two", "libgame.v1.so"),
			lib("libhelper.so", "helper"),
		}},
	}

	live := New(target.LinuxX86_64, 0)
	_, watcher := live.SnapshotAndSubscribe()
	defer watcher.Close()

	for _, ev := range events {
		live.Update(ev)
	}

	late, sub := live.SnapshotAndSubscribe()
	defer sub.Close()

	// Replaying what the early subscriber saw must reproduce the late
	// subscriber's initial state.
	replay := New(target.LinuxX86_64, 0)
	for range events {
		replay.Update(<-watcher.C())
	}
	if !reflect.DeepEqual(late, replay.Snapshot()) {
		t.Errorf("late snapshot %+v\n != replayed %+v", late, replay.Snapshot())
	}
	if late.MostRecentCompleted != 2 || len(late.Libraries) != 3 || len(late.Assets) != 1 {
		t.Errorf("unexpected snapshot %+v", late)
	}

	live.Update(build.StartedBuild{ID: 3})
	select {
	case ev := <-sub.C():
		if ev != (build.StartedBuild{ID: 3}) {
			t.Errorf("tail event = %#v", ev)
		}
	default:
		t.Fatal("late subscriber should receive updates after its snapshot")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := New(target.LinuxX86_64, 0)
	a.Update(build.LibraryUpdated{Record: lib("libgame.so", "v", "dep")})

	s := a.Snapshot()
	rec := s.Libraries["libgame.so"]
	rec.Dependencies[0] = "mutated"
	delete(s.Libraries, "libgame.so")

	got, ok := a.Lookup("libgame.so")
	if !ok || got.Dependencies[0] != "dep" {
		t.Errorf("snapshot mutation leaked into aggregator: %+v", got)
	}
}

func TestLookupPrefersLibraries(t *testing.T) {
	a := New(target.LinuxX86_64, 0)
	a.Update(build.AssetUpdated{Record: lib("shared.bin", "asset")})
	a.Update(build.LibraryUpdated{Record: lib("shared.bin", "library")})

	r, ok := a.Lookup("shared.bin")
	if !ok || r.Hash != artifact.Sum([]byte("library")) {
		t.Errorf("Lookup = %+v, %v", r, ok)
	}
	if _, ok := a.Lookup("absent"); ok {
		t.Error("absent path should not be found")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	a := New(target.LinuxX86_64, 1)
	_, slow := a.SnapshotAndSubscribe()
	_, fast := a.SnapshotAndSubscribe()

	a.Update(build.StartedBuild{ID: 1})
	<-fast.C()
	a.Update(build.StartedBuild{ID: 2})
	<-fast.C()

	if slow.Dropped() != 1 {
		t.Errorf("slow dropped = %d, want 1", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast dropped = %d, want 0", fast.Dropped())
	}
	if ev := <-slow.C(); ev != (build.StartedBuild{ID: 1}) {
		t.Errorf("slow should keep the oldest buffered event, got %#v", ev)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	a := New(target.LinuxX86_64, 0)
	_, s1 := a.SnapshotAndSubscribe()
	_, s2 := a.SnapshotAndSubscribe()

	s1.Close()
	s1.Close()
	if a.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", a.Subscribers())
	}

	a.Close()
	if _, ok := <-s2.C(); ok {
		t.Error("aggregator close should close subscriber channels")
	}
	s2.Close()
}
