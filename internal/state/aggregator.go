// Package state keeps the per-target view of what has been built and fans
// every change out to live subscribers.
package state

import (
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/build"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// Snapshot is the current build state of one target.
// MostRecentCompleted never exceeds MostRecentStarted.
type Snapshot struct {
	RootLibrary         string // "" until a build completes
	Libraries           map[string]artifact.Record
	Assets              map[string]artifact.Record
	MostRecentStarted   uint64
	MostRecentCompleted uint64
}

func (s Snapshot) clone() Snapshot {
	s.Libraries = cloneRecords(s.Libraries)
	s.Assets = cloneRecords(s.Assets)
	return s
}

func cloneRecords(in map[string]artifact.Record) map[string]artifact.Record {
	out := make(map[string]artifact.Record, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

// Aggregator owns one target's Snapshot. Update is the only mutation and is
// safe for concurrent use.
type Aggregator struct {
	target  target.Target
	buffer  int
	metrics *metrics.Metrics

	mu   sync.RWMutex
	snap Snapshot
	subs map[string]*Subscription
}

// New creates an empty aggregator. buffer <= 0 uses DefaultBuffer.
func New(t target.Target, buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Aggregator{
		target:  t,
		buffer:  buffer,
		metrics: metrics.Get(),
		snap: Snapshot{
			Libraries: make(map[string]artifact.Record),
			Assets:    make(map[string]artifact.Record),
		},
		subs: make(map[string]*Subscription),
	}
}

// Target returns the target this aggregator tracks.
func (a *Aggregator) Target() target.Target {
	return a.target
}

// Seed raises the build counters, e.g. from a checkpoint. It never lowers
// them.
func (a *Aggregator) Seed(started, completed uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.raiseStarted(started)
	a.raiseCompleted(completed)
}

func (a *Aggregator) raiseStarted(id uint64) {
	a.snap.MostRecentStarted = max(a.snap.MostRecentStarted, id)
}

func (a *Aggregator) raiseCompleted(id uint64) {
	a.snap.MostRecentCompleted = max(a.snap.MostRecentCompleted, id)
	a.raiseStarted(id)
}

// Update applies one executor output and forwards it to subscribers.
func (a *Aggregator) Update(msg build.Output) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch m := msg.(type) {
	case build.StartedBuild:
		a.raiseStarted(m.ID)
	case build.EndedBuild:
		for _, lib := range m.Libraries {
			a.snap.Libraries[lib.RelativePath] = lib.Clone()
		}
		a.raiseCompleted(m.ID)
		a.snap.RootLibrary = m.RootLibrary
	case build.AssetUpdated:
		a.snap.Assets[m.Record.RelativePath] = m.Record.Clone()
	case build.LibraryUpdated:
		a.snap.Libraries[m.Record.RelativePath] = m.Record.Clone()
	case build.FailedBuild:
		a.raiseStarted(m.ID)
	}

	a.broadcast(msg)
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap.clone()
}

// SnapshotAndSubscribe returns the current state and a subscription that
// receives every update applied after it. No update falls between the two.
func (a *Aggregator) SnapshotAndSubscribe() (Snapshot, *Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sub := &Subscription{
		ID:  uuid.NewString(),
		ch:  make(chan build.Output, a.buffer),
		agg: a,
	}
	a.subs[sub.ID] = sub
	a.metrics.AddSubscribers(a.target.String(), 1)
	return a.snap.clone(), sub
}

// Lookup finds a record by relative path among libraries, then assets.
func (a *Aggregator) Lookup(relativePath string) (artifact.Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if r, ok := a.snap.Libraries[relativePath]; ok {
		return r.Clone(), true
	}
	if r, ok := a.snap.Assets[relativePath]; ok {
		return r.Clone(), true
	}
	return artifact.Record{}, false
}

// Subscribers returns the number of open subscriptions.
func (a *Aggregator) Subscribers() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subs)
}

// Close ends every subscription.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id := range maps.Clone(a.subs) {
		a.removeLocked(id)
	}
}

func (a *Aggregator) removeLocked(id string) {
	sub, ok := a.subs[id]
	if !ok {
		return
	}
	delete(a.subs, id)
	close(sub.ch)
	a.metrics.AddSubscribers(a.target.String(), -1)
}
