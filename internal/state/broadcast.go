package state

import (
	"sync/atomic"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/build"
)

// Subscription is one live receiver of a target's updates. A subscriber
// that falls behind loses events rather than stalling the others; Dropped
// tells it how many.
type Subscription struct {
	ID      string
	ch      chan build.Output
	agg     *Aggregator
	dropped atomic.Uint64
}

// C delivers updates. It is closed when the subscription ends.
func (s *Subscription) C() <-chan build.Output {
	return s.ch
}

// Dropped returns the number of updates lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.agg.mu.Lock()
	defer s.agg.mu.Unlock()
	s.agg.removeLocked(s.ID)
}

// broadcast must be called with a.mu held.
func (a *Aggregator) broadcast(msg build.Output) {
	for _, sub := range a.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			a.metrics.IncFramesDropped(a.target.String())
		}
	}
}
