package manager

import (
	"sync"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/build"
)

// persistQueue is an unbounded FIFO between a target's supervisor and its
// persistence worker. push never blocks.
type persistQueue struct {
	mu     sync.Mutex
	items  []build.Output
	closed bool
	wake   chan struct{}
}

func newPersistQueue() *persistQueue {
	return &persistQueue{wake: make(chan struct{}, 1)}
}

func (q *persistQueue) push(out build.Output) {
	q.mu.Lock()
	q.items = append(q.items, out)
	q.mu.Unlock()
	q.signal()
}

// close lets pop drain what is queued and then report false.
func (q *persistQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *persistQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an item is queued or the queue is closed and empty.
func (q *persistQueue) pop() (build.Output, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			out := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return out, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}
