// Package queue implements the double-ended pending-strategy queue that
// feeds the event-processing worker pool (spec §4.8). A Daque behaves like a
// bounded work queue with two extra knobs: items can be pushed to either end
// (PutLeft forces a strategy back to the front of the line, used when a
// descendant's ordering demands its ancestor run first), and the whole queue
// can be "postponed" while a remote pack is still being committed so that
// nothing is dequeued mid-commit.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("queue")

// ErrEmpty is returned by Get when no item became available before the
// deadline (or immediately, for a non-blocking call).
var ErrEmpty = errors.New("daque: empty")

// Daque is a FIFO/LIFO hybrid queue with an optional concurrency gate.
// maxWorkers, when non-zero, bounds how many items taken with toProcess=true
// may be outstanding (not yet marked Done) at once; further to-process Gets
// block until a slot frees up. All state is protected by a single mutex;
// Put/PutLeft broadcast a condition variable so blocked Gets wake
// immediately instead of waiting out the poll interval, while the
// concurrency gate is still rechecked on the fixed poll interval since its
// state changes from Done calls elsewhere, not from queue mutations.
type Daque struct {
	mu   sync.Mutex
	cond *sync.Cond

	items   []interface{}
	enabled bool
	postponed bool

	maxWorkers int
	inFlight   int
}

const pollInterval = 100 * time.Millisecond

func New(maxWorkers int) *Daque {
	q := &Daque{
		enabled:    true,
		maxWorkers: maxWorkers,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends an item to the back of the queue. A no-op if the queue has
// been Disable()d.
func (q *Daque) Put(item interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.enabled {
		return
	}
	q.items = append(q.items, item)
	q.cond.Broadcast()
}

// PutLeft pushes an item to the front of the queue, ahead of everything
// already waiting.
func (q *Daque) PutLeft(item interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.enabled {
		return
	}
	q.items = append([]interface{}{item}, q.items...)
	q.cond.Broadcast()
}

// Get pops the front item. If block is false, it returns ErrEmpty
// immediately when nothing is available. If timeout is zero and block is
// true, it waits indefinitely. When toProcess is true, the pop only
// succeeds while fewer than maxWorkers items are currently in flight; the
// caller must call Done once it has finished with the item.
//
// A blocked Get wakes as soon as Put/PutLeft/SetPostponed(false) makes
// progress possible, via the broadcast on cond. It also rechecks on the
// fixed poll interval regardless, since the concurrency gate can open from a
// Done() call elsewhere that doesn't itself broadcast, and since a deadline
// needs to be noticed even with nothing else happening.
func (q *Daque) Get(ctx context.Context, block bool, timeout time.Duration, toProcess bool) (interface{}, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	log.Debugf("starting to get item from daque, toProcess=%v", toProcess)

	if !block {
		item, ok := q.tryPop(toProcess)
		if !ok {
			return nil, ErrEmpty
		}
		return item, nil
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		item, ok := q.popLocked(toProcess)
		if ok {
			return item, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			log.Debugf("daque get timed out")
			return nil, ErrEmpty
		}

		timer := time.AfterFunc(pollInterval, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}
}

// GetNoWait is Get with block=false and no timeout.
func (q *Daque) GetNoWait(toProcess bool) (interface{}, error) {
	return q.Get(context.Background(), false, 0, toProcess)
}

func (q *Daque) tryPop(toProcess bool) (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked(toProcess)
}

// popLocked must be called with q.mu held.
func (q *Daque) popLocked(toProcess bool) (interface{}, bool) {
	if q.postponed || len(q.items) == 0 {
		return nil, false
	}
	if toProcess && q.maxWorkers > 0 && q.inFlight >= q.maxWorkers {
		return nil, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	if toProcess {
		q.inFlight++
	}
	return item, true
}

// Done releases one slot in the concurrency gate. Call once per item popped
// with toProcess=true after processing completes.
func (q *Daque) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxWorkers == 0 {
		return
	}
	q.inFlight--
	if q.inFlight < 0 {
		log.Debugf("processed more tasks than were taken from the daque")
		q.inFlight = 0
	}
}

// Empty reports whether the queue currently has no pending items.
func (q *Daque) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the number of pending items.
func (q *Daque) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Daque) Enable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enabled = true
}

// Disable stops accepting new Puts; existing items remain until drained.
func (q *Daque) Disable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enabled = false
}

// Clear drops all pending items and resets the concurrency gate, used when
// processing is cancelled globally (spec §5 "Cancellation").
func (q *Daque) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.inFlight = 0
}

// SetPostponed toggles postponed mode: while true, Get never succeeds
// regardless of queue contents. Used while a remote pack is mid-commit so
// workers don't pull half-written strategies.
func (q *Daque) SetPostponed(postponed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.postponed = postponed
	log.Debugf("daque postponed mode is %v", postponed)
	if !postponed {
		q.cond.Broadcast()
	}
}
