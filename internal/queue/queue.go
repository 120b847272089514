// Package queue implements the waiting queue: the ordered sequence of
// executions that could not be placed on a worker yet.
package queue

import (
	"sync"

	"github.com/gpuenteallott/pod/pkg/types"
)

// WaitingQueue is a FIFO of executions awaiting a worker. A scan that
// races a concurrent removal simply reports no match; callers retry on
// a later report.
type WaitingQueue struct {
	mu      sync.Mutex
	entries []*types.Execution
}

// New creates an empty waiting queue.
func New() *WaitingQueue {
	return &WaitingQueue{}
}

// Put appends an execution to the tail.
func (q *WaitingQueue) Put(e *types.Execution) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
}

// Pull scans from the head and removes the first execution whose
// activity id is in candidates, or returns nil when none matches.
func (q *WaitingQueue) Pull(candidates []int64) *types.Execution {
	set := make(map[int64]struct{}, len(candidates))
	for _, id := range candidates {
		set[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if _, ok := set[e.ActivityID]; ok {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// DeleteAll removes and returns every queued execution for an
// activity, preserving queue order. Used when an activity is rejected
// or deleted.
func (q *WaitingQueue) DeleteAll(activityID int64) []*types.Execution {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []*types.Execution
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.ActivityID == activityID {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return removed
}

// Remove deletes the execution with the given id, reporting whether it
// was queued.
func (q *WaitingQueue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued executions.
func (q *WaitingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queue contents in order.
func (q *WaitingQueue) Snapshot() []*types.Execution {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.Execution, len(q.entries))
	copy(out, q.entries)
	return out
}
