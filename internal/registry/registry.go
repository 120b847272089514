// Package registry implements the in-memory execution registry: the
// process-wide map of live execution records with time-based eviction.
package registry

import (
	"sync"
	"time"

	"github.com/gpuenteallott/pod/pkg/types"
)

// Registry maps execution ids to execution records. All operations are
// safe under concurrent access from in-flight RPC handlers.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*types.Execution
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[int64]*types.Execution)}
}

// Put upserts an execution by id.
func (r *Registry) Put(e *types.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = e
}

// Get returns the execution without removing it, or nil.
func (r *Registry) Get(id int64) *types.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Pull returns the execution and removes it. Pull is the only path
// that permanently forgets a result; callers must ensure at most one
// successful pull per id.
func (r *Registry) Pull(id int64) *types.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	return e
}

// InProgress returns a snapshot of every entry with status
// "in progress". The snapshot may be stale by the time it is used.
func (r *Registry) InProgress() []*types.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Execution, 0)
	for _, e := range r.entries {
		if e.Status == types.ExecutionInProgress {
			out = append(out, e)
		}
	}
	return out
}

// OldestID returns the minimum live id, or false when empty.
func (r *Registry) OldestID() (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minKeyLocked()
}

// NewestID returns the maximum live id, or false when empty.
func (r *Registry) NewestID() (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var newest int64
	found := false
	for id := range r.entries {
		if !found || id > newest {
			newest = id
			found = true
		}
	}
	return newest, found
}

func (r *Registry) minKeyLocked() (int64, bool) {
	var oldest int64
	found := false
	for id := range r.entries {
		if !found || id < oldest {
			oldest = id
			found = true
		}
	}
	return oldest, found
}

// DeleteUntil removes every entry with id <= until and returns the
// count removed.
func (r *Registry) DeleteUntil(until int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id := range r.entries {
		if id <= until {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Evict removes expired executions in chunk-sized batches. Ids are
// assigned by a monotonic generator, so entries are roughly
// age-ordered by id: the sweep probes the execution at oldest+chunk
// and bulk-deletes the prefix whenever that boundary entry started
// before now-expiration. Boundary ids already pulled (one-shot status
// reads) are skipped by advancing the probe to the next live id. The
// first non-expired boundary ends the sweep, bounding its cost to
// O((newest-oldest)/chunk). Entries within one chunk of the newest id
// are never removed.
func (r *Registry) Evict(chunk int64, expiration time.Duration, now time.Time) int {
	if chunk <= 0 {
		return 0
	}
	cutoff := now.Add(-expiration)
	removed := 0
	for {
		oldest, ok := r.OldestID()
		if !ok {
			break
		}
		newest, _ := r.NewestID()
		boundary := oldest + chunk
		if boundary >= newest {
			break
		}
		e := r.Get(boundary)
		for e == nil {
			boundary++
			if boundary >= newest {
				return removed
			}
			e = r.Get(boundary)
		}
		if !e.StartTime.Before(cutoff) {
			break
		}
		removed += r.DeleteUntil(boundary)
	}
	return removed
}
