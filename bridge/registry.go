package bridge

import (
	"slices"
	"sync"
	"time"
)

// PendingEntry describes one outstanding request
type PendingEntry struct {
	RequestID string
	CreatedAt time.Time
}

// Registry maps request IDs to the completions waiting for their responses.
// Create one per response topic and share it between the Bridge and the
// ResponseDispatcher reading that topic.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Completion
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*Completion),
		now:     time.Now,
	}
}

// Add registers c under id. It returns false and leaves the registry
// unchanged when id is already pending.
func (r *Registry) Add(id string, c *Completion) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[id]; exists {
		return false
	}
	r.pending[id] = c
	return true
}

// GetAndRemove removes and returns the completion registered under id. Of
// any number of concurrent callers only one gets it.
func (r *Registry) GetAndRemove(id string) (*Completion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return c, ok
}

// Remove drops id. It reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	delete(r.pending, id)
	return ok
}

// removeEntry drops id only while it still maps to c
func (r *Registry) removeEntry(id string, c *Completion) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[id] != c {
		return false
	}
	delete(r.pending, id)
	return true
}

// Len returns the number of pending requests
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending returns a snapshot of the pending requests, oldest first
func (r *Registry) Pending() []PendingEntry {
	r.mu.Lock()
	entries := make([]PendingEntry, 0, len(r.pending))
	for id, c := range r.pending {
		entries = append(entries, PendingEntry{RequestID: id, CreatedAt: c.createdAt})
	}
	r.mu.Unlock()

	slices.SortFunc(entries, func(a, b PendingEntry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return entries
}

// Sweep removes and cancels entries registered more than olderThan ago and
// returns how many it removed. Callers normally free their own entries; this
// catches any that were abandoned.
func (r *Registry) Sweep(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)

	r.mu.Lock()
	var stale []*Completion
	for id, c := range r.pending {
		if c.createdAt.Before(cutoff) {
			stale = append(stale, c)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, c := range stale {
		c.Cancel()
	}
	return len(stale)
}

// CancelAll removes and cancels every pending entry
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	all := r.pending
	r.pending = make(map[string]*Completion)
	r.mu.Unlock()

	for _, c := range all {
		c.Cancel()
	}
	return len(all)
}
