package xa

import (
	"sort"
	"sync"
)

// contextRegistry holds the active and suspended XA contexts of a resource manager, keyed by the
// canonical Xid string. A context is in at most one of the maps; moves between them happen in a single
// critical section.
type contextRegistry[S any] struct {
	mu        sync.Mutex
	active    map[string]*TransactionContext[S]
	suspended map[string]*TransactionContext[S]
}

func newContextRegistry[S any]() *contextRegistry[S] {
	return &contextRegistry[S]{
		active:    make(map[string]*TransactionContext[S]),
		suspended: make(map[string]*TransactionContext[S]),
	}
}

// addActive registers tc as active unless key is already known.
func (r *contextRegistry[S]) addActive(key string, tc *TransactionContext[S]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[key]; ok {
		return false
	}
	if _, ok := r.suspended[key]; ok {
		return false
	}
	r.active[key] = tc
	return true
}

func (r *contextRegistry[S]) getActive(key string) (*TransactionContext[S], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.active[key]
	return tc, ok
}

// lookup finds key in active then suspended.
func (r *contextRegistry[S]) lookup(key string) (*TransactionContext[S], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tc, ok := r.active[key]; ok {
		return tc, true
	}
	tc, ok := r.suspended[key]
	return tc, ok
}

// suspend moves key from active to suspended.
func (r *contextRegistry[S]) suspend(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.active[key]
	if !ok {
		return false
	}
	delete(r.active, key)
	r.suspended[key] = tc
	return true
}

// resume moves key from suspended to active.
func (r *contextRegistry[S]) resume(key string) (*TransactionContext[S], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc, ok := r.suspended[key]
	if !ok {
		return nil, false
	}
	delete(r.suspended, key)
	r.active[key] = tc
	return tc, true
}

// join returns the context of key, resuming it if suspended.
func (r *contextRegistry[S]) join(key string) (*TransactionContext[S], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tc, ok := r.active[key]; ok {
		return tc, true
	}
	tc, ok := r.suspended[key]
	if ok {
		delete(r.suspended, key)
		r.active[key] = tc
	}
	return tc, ok
}

// remove drops key from both maps.
func (r *contextRegistry[S]) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
	delete(r.suspended, key)
}

// contains reports whether key is in either map.
func (r *contextRegistry[S]) contains(key string) (active, suspended bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, active = r.active[key]
	_, suspended = r.suspended[key]
	return active, suspended
}

// all returns every registered context, ordered by Xid.
func (r *contextRegistry[S]) all() []*TransactionContext[S] {
	r.mu.Lock()
	keys := make([]string, 0, len(r.active)+len(r.suspended))
	m := make(map[string]*TransactionContext[S], cap(keys))
	for k, tc := range r.active {
		keys = append(keys, k)
		m[k] = tc
	}
	for k, tc := range r.suspended {
		keys = append(keys, k)
		m[k] = tc
	}
	r.mu.Unlock()
	sort.Strings(keys)
	r2 := make([]*TransactionContext[S], len(keys))
	for i, k := range keys {
		r2[i] = m[k]
	}
	return r2
}
