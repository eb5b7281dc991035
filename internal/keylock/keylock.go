// Package keylock provides a registry of exclusive per-key locks whose entries are reference counted
// and reclaimed when no goroutine holds or waits for them.
package keylock

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// ErrNotLocked is returned by Unlock when the key is not currently locked.
var ErrNotLocked = errors.New("key is not locked")

type handle struct {
	// sem holds a token while the key is locked.
	sem chan struct{}
	// refs counts the holder and every waiter.
	refs int
}

// Table is a set of non-reentrant, context aware mutexes addressed by key.
// The zero value is ready to use.
type Table struct {
	mu    sync.Mutex
	locks map[string]*handle
}

// New returns an empty Table.
func New() *Table {
	return &Table{locks: make(map[string]*handle)}
}

// Key composes a lock key from a partition and an entry key without ambiguity.
func Key(partition, key string) string {
	return strconv.Itoa(len(partition)) + ":" + partition + "/" + key
}

func (t *Table) acquireHandle(key string) *handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]*handle)
	}
	h, ok := t.locks[key]
	if !ok {
		h = &handle{sem: make(chan struct{}, 1)}
		t.locks[key] = h
	}
	h.refs++
	return h
}

func (t *Table) releaseHandle(key string, h *handle) {
	h.refs--
	if h.refs == 0 {
		delete(t.locks, key)
	}
}

// Lock blocks until the caller holds key or ctx is done, in which case ctx.Err() is returned.
// Locking a key already held by the caller deadlocks until ctx is done.
func (t *Table) Lock(ctx context.Context, key string) error {
	h := t.acquireHandle(key)
	select {
	case h.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		t.releaseHandle(key, h)
		t.mu.Unlock()
		return ctx.Err()
	}
}

// TryLock acquires key if it is free and reports whether it did.
func (t *Table) TryLock(key string) bool {
	h := t.acquireHandle(key)
	select {
	case h.sem <- struct{}{}:
		return true
	default:
		t.mu.Lock()
		t.releaseHandle(key, h)
		t.mu.Unlock()
		return false
	}
}

// Unlock releases key. Any goroutine may release a lock, not only the one that took it.
func (t *Table) Unlock(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.locks[key]
	if !ok {
		return ErrNotLocked
	}
	select {
	case <-h.sem:
	default:
		return ErrNotLocked
	}
	t.releaseHandle(key, h)
	return nil
}

// IsLocked reports whether key is currently held.
func (t *Table) IsLocked(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.locks[key]
	return ok && len(h.sem) == 1
}

// Len returns the number of keys held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
