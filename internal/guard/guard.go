// Package guard serialises the lifecycle of a store (open, close, dispose) against its entry operations,
// and the operations of one partition against its expiration sweeps.
package guard

import (
	"fmt"
	"sync"

	"github.com/sharedcode/objstore"
)

// State is the lifecycle state of a store.
type State int

const (
	// Open stores accept operations.
	Open State = iota
	// Closed stores reject operations until opened again.
	Closed
	// Disposed stores reject operations for good.
	Disposed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Disposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Guard holds the store-level lock and one RWMutex per partition.
// Partition mutexes are never forgotten, so two goroutines can't end up guarding the same partition
// with different mutexes.
type Guard struct {
	name  string
	mu    sync.RWMutex
	state State

	pmu   sync.Mutex
	parts map[string]*sync.RWMutex
}

// New returns the Guard of an open store.
func New(storeName string) *Guard {
	return &Guard{
		name:  storeName,
		parts: make(map[string]*sync.RWMutex),
	}
}

func (g *Guard) partition(name string) *sync.RWMutex {
	g.pmu.Lock()
	defer g.pmu.Unlock()
	m, ok := g.parts[name]
	if !ok {
		m = &sync.RWMutex{}
		g.parts[name] = m
	}
	return m
}

func (g *Guard) unavailable() error {
	return objstore.NotAvailable(g.name, fmt.Errorf("store %q is %v", g.name, g.state))
}

// Read takes the read side of the store and of partition, then runs fn.
func (g *Guard) Read(partition string, fn func() error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state != Open {
		return g.unavailable()
	}
	m := g.partition(partition)
	m.RLock()
	defer m.RUnlock()
	return fn()
}

// Write takes the read side of the store and the write side of partition, then runs fn.
func (g *Guard) Write(partition string, fn func() error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state != Open {
		return g.unavailable()
	}
	m := g.partition(partition)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// Shared takes only the read side of the store, for operations that span partitions (e.g. listing them).
func (g *Guard) Shared(fn func() error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.state != Open {
		return g.unavailable()
	}
	return fn()
}

// Transition takes the store exclusively and runs fn with the current state; on success the state
// becomes the returned one. In-flight operations complete before fn runs and none start while it does.
func (g *Guard) Transition(fn func(current State) (State, error)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	next, err := fn(g.state)
	if err != nil {
		return err
	}
	g.state = next
	return nil
}

// State returns the current lifecycle state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Open is the common Open transition: idempotent, refused once disposed.
func (g *Guard) Open(onOpen func() error) error {
	return g.Transition(func(current State) (State, error) {
		switch current {
		case Open:
			return Open, nil
		case Disposed:
			return current, g.unavailable()
		}
		if onOpen != nil {
			if err := onOpen(); err != nil {
				return current, err
			}
		}
		return Open, nil
	})
}

// Close is the common Close transition: idempotent, a no-op once disposed.
func (g *Guard) Close(onClose func() error) error {
	return g.Transition(func(current State) (State, error) {
		if current != Open {
			return current, nil
		}
		if onClose != nil {
			if err := onClose(); err != nil {
				return current, err
			}
		}
		return Closed, nil
	})
}

// Dispose is the common Dispose transition. onDispose runs with the store held exclusively, so no
// operation observes a partially torn down store. Disposing twice is a no-op.
func (g *Guard) Dispose(onDispose func() error) error {
	return g.Transition(func(current State) (State, error) {
		if current == Disposed {
			return current, nil
		}
		if onDispose != nil {
			if err := onDispose(); err != nil {
				return current, err
			}
		}
		return Disposed, nil
	})
}
