package txstore

import (
	"sort"
	"sync"
)

// OpKind is the kind of a buffered write.
type OpKind string

// Buffered write kinds.
const (
	OpStore  OpKind = "store"
	OpRemove OpKind = "remove"
)

// Op is one buffered write of a transaction.
type Op struct {
	Kind      OpKind `json:"kind"`
	Partition string `json:"partition"`
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
}

type entryKey struct {
	partition string
	key       string
}

func (k entryKey) less(o entryKey) bool {
	if k.partition != o.partition {
		return k.partition < o.partition
	}
	return k.key < o.key
}

// change is the net effect of a write set on one entry.
type change struct {
	Op
	// replace is set for an entry present at prepare that ends up stored: remove, then store.
	replace bool
}

// State is the per transaction state: the write set, in order, and the entry locks taken at prepare.
type State struct {
	mu     sync.Mutex
	ops    []Op
	latest map[entryKey]int
	locked []entryKey
	logged bool
	// applied counts the changes a commit attempt already wrote.
	applied int
}

func newState() *State {
	return &State{latest: make(map[entryKey]int)}
}

// Ops returns a copy of the write set.
func (s *State) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// IsReadOnly reports whether the transaction wrote nothing.
func (s *State) IsReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops) == 0
}

func (s *State) add(op Op) {
	s.latest[entryKey{op.Partition, op.Key}] = len(s.ops)
	s.ops = append(s.ops, op)
}

// overlay returns the transaction's own view of k: whether it wrote k, and if so whether k is present
// with which value.
func (s *State) overlay(k entryKey) (touched, present bool, value []byte) {
	i, ok := s.latest[k]
	if !ok {
		return false, false, nil
	}
	op := s.ops[i]
	return true, op.Kind == OpStore, op.Value
}

// firstOps returns, per touched entry in (partition, key) order, the first buffered write.
// Those carry the preconditions against the backing store.
func (s *State) firstOps() []Op {
	seen := make(map[entryKey]bool, len(s.latest))
	var r []Op
	for _, op := range s.ops {
		k := entryKey{op.Partition, op.Key}
		if seen[k] {
			continue
		}
		seen[k] = true
		r = append(r, op)
	}
	sort.Slice(r, func(i, j int) bool {
		return entryKey{r[i].Partition, r[i].Key}.less(entryKey{r[j].Partition, r[j].Key})
	})
	return r
}

// changes returns the net effect of the write set per touched entry, in first-touch order.
// A store later removed within the transaction leaves nothing to apply.
func (s *State) changes() []change {
	first := make(map[entryKey]OpKind, len(s.latest))
	var order []entryKey
	for _, op := range s.ops {
		k := entryKey{op.Partition, op.Key}
		if _, ok := first[k]; ok {
			continue
		}
		first[k] = op.Kind
		order = append(order, k)
	}
	r := make([]change, 0, len(order))
	for _, k := range order {
		last := s.ops[s.latest[k]]
		switch {
		case first[k] == OpStore && last.Kind == OpRemove:
			continue
		case first[k] == OpRemove && last.Kind == OpStore:
			r = append(r, change{Op: last, replace: true})
		default:
			r = append(r, change{Op: last})
		}
	}
	return r
}

func (s *State) reset() {
	s.applied = 0
	s.ops = nil
	s.latest = make(map[entryKey]int)
	s.locked = nil
	s.logged = false
}
