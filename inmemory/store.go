// Package inmemory contains the in-memory object store: partitioned, expirable and lockable.
package inmemory

import (
	"bytes"
	"context"
	log "log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/internal/guard"
	"github.com/sharedcode/objstore/internal/keylock"
)

type entry struct {
	key       string
	value     []byte
	timestamp time.Time

	older, newer *entry
}

type partition struct {
	lookup map[string]*entry
	order  insertionOrder
}

func newPartition() *partition {
	return &partition{
		lookup: make(map[string]*entry),
	}
}

func (p *partition) add(key string, value []byte, ts time.Time) {
	e := &entry{
		key:       key,
		value:     bytes.Clone(value),
		timestamp: ts,
	}
	p.order.push(e)
	p.lookup[key] = e
}

func (p *partition) remove(e *entry) {
	p.order.unlink(e)
	delete(p.lookup, e.key)
}

// expire evicts entries older than ttl, then the oldest inserted ones until at most maxEntries remain.
func (p *partition) expire(now time.Time, ttl time.Duration, maxEntries int) int {
	evicted := 0
	if ttl > 0 {
		for e := range p.order.all() {
			if now.Sub(e.timestamp) > ttl {
				p.remove(e)
				evicted++
			}
		}
	}
	if maxEntries > 0 {
		for p.order.len() > maxEntries {
			p.remove(p.order.front())
			evicted++
		}
	}
	return evicted
}

// Store is the in-memory object store. Entries of a partition are kept in a map for lookups and chained in
// insertion order, which drives oldest-first eviction and AllKeys ordering.
type Store struct {
	name  string
	now   func() time.Time
	guard *guard.Guard
	locks *keylock.Table

	mu         sync.Mutex
	partitions map[string]*partition
}

var (
	_ objstore.ExpirableStore = (*Store)(nil)
	_ objstore.LockableStore  = (*Store)(nil)
)

// NewStore returns an open, empty in-memory store.
func NewStore(name string) *Store {
	return NewStoreWithClock(name, nil)
}

// NewStoreWithClock returns an open, empty in-memory store whose insertion timestamps come from now.
func NewStoreWithClock(name string, now func() time.Time) *Store {
	return &Store{
		name:       name,
		now:        objstore.Clock(now),
		guard:      guard.New(name),
		locks:      keylock.New(),
		partitions: make(map[string]*partition),
	}
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// IsPersistent is always false.
func (s *Store) IsPersistent() bool {
	return false
}

// Open reopens a closed store. Entries survive Close/Open cycles.
func (s *Store) Open(ctx context.Context) error {
	return s.guard.Open(nil)
}

// Close makes the store reject operations until it is opened again.
func (s *Store) Close(ctx context.Context) error {
	return s.guard.Close(nil)
}

// Dispose drops every partition and invalidates the store.
func (s *Store) Dispose(ctx context.Context) error {
	return s.guard.Dispose(func() error {
		s.mu.Lock()
		s.partitions = make(map[string]*partition)
		s.mu.Unlock()
		return nil
	})
}

func (s *Store) getPartition(name string, create bool) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok && create {
		p = newPartition()
		s.partitions[name] = p
	}
	return p
}

// Contains reports whether key is present in partition.
func (s *Store) Contains(ctx context.Context, partition, key string) (bool, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return false, err
	}
	partition = objstore.PartitionName(partition)
	var found bool
	err := s.guard.Read(partition, func() error {
		if p := s.getPartition(partition, false); p != nil {
			_, found = p.lookup[key]
		}
		return nil
	})
	return found, err
}

// Store adds key to partition, failing if it is already present.
func (s *Store) Store(ctx context.Context, partition, key string, value []byte) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		p := s.getPartition(partition, true)
		if _, ok := p.lookup[key]; ok {
			return objstore.AlreadyExists(partition, key)
		}
		p.add(key, value, s.now())
		return nil
	})
}

// Retrieve returns a copy of the value of key.
func (s *Store) Retrieve(ctx context.Context, partition, key string) ([]byte, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return nil, err
	}
	partition = objstore.PartitionName(partition)
	var r []byte
	err := s.guard.Read(partition, func() error {
		p := s.getPartition(partition, false)
		if p == nil {
			return objstore.DoesNotExist(partition, key)
		}
		e, ok := p.lookup[key]
		if !ok {
			return objstore.DoesNotExist(partition, key)
		}
		r = bytes.Clone(e.value)
		return nil
	})
	return r, err
}

// Remove deletes key and returns the value it held.
func (s *Store) Remove(ctx context.Context, partition, key string) ([]byte, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return nil, err
	}
	partition = objstore.PartitionName(partition)
	var r []byte
	err := s.guard.Write(partition, func() error {
		p := s.getPartition(partition, false)
		if p == nil {
			return objstore.DoesNotExist(partition, key)
		}
		e, ok := p.lookup[key]
		if !ok {
			return objstore.DoesNotExist(partition, key)
		}
		p.remove(e)
		r = e.value
		return nil
	})
	return r, err
}

// Clear removes every entry of partition.
func (s *Store) Clear(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.partitions[partition]; ok {
			s.partitions[partition] = newPartition()
		}
		return nil
	})
}

// AllKeys returns the keys of partition, oldest insertion first.
func (s *Store) AllKeys(ctx context.Context, partition string) ([]string, error) {
	partition = objstore.PartitionName(partition)
	var r []string
	err := s.guard.Read(partition, func() error {
		p := s.getPartition(partition, false)
		if p == nil {
			r = []string{}
			return nil
		}
		r = make([]string, 0, p.order.len())
		for e := range p.order.all() {
			r = append(r, e.key)
		}
		return nil
	})
	return r, err
}

// Partitions lists partition names in ascending order.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	var r []string
	err := s.guard.Shared(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		r = make([]string, 0, len(s.partitions))
		for name := range s.partitions {
			r = append(r, name)
		}
		return nil
	})
	sort.Strings(r)
	return r, err
}

// OpenPartition creates partition if it does not exist.
func (s *Store) OpenPartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		s.getPartition(partition, true)
		return nil
	})
}

// DisposePartition drops partition and its entries.
func (s *Store) DisposePartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		s.mu.Lock()
		delete(s.partitions, partition)
		s.mu.Unlock()
		return nil
	})
}

// Expire evicts entries of partition older than entryTTL and then, oldest inserted first, those above
// maxEntries. Non-positive bounds are ignored.
func (s *Store) Expire(ctx context.Context, entryTTL time.Duration, maxEntries int, partition string) (int, error) {
	partition = objstore.PartitionName(partition)
	var evicted int
	err := s.guard.Write(partition, func() error {
		p := s.getPartition(partition, false)
		if p == nil {
			return nil
		}
		evicted = p.expire(s.now(), entryTTL, maxEntries)
		return nil
	})
	if evicted > 0 {
		log.Debug("expired entries", "store", s.name, "partition", partition, "evicted", evicted)
	}
	return evicted, err
}

// LockEntry blocks until the caller holds the lock on key or ctx is done.
func (s *Store) LockEntry(ctx context.Context, partition, key string) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	if st := s.guard.State(); st != guard.Open {
		return objstore.NewError(objstore.StoreNotAvailable, "store %q is %v", s.name, st)
	}
	if err := s.locks.Lock(ctx, keylock.Key(objstore.PartitionName(partition), key)); err != nil {
		return objstore.Error{Code: objstore.LockAcquisitionFailure, Err: err, UserData: key}
	}
	return nil
}

// ReleaseEntry releases the lock on key, failing if it is not held.
func (s *Store) ReleaseEntry(ctx context.Context, partition, key string) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	if err := s.locks.Unlock(keylock.Key(objstore.PartitionName(partition), key)); err != nil {
		return objstore.Error{Code: objstore.StoreFailure, Err: err, UserData: key}
	}
	return nil
}
