package objstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultPartition is the partition used by the single-partition view returned by Default.
const DefaultPartition = "default"

// ReservedPartitionPrefix starts the names of partitions holding bookkeeping records, such as prepare
// logs. Expiration sweeps skip them.
const ReservedPartitionPrefix = "_"

// IsReservedPartition reports whether partition holds bookkeeping records.
func IsReservedPartition(partition string) bool {
	return strings.HasPrefix(partition, ReservedPartitionPrefix)
}

// PartitionName maps the empty partition name to DefaultPartition.
func PartitionName(partition string) string {
	if partition == "" {
		return DefaultPartition
	}
	return partition
}

// ObjectStore is the contract every backing implements. All entry operations are scoped to a partition,
// which is created lazily on first Store or OpenPartition.
type ObjectStore interface {
	// Name returns the name the store was created with.
	Name() string
	// IsPersistent reports whether entries survive a process restart.
	IsPersistent() bool

	// Open makes the store usable. It is idempotent; opening a disposed store fails.
	Open(ctx context.Context) error
	// Close releases the store's resources without losing persisted data. It is idempotent.
	// Entry operations on a closed store fail with StoreNotAvailable until it is opened again.
	Close(ctx context.Context) error
	// Dispose clears every partition and invalidates the store as one atomic step.
	// Every later operation fails with StoreNotAvailable.
	Dispose(ctx context.Context) error

	// Contains reports whether key is present in partition.
	Contains(ctx context.Context, partition, key string) (bool, error)
	// Store adds key, failing with ObjectAlreadyExists if it is already present.
	Store(ctx context.Context, partition, key string, value []byte) error
	// Retrieve returns the value of key, failing with ObjectDoesNotExist if it is absent.
	Retrieve(ctx context.Context, partition, key string) ([]byte, error)
	// Remove deletes key and returns the value it held, as one atomic step.
	Remove(ctx context.Context, partition, key string) ([]byte, error)
	// Clear removes every entry of partition.
	Clear(ctx context.Context, partition string) error
	// AllKeys returns a snapshot of the partition's keys, oldest insertion first.
	AllKeys(ctx context.Context, partition string) ([]string, error)

	// Partitions lists the known partition names in ascending order.
	Partitions(ctx context.Context) ([]string, error)
	// OpenPartition creates partition if it does not exist yet.
	OpenPartition(ctx context.Context, partition string) error
	// DisposePartition clears partition and forgets it.
	DisposePartition(ctx context.Context, partition string) error
}

// ExpirableStore is a store whose partitions can be swept for TTL and size bound eviction.
type ExpirableStore interface {
	ObjectStore
	// Expire removes from partition every entry older than entryTTL (when > 0), then, while the partition
	// holds more than maxEntries (when > 0), the oldest inserted entries. It runs atomically with respect
	// to every other operation on the partition and returns the number of evicted entries.
	Expire(ctx context.Context, entryTTL time.Duration, maxEntries int, partition string) (int, error)
}

// LockableStore is a store offering exclusive per-key locks, independent of its internal locking.
type LockableStore interface {
	ObjectStore
	// LockEntry blocks until the caller holds the lock on (partition, key) or ctx is done.
	// Locks are not reentrant.
	LockEntry(ctx context.Context, partition, key string) error
	// ReleaseEntry releases a lock taken with LockEntry.
	ReleaseEntry(ctx context.Context, partition, key string) error
}

// AsExpirable returns s as an ExpirableStore if it supports expiration.
func AsExpirable(s ObjectStore) (ExpirableStore, bool) {
	es, ok := s.(ExpirableStore)
	return es, ok
}

// AsLockable returns s as a LockableStore if it supports entry locks.
func AsLockable(s ObjectStore) (LockableStore, bool) {
	ls, ok := s.(LockableStore)
	return ls, ok
}

// Partition is a single-partition view over an ObjectStore. It offers the plain, non partitioned
// object store contract.
type Partition struct {
	Backing ObjectStore
	Name    string
}

// Default returns the view over DefaultPartition of s.
func Default(s ObjectStore) Partition {
	return Partition{Backing: s, Name: DefaultPartition}
}

// NewPartition returns the view over the named partition of s.
func NewPartition(s ObjectStore, name string) Partition {
	return Partition{Backing: s, Name: PartitionName(name)}
}

// Contains reports whether key is present.
func (p Partition) Contains(ctx context.Context, key string) (bool, error) {
	return p.Backing.Contains(ctx, p.Name, key)
}

// Store adds key.
func (p Partition) Store(ctx context.Context, key string, value []byte) error {
	return p.Backing.Store(ctx, p.Name, key, value)
}

// Retrieve returns the value of key.
func (p Partition) Retrieve(ctx context.Context, key string) ([]byte, error) {
	return p.Backing.Retrieve(ctx, p.Name, key)
}

// Remove deletes key, returning its value.
func (p Partition) Remove(ctx context.Context, key string) ([]byte, error) {
	return p.Backing.Remove(ctx, p.Name, key)
}

// Clear removes every entry.
func (p Partition) Clear(ctx context.Context) error {
	return p.Backing.Clear(ctx, p.Name)
}

// AllKeys returns a snapshot of the keys, oldest insertion first.
func (p Partition) AllKeys(ctx context.Context) ([]string, error) {
	return p.Backing.AllKeys(ctx, p.Name)
}

// Expire runs an expiration sweep over the partition.
func (p Partition) Expire(ctx context.Context, entryTTL time.Duration, maxEntries int) (int, error) {
	es, ok := AsExpirable(p.Backing)
	if !ok {
		return 0, unsupported(p.Backing, "expiration")
	}
	return es.Expire(ctx, entryTTL, maxEntries, p.Name)
}

// LockEntry locks key.
func (p Partition) LockEntry(ctx context.Context, key string) error {
	ls, ok := AsLockable(p.Backing)
	if !ok {
		return unsupported(p.Backing, "entry locks")
	}
	return ls.LockEntry(ctx, p.Name, key)
}

// ReleaseEntry releases the lock on key.
func (p Partition) ReleaseEntry(ctx context.Context, key string) error {
	ls, ok := AsLockable(p.Backing)
	if !ok {
		return unsupported(p.Backing, "entry locks")
	}
	return ls.ReleaseEntry(ctx, p.Name, key)
}

func unsupported(s ObjectStore, capability string) error {
	return Error{
		Code: StoreFailure,
		Err:  fmt.Errorf("store %q does not support %s", s.Name(), capability),
	}
}
