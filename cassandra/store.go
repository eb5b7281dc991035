package cassandra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gocql/gocql"
	retry "github.com/sethvargo/go-retry"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/internal/guard"
	"github.com/sharedcode/objstore/internal/keylock"
	"github.com/sharedcode/objstore/internal/lease"
)

// DefaultLockLease bounds how long a lock row survives a holder that died without releasing it. A live
// holder renews its lock rows every third of the lease until ReleaseEntry.
const DefaultLockLease = time.Minute

var (
	errLockHeld     = errors.New("entry is locked")
	errNotLocked    = errors.New("entry is not locked")
	errLeaseExpired = errors.New("lock lease expired before release")
)

// StoreOptions configures a Cassandra store.
type StoreOptions struct {
	// LockLease is the TTL of lock rows. <= 0 selects DefaultLockLease.
	LockLease time.Duration `json:"lock_lease,omitempty" yaml:"lock_lease,omitempty"`
	// LockPollBackoff is the first delay between lock attempts; it grows exponentially up to a second.
	LockPollBackoff time.Duration `json:"lock_poll_backoff,omitempty" yaml:"lock_poll_backoff,omitempty"`
}

// Store is the Cassandra object store. A partition maps to a Cassandra partition of the object_store
// table, so its entries live together. Store and lock acquisition are lightweight transactions.
type Store struct {
	name  string
	conn  *Connection
	opts  StoreOptions
	now   func() time.Time
	guard *guard.Guard

	lmu    sync.Mutex
	held   map[string]gocql.UUID
	leases lease.Keeper
}

var (
	_ objstore.ExpirableStore = (*Store)(nil)
	_ objstore.LockableStore  = (*Store)(nil)
)

// entryInfo is an entry's identity and insertion order, without its value.
type entryInfo struct {
	key string
	ts  int64
	seq gocql.UUID
}

func (e entryInfo) olderThan(o entryInfo) bool {
	if e.ts != o.ts {
		return e.ts < o.ts
	}
	if t1, t2 := e.seq.Time(), o.seq.Time(); !t1.Equal(t2) {
		return t1.Before(t2)
	}
	return bytes.Compare(e.seq[:], o.seq[:]) < 0
}

// NewStore returns the open Cassandra store name over conn.
func NewStore(conn *Connection, name string, opts StoreOptions, now func() time.Time) *Store {
	if opts.LockLease <= 0 {
		opts.LockLease = DefaultLockLease
	}
	if opts.LockPollBackoff <= 0 {
		opts.LockPollBackoff = 10 * time.Millisecond
	}
	return &Store{
		name:  name,
		conn:  conn,
		opts:  opts,
		now:   objstore.Clock(now),
		guard: guard.New(name),
		held:  make(map[string]gocql.UUID),
	}
}

func (s *Store) table(name string) string {
	return fmt.Sprintf("%s.%s", s.conn.Keyspace, name)
}

func (s *Store) query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return s.conn.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *Store) cqlError(err error) error {
	if err == nil {
		return nil
	}
	return objstore.NotAvailable(s.name, err)
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// IsPersistent is always true.
func (s *Store) IsPersistent() bool {
	return true
}

// Open reopens a closed store.
func (s *Store) Open(ctx context.Context) error {
	return s.guard.Open(func() error {
		if s.conn.Session == nil || s.conn.Session.Closed() {
			return objstore.NotAvailable(s.name, errors.New("cassandra session is closed"))
		}
		return nil
	})
}

// Close makes the store reject operations until opened again. Data and the session are kept.
func (s *Store) Close(ctx context.Context) error {
	return s.guard.Close(nil)
}

// Dispose deletes every row of the store and invalidates it. Held locks stop being renewed.
func (s *Store) Dispose(ctx context.Context) error {
	return s.guard.Dispose(func() error {
		s.leases.StopAll()
		parts, err := s.partitions(ctx)
		if err != nil {
			return err
		}
		for _, p := range parts {
			if err := s.deletePartition(ctx, p); err != nil {
				return err
			}
		}
		return s.cqlError(s.query(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE store=?;", s.table("object_store_partitions")),
			s.name).Exec())
	})
}

func (s *Store) deletePartition(ctx context.Context, partition string) error {
	if err := s.query(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE store=? AND partition=?;", s.table("object_store")),
		s.name, partition).Exec(); err != nil {
		return s.cqlError(err)
	}
	return s.cqlError(s.query(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE store=? AND partition=?;", s.table("object_store_partitions")),
		s.name, partition).Exec())
}

func (s *Store) readValue(ctx context.Context, partition, key string) ([]byte, error) {
	var v []byte
	err := s.query(ctx,
		fmt.Sprintf("SELECT value FROM %s WHERE store=? AND partition=? AND key=?;", s.table("object_store")),
		s.name, partition, key).Scan(&v)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, objstore.DoesNotExist(partition, key)
	}
	if err != nil {
		return nil, s.cqlError(err)
	}
	return v, nil
}

// entries returns the partition's entries, oldest insertion first.
func (s *Store) entries(ctx context.Context, partition string) ([]entryInfo, error) {
	iter := s.query(ctx,
		fmt.Sprintf("SELECT key, ts, seq FROM %s WHERE store=? AND partition=?;", s.table("object_store")),
		s.name, partition).Iter()
	var r []entryInfo
	var e entryInfo
	for iter.Scan(&e.key, &e.ts, &e.seq) {
		r = append(r, e)
	}
	if err := iter.Close(); err != nil {
		return nil, s.cqlError(err)
	}
	sort.Slice(r, func(i, j int) bool {
		return r[i].olderThan(r[j])
	})
	return r, nil
}

func (s *Store) partitions(ctx context.Context) ([]string, error) {
	iter := s.query(ctx,
		fmt.Sprintf("SELECT partition FROM %s WHERE store=?;", s.table("object_store_partitions")),
		s.name).Iter()
	r := []string{}
	var p string
	for iter.Scan(&p) {
		r = append(r, p)
	}
	if err := iter.Close(); err != nil {
		return nil, s.cqlError(err)
	}
	sort.Strings(r)
	return r, nil
}

func (s *Store) registerPartition(ctx context.Context, partition string) error {
	return s.cqlError(s.query(ctx,
		fmt.Sprintf("INSERT INTO %s (store, partition) VALUES(?,?);", s.table("object_store_partitions")),
		s.name, partition).Exec())
}

// Contains reports whether key is present in partition.
func (s *Store) Contains(ctx context.Context, partition, key string) (bool, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return false, err
	}
	partition = objstore.PartitionName(partition)
	var found bool
	err := s.guard.Read(partition, func() error {
		_, err := s.readValue(ctx, partition, key)
		if objstore.IsDoesNotExist(err) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

// Store inserts key with IF NOT EXISTS, failing if it is already present.
func (s *Store) Store(ctx context.Context, partition, key string, value []byte) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		if err := s.registerPartition(ctx, partition); err != nil {
			return err
		}
		applied, err := s.query(ctx,
			fmt.Sprintf("INSERT INTO %s (store, partition, key, value, ts, seq) VALUES(?,?,?,?,?,?) IF NOT EXISTS;", s.table("object_store")),
			s.name, partition, key, value, s.now().UnixMilli(), gocql.TimeUUID()).MapScanCAS(map[string]any{})
		if err != nil {
			return s.cqlError(err)
		}
		if !applied {
			return objstore.AlreadyExists(partition, key)
		}
		return nil
	})
}

// Retrieve returns the value of key.
func (s *Store) Retrieve(ctx context.Context, partition, key string) ([]byte, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return nil, err
	}
	partition = objstore.PartitionName(partition)
	var r []byte
	err := s.guard.Read(partition, func() error {
		var err error
		r, err = s.readValue(ctx, partition, key)
		return err
	})
	return r, err
}

// Remove deletes key and returns the value it held. The delete is conditional on the insertion read
// still being current, so of two racing removers only one gets the value, and an entry replaced in
// between is never deleted with the older value returned.
func (s *Store) Remove(ctx context.Context, partition, key string) ([]byte, error) {
	if err := objstore.ValidateKey(key); err != nil {
		return nil, err
	}
	partition = objstore.PartitionName(partition)
	var r []byte
	err := s.guard.Write(partition, func() error {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE store=? AND partition=? AND key=? IF seq=?;", s.table("object_store"))
		for {
			var v []byte
			var seq gocql.UUID
			err := s.query(ctx,
				fmt.Sprintf("SELECT value, seq FROM %s WHERE store=? AND partition=? AND key=?;", s.table("object_store")),
				s.name, partition, key).Scan(&v, &seq)
			if errors.Is(err, gocql.ErrNotFound) {
				return objstore.DoesNotExist(partition, key)
			}
			if err != nil {
				return s.cqlError(err)
			}
			// Deletes only the insertion that was read.
			applied, err := s.query(ctx, stmt, s.name, partition, key, seq).MapScanCAS(map[string]any{})
			if err != nil {
				return s.cqlError(err)
			}
			if applied {
				r = v
				return nil
			}
			if err := ctx.Err(); err != nil {
				return s.cqlError(err)
			}
			log.Debug("entry replaced during remove, retrying", "store", s.name, "partition", partition, "key", key)
		}
	})
	return r, err
}

// Clear removes every entry of partition.
func (s *Store) Clear(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		return s.cqlError(s.query(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE store=? AND partition=?;", s.table("object_store")),
			s.name, partition).Exec())
	})
}

// AllKeys returns the keys of partition, oldest insertion first.
func (s *Store) AllKeys(ctx context.Context, partition string) ([]string, error) {
	partition = objstore.PartitionName(partition)
	var r []string
	err := s.guard.Read(partition, func() error {
		es, err := s.entries(ctx, partition)
		if err != nil {
			return err
		}
		r = make([]string, len(es))
		for i := range es {
			r[i] = es[i].key
		}
		return nil
	})
	return r, err
}

// Partitions lists the partition names in ascending order.
func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	var r []string
	err := s.guard.Shared(func() error {
		var err error
		r, err = s.partitions(ctx)
		return err
	})
	return r, err
}

// OpenPartition registers partition.
func (s *Store) OpenPartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		return s.registerPartition(ctx, partition)
	})
}

// DisposePartition deletes the entries of partition and forgets it.
func (s *Store) DisposePartition(ctx context.Context, partition string) error {
	partition = objstore.PartitionName(partition)
	return s.guard.Write(partition, func() error {
		return s.deletePartition(ctx, partition)
	})
}

// Expire evicts entries of partition older than entryTTL and then, oldest inserted first, those above
// maxEntries.
func (s *Store) Expire(ctx context.Context, entryTTL time.Duration, maxEntries int, partition string) (int, error) {
	partition = objstore.PartitionName(partition)
	var evicted int
	err := s.guard.Write(partition, func() error {
		es, err := s.entries(ctx, partition)
		if err != nil {
			return err
		}
		cutoff := s.now().Add(-entryTTL).UnixMilli()
		remaining := len(es)
		stmt := fmt.Sprintf("DELETE FROM %s WHERE store=? AND partition=? AND key=?;", s.table("object_store"))
		for _, e := range es {
			expired := entryTTL > 0 && e.ts < cutoff
			overflow := maxEntries > 0 && remaining > maxEntries
			if !expired && !overflow {
				break
			}
			if err := s.query(ctx, stmt, s.name, partition, e.key).Exec(); err != nil {
				return s.cqlError(err)
			}
			remaining--
			evicted++
		}
		return nil
	})
	if evicted > 0 {
		log.Debug("expired entries", "store", s.name, "partition", partition, "evicted", evicted)
	}
	return evicted, err
}

// LockEntry polls an IF NOT EXISTS insert of the entry's lock row until it wins or ctx is done.
// The row is owned by this store instance and expires after the lock lease.
func (s *Store) LockEntry(ctx context.Context, partition, key string) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	if st := s.guard.State(); st != guard.Open {
		return objstore.NewError(objstore.StoreNotAvailable, "store %q is %v", s.name, st)
	}
	partition = objstore.PartitionName(partition)
	owner := gocql.UUID(objstore.NewUUID())
	stmt := fmt.Sprintf("INSERT INTO %s (store, partition, key, owner) VALUES(?,?,?,?) IF NOT EXISTS USING TTL ?;", s.table("object_store_locks"))
	ttl := int(s.opts.LockLease / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	b := retry.WithCappedDuration(time.Second, retry.NewExponential(s.opts.LockPollBackoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		applied, err := s.query(ctx, stmt, s.name, partition, key, owner, ttl).MapScanCAS(map[string]any{})
		if err != nil {
			return s.cqlError(err)
		}
		if !applied {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if err != nil {
		if objstore.IsNotAvailable(err) && ctx.Err() == nil {
			return err
		}
		return objstore.Error{Code: objstore.LockAcquisitionFailure, Err: err, UserData: key}
	}
	lk := keylock.Key(partition, key)
	s.lmu.Lock()
	s.held[lk] = owner
	s.lmu.Unlock()
	renew := fmt.Sprintf("UPDATE %s USING TTL ? SET owner=? WHERE store=? AND partition=? AND key=? IF owner=?;", s.table("object_store_locks"))
	s.leases.Start(lk, lease.Interval(s.opts.LockLease), func(ctx context.Context) (bool, error) {
		return s.query(ctx, renew, ttl, owner, s.name, partition, key, owner).MapScanCAS(map[string]any{})
	})
	return nil
}

// ReleaseEntry deletes the lock row of key if this store still owns it.
func (s *Store) ReleaseEntry(ctx context.Context, partition, key string) error {
	if err := objstore.ValidateKey(key); err != nil {
		return err
	}
	partition = objstore.PartitionName(partition)
	lk := keylock.Key(partition, key)
	s.lmu.Lock()
	owner, ok := s.held[lk]
	delete(s.held, lk)
	s.lmu.Unlock()
	if !ok {
		return objstore.Error{Code: objstore.StoreFailure, Err: errNotLocked, UserData: key}
	}
	s.leases.Stop(lk)
	applied, err := s.query(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE store=? AND partition=? AND key=? IF owner=?;", s.table("object_store_locks")),
		s.name, partition, key, owner).MapScanCAS(map[string]any{})
	if err != nil {
		return s.cqlError(err)
	}
	if !applied {
		return objstore.Error{Code: objstore.StoreFailure, Err: errLeaseExpired, UserData: key}
	}
	return nil
}
