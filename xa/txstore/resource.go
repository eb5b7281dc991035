// Package txstore makes an object store transactional: writes of a transaction are buffered, then
// validated and locked at prepare, logged for recovery and applied at commit.
package txstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/sharedcode/objstore"
	"github.com/sharedcode/objstore/encoding"
	"github.com/sharedcode/objstore/xa"
)

// DefaultLogPartition is the partition holding prepare records. It is reserved, so expiration sweeps
// never evict a prepared branch.
const DefaultLogPartition = objstore.ReservedPartitionPrefix + "xa-prepared"

// Options configures a Resource.
type Options struct {
	// Log holds the prepare records. Nil means the data store itself.
	Log objstore.ObjectStore
	// LogPartition defaults to DefaultLogPartition. A name without objstore.ReservedPartitionPrefix gets
	// it prepended.
	LogPartition string
	// Marshaler encodes prepare records, JSON by default.
	Marshaler encoding.Marshaler
	Logger    *slog.Logger
}

// record is the persisted form of a prepared branch.
type record struct {
	Xid xa.Xid `json:"xid"`
	Ops []Op   `json:"ops"`
}

var (
	errNotActive = errors.New("transaction no longer accepts writes")
	errConflict  = errors.New("entry written by another writer since prepare")
)

// Resource is the xa.Resource over an object store.
type Resource struct {
	store     objstore.ObjectStore
	locks     objstore.LockableStore
	log       objstore.Partition
	marshaler encoding.Marshaler
	logger    *slog.Logger
}

var (
	_ xa.Resource[*State]  = (*Resource)(nil)
	_ xa.Recoverer[*State] = (*Resource)(nil)
)

// NewResource returns the Resource over store. Entry locks are taken when store is lockable.
func NewResource(store objstore.ObjectStore, opts Options) *Resource {
	logStore := opts.Log
	if logStore == nil {
		logStore = store
	}
	switch {
	case opts.LogPartition == "":
		opts.LogPartition = DefaultLogPartition
	case !objstore.IsReservedPartition(opts.LogPartition):
		opts.LogPartition = objstore.ReservedPartitionPrefix + opts.LogPartition
	}
	if opts.Marshaler == nil {
		opts.Marshaler = encoding.DefaultMarshaler
	}
	r := &Resource{
		store:     store,
		log:       objstore.NewPartition(logStore, opts.LogPartition),
		marshaler: opts.Marshaler,
		logger:    objstore.LoggerOrDefault(opts.Logger),
	}
	r.locks, _ = objstore.AsLockable(store)
	return r
}

// Begin gives tc an empty write set.
func (r *Resource) Begin(ctx context.Context, tc *xa.TransactionContext[*State]) error {
	tc.State = newState()
	return nil
}

// Prepare locks the touched entries in (partition, key) order, checks each entry's first write against
// the store and logs XA branches. A transaction that wrote nothing votes read-only.
func (r *Resource) Prepare(ctx context.Context, tc *xa.TransactionContext[*State]) (xa.Vote, error) {
	st := tc.State
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.ops) == 0 {
		return xa.VoteReadOnly, nil
	}
	first := st.firstOps()
	if r.locks != nil {
		for _, op := range first {
			if err := r.locks.LockEntry(ctx, op.Partition, op.Key); err != nil {
				return xa.VoteOK, fmt.Errorf("%w: %w", xa.ErrVoteRollback, err)
			}
			st.locked = append(st.locked, entryKey{op.Partition, op.Key})
		}
	}
	for _, op := range first {
		found, err := r.store.Contains(ctx, op.Partition, op.Key)
		if err != nil {
			return xa.VoteOK, err
		}
		switch {
		case op.Kind == OpStore && found:
			return xa.VoteOK, fmt.Errorf("%w: %w", xa.ErrVoteRollback, objstore.AlreadyExists(op.Partition, op.Key))
		case op.Kind == OpRemove && !found:
			return xa.VoteOK, fmt.Errorf("%w: %w", xa.ErrVoteRollback, objstore.DoesNotExist(op.Partition, op.Key))
		}
	}
	if tc.Xid != nil {
		if err := r.writeRecord(ctx, record{Xid: *tc.Xid, Ops: st.ops}); err != nil {
			return xa.VoteOK, err
		}
		st.logged = true
	}
	return xa.VoteOK, nil
}

// Commit applies the net change of every touched entry. Transient store failures are retried. Changes
// written by a failed attempt are not applied twice, and after a restart an entry already holding the
// committed value counts as applied, so a commit can be repeated. An entry created by another writer
// since prepare fails the commit and is left untouched.
func (r *Resource) Commit(ctx context.Context, tc *xa.TransactionContext[*State]) error {
	st := tc.State
	st.mu.Lock()
	defer st.mu.Unlock()
	changes := st.changes()
	for st.applied < len(changes) {
		c := changes[st.applied]
		err := objstore.Retry(ctx, func(ctx context.Context) error {
			return objstore.Retryable(r.apply(ctx, c))
		}, nil)
		if err != nil {
			return err
		}
		st.applied++
	}
	if st.logged {
		if err := r.deleteRecord(ctx, *tc.Xid); err != nil {
			return err
		}
	}
	r.release(ctx, tc, st)
	st.reset()
	return nil
}

// Rollback discards the write set, the prepare record and the entry locks.
func (r *Resource) Rollback(ctx context.Context, tc *xa.TransactionContext[*State]) error {
	st := tc.State
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.logged {
		if err := r.deleteRecord(ctx, *tc.Xid); err != nil {
			return err
		}
	}
	r.release(ctx, tc, st)
	st.reset()
	return nil
}

// Recover rebuilds the prepared branches from their records, relocking their entries.
func (r *Resource) Recover(ctx context.Context) ([]*xa.TransactionContext[*State], error) {
	keys, err := r.log.AllKeys(ctx)
	if err != nil {
		return nil, err
	}
	var tcs []*xa.TransactionContext[*State]
	for _, k := range keys {
		ba, err := r.log.Retrieve(ctx, k)
		if err != nil {
			if objstore.IsDoesNotExist(err) {
				continue
			}
			return nil, err
		}
		var rec record
		if err := encoding.Unmarshal(r.marshaler, ba, &rec); err != nil {
			r.logger.Warn("skipping undecodable prepare record", "key", k, "error", err)
			continue
		}
		st := newState()
		for _, op := range rec.Ops {
			st.add(op)
		}
		if r.locks != nil {
			for _, op := range st.firstOps() {
				if err := r.locks.LockEntry(ctx, op.Partition, op.Key); err != nil {
					return nil, err
				}
				st.locked = append(st.locked, entryKey{op.Partition, op.Key})
			}
		}
		st.logged = true
		tcs = append(tcs, xa.RecoveredContext(rec.Xid, st))
		r.logger.Debug("recovered prepare record", "xid", rec.Xid.String(), "ops", len(rec.Ops))
	}
	return tcs, nil
}

func (r *Resource) apply(ctx context.Context, c change) error {
	switch c.Kind {
	case OpStore:
		if c.replace {
			cur, err := r.store.Retrieve(ctx, c.Partition, c.Key)
			switch {
			case err == nil && bytes.Equal(cur, c.Value):
				return nil
			case err == nil:
				if _, err := r.store.Remove(ctx, c.Partition, c.Key); err != nil && !objstore.IsDoesNotExist(err) {
					return err
				}
			case !objstore.IsDoesNotExist(err):
				return err
			}
		}
		err := r.store.Store(ctx, c.Partition, c.Key, c.Value)
		if !objstore.IsAlreadyExists(err) {
			return err
		}
		cur, err := r.store.Retrieve(ctx, c.Partition, c.Key)
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, c.Value) {
			return fmt.Errorf("%w: %w", errConflict, objstore.AlreadyExists(c.Partition, c.Key))
		}
		return nil
	case OpRemove:
		_, err := r.store.Remove(ctx, c.Partition, c.Key)
		if objstore.IsDoesNotExist(err) {
			return nil
		}
		return err
	}
	return objstore.NewError(objstore.StoreFailure, "unknown op kind %q", c.Kind)
}

func (r *Resource) writeRecord(ctx context.Context, rec record) error {
	ba, err := encoding.Marshal(r.marshaler, rec)
	if err != nil {
		return err
	}
	key := rec.Xid.String()
	err = r.log.Store(ctx, key, ba)
	if !objstore.IsAlreadyExists(err) {
		return err
	}
	r.logger.Warn("replacing stale prepare record", "xid", key)
	if _, err := r.log.Remove(ctx, key); err != nil && !objstore.IsDoesNotExist(err) {
		return err
	}
	return r.log.Store(ctx, key, ba)
}

func (r *Resource) deleteRecord(ctx context.Context, xid xa.Xid) error {
	err := objstore.Retry(ctx, func(ctx context.Context) error {
		_, err := r.log.Remove(ctx, xid.String())
		if objstore.IsDoesNotExist(err) {
			return nil
		}
		return objstore.Retryable(err)
	}, nil)
	if err == nil {
		r.logger.Debug("deleted prepare record", "xid", xid.String())
	}
	return err
}

// release gives back the entry locks of st. Failures are logged; the write set is already settled.
func (r *Resource) release(ctx context.Context, tc *xa.TransactionContext[*State], st *State) {
	var errs *multierror.Error
	for _, k := range st.locked {
		if err := r.locks.ReleaseEntry(ctx, k.partition, k.key); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	st.locked = nil
	if err := errs.ErrorOrNil(); err != nil {
		r.logger.Warn("releasing entry locks failed", "transaction", tc.String(), "error", err)
	}
}
