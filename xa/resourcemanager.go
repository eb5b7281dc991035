// Package xa is the transactional session core: a resource manager driving local transactions and XA
// (two-phase commit) branches over a pluggable Resource, with suspend/resume, rollback-only marking and
// recovery of prepared branches.
package xa

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/sharedcode/objstore"
)

// Resource is the transactional resource a ResourceManager drives. Methods receive the context they
// act on; Begin initialises its State.
type Resource[S any] interface {
	Begin(ctx context.Context, tc *TransactionContext[S]) error
	// Prepare votes VoteOK or VoteReadOnly, or fails. Failing with an error wrapping ErrVoteRollback
	// votes the transaction down; it is then rolled back.
	Prepare(ctx context.Context, tc *TransactionContext[S]) (Vote, error)
	Commit(ctx context.Context, tc *TransactionContext[S]) error
	Rollback(ctx context.Context, tc *TransactionContext[S]) error
}

// Recoverer is implemented by resources that persist prepared branches. Start registers the contexts
// it returns, which must be Prepared (see RecoveredContext).
type Recoverer[S any] interface {
	Recover(ctx context.Context) ([]*TransactionContext[S], error)
}

var errInFlight = errors.New("transactions in flight")

// ResourceManager owns the XA registries of one resource and hands out sessions.
type ResourceManager[S any] struct {
	resource Resource[S]
	log      *slog.Logger
	registry *contextRegistry[S]

	mu      sync.Mutex
	started bool
	local   map[objstore.UUID]*TransactionContext[S]

	// DefaultTimeout is the transaction timeout of new sessions. It is metadata only.
	DefaultTimeout time.Duration
}

// NewResourceManager returns a stopped ResourceManager over resource.
func NewResourceManager[S any](resource Resource[S], logger *slog.Logger) *ResourceManager[S] {
	return &ResourceManager[S]{
		resource: resource,
		log:      objstore.LoggerOrDefault(logger),
		registry: newContextRegistry[S](),
		local:    make(map[objstore.UUID]*TransactionContext[S]),
	}
}

// Start makes the manager accept transactions, after registering the prepared branches its resource
// recovers.
func (rm *ResourceManager[S]) Start(ctx context.Context) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.started {
		return nil
	}
	if rec, ok := rm.resource.(Recoverer[S]); ok {
		tcs, err := rec.Recover(ctx)
		if err != nil {
			return newError(XAERRMErr, "recovering prepared branches: %w", err)
		}
		for _, tc := range tcs {
			if tc.Xid == nil || tc.Status() != Prepared {
				continue
			}
			if rm.registry.addActive(tc.Xid.String(), tc) {
				rm.log.Info("recovered prepared branch", "xid", tc.Xid.String())
			}
		}
	}
	rm.started = true
	rm.log.Debug("resource manager started")
	return nil
}

// Stop refuses new transactions, waits until ctx is done for in-flight ones to complete, then rolls
// back those still not prepared. Prepared branches are kept for recovery.
func (rm *ResourceManager[S]) Stop(ctx context.Context) error {
	rm.mu.Lock()
	if !rm.started {
		rm.mu.Unlock()
		return nil
	}
	rm.started = false
	rm.mu.Unlock()

	err := retry.Do(ctx, retry.NewConstant(10*time.Millisecond), func(ctx context.Context) error {
		if len(rm.unprepared()) > 0 {
			return retry.RetryableError(errInFlight)
		}
		return nil
	})
	if err == nil {
		rm.log.Debug("resource manager stopped")
		return nil
	}

	// ctx is done; complete the stragglers on a fresh context.
	rctx := context.WithoutCancel(ctx)
	var lastErr error
	for _, tc := range rm.unprepared() {
		tc.mu.Lock()
		if rerr := rm.rollback(rctx, tc); rerr != nil {
			lastErr = rerr
		}
		tc.mu.Unlock()
		rm.forget(tc)
		rm.log.Warn("rolled back transaction at stop", "transaction", tc.String())
	}
	return lastErr
}

// IsStarted reports whether the manager accepts transactions.
func (rm *ResourceManager[S]) IsStarted() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.started
}

// NewSession returns a session bound to rm.
func (rm *ResourceManager[S]) NewSession() *Session[S] {
	return &Session[S]{
		rm:      rm,
		timeout: rm.DefaultTimeout,
	}
}

// unprepared returns the live contexts that Stop would roll back.
func (rm *ResourceManager[S]) unprepared() []*TransactionContext[S] {
	var r []*TransactionContext[S]
	rm.mu.Lock()
	for _, tc := range rm.local {
		r = append(r, tc)
	}
	rm.mu.Unlock()
	for _, tc := range rm.registry.all() {
		if tc.Status() != Prepared {
			r = append(r, tc)
		}
	}
	return r
}

func (rm *ResourceManager[S]) trackLocal(tc *TransactionContext[S]) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.started {
		return false
	}
	rm.local[tc.ID] = tc
	return true
}

// forget drops tc from wherever it is registered.
func (rm *ResourceManager[S]) forget(tc *TransactionContext[S]) {
	if tc.Xid != nil {
		rm.registry.remove(tc.Xid.String())
		return
	}
	rm.mu.Lock()
	delete(rm.local, tc.ID)
	rm.mu.Unlock()
}

// begin creates a context and lets the resource initialise it.
func (rm *ResourceManager[S]) begin(ctx context.Context, xid *Xid, timeout time.Duration) (*TransactionContext[S], error) {
	tc := newTransactionContext[S](xid, timeout)
	if err := rm.resource.Begin(ctx, tc); err != nil {
		return nil, err
	}
	return tc, nil
}

// prepare runs the resource prepare of an active context. The caller holds tc.mu.
// A vote down or a failure rolls tc back.
func (rm *ResourceManager[S]) prepare(ctx context.Context, tc *TransactionContext[S]) (Vote, error) {
	tc.setStatus(Preparing)
	vote, err := rm.resource.Prepare(ctx, tc)
	if err != nil {
		if rerr := rm.rollback(ctx, tc); rerr != nil {
			rm.log.Warn("rollback after failed prepare failed", "transaction", tc.String(), "error", rerr)
		}
		if errors.Is(err, ErrVoteRollback) {
			return vote, &Error{Code: XARBRollback, Err: err}
		}
		return vote, &Error{Code: XAERRMErr, Err: err}
	}
	if vote == VoteReadOnly {
		tc.setStatus(Committed)
		return vote, nil
	}
	tc.setStatus(Prepared)
	return vote, nil
}

// commit runs the resource commit of a prepared context. The caller holds tc.mu. On failure the
// context goes back to Prepared so the commit can be retried.
func (rm *ResourceManager[S]) commit(ctx context.Context, tc *TransactionContext[S]) error {
	tc.setStatus(Committing)
	if err := rm.resource.Commit(ctx, tc); err != nil {
		tc.setStatus(Prepared)
		return &Error{Code: XAERRMErr, Err: err}
	}
	tc.setStatus(Committed)
	return nil
}

// rollback runs the resource rollback. The caller holds tc.mu.
func (rm *ResourceManager[S]) rollback(ctx context.Context, tc *TransactionContext[S]) error {
	tc.setStatus(RollingBack)
	if err := rm.resource.Rollback(ctx, tc); err != nil {
		return &Error{Code: XAERRMErr, Err: err}
	}
	tc.setStatus(RolledBack)
	return nil
}

// complete prepares (unless already prepared) and commits tc, or rolls it back when rollback-only.
// The caller holds tc.mu.
func (rm *ResourceManager[S]) complete(ctx context.Context, tc *TransactionContext[S]) error {
	if tc.IsRollbackOnly() {
		if err := rm.rollback(ctx, tc); err != nil {
			return err
		}
		return &Error{Code: XARBRollback, Err: ErrMarkedRollback}
	}
	if tc.Status() != Prepared {
		vote, err := rm.prepare(ctx, tc)
		if err != nil || vote == VoteReadOnly {
			return err
		}
	}
	return rm.commit(ctx, tc)
}
