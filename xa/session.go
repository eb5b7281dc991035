package xa

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// XAResource is the XA contract a Session offers to a transaction manager.
type XAResource interface {
	Start(ctx context.Context, xid Xid, flag StartFlag) error
	End(ctx context.Context, xid Xid, flag EndFlag) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error
	Recover(ctx context.Context, flag RecoverFlag) ([]Xid, error)
	IsSameRM(other XAResource) bool
	TransactionTimeout() time.Duration
	SetTransactionTimeout(d time.Duration) bool
}

var _ XAResource = (*XASession[struct{}])(nil)

// Session is a client's handle on a ResourceManager. It is associated with at most one transaction
// context at a time: a local transaction between Begin and Commit/Rollback, or an XA branch between
// Start and End of its XA view.
type Session[S any] struct {
	rm *ResourceManager[S]

	mu      sync.Mutex
	tc      *TransactionContext[S]
	timeout time.Duration
}

// ResourceManager returns the manager the session belongs to.
func (s *Session[S]) ResourceManager() *ResourceManager[S] {
	return s.rm
}

// XA returns the XA view of the session. It shares the session's association.
func (s *Session[S]) XA() *XASession[S] {
	return (*XASession[S])(s)
}

// XASession is the XAResource view of a Session. Completion of XA branches (Prepare, Commit, Rollback,
// Forget) may happen on any session of the same manager.
type XASession[S any] Session[S]

// Session returns the session x is a view of.
func (s *XASession[S]) Session() *Session[S] {
	return (*Session[S])(s)
}

// Current returns the associated transaction context, nil if none.
func (s *Session[S]) Current() *TransactionContext[S] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tc
}

// Begin starts a local transaction.
func (s *Session[S]) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rm.IsStarted() {
		return ErrNotStarted
	}
	if s.tc != nil {
		return ErrTransactionInProgress
	}
	tc, err := s.rm.begin(ctx, nil, s.timeout)
	if err != nil {
		return err
	}
	if !s.rm.trackLocal(tc) {
		tc.mu.Lock()
		s.rm.rollback(ctx, tc)
		tc.mu.Unlock()
		return ErrNotStarted
	}
	s.tc = tc
	s.rm.log.Debug("began local transaction", "transaction", tc.String())
	return nil
}

// detachLocal clears the session's local transaction and returns it.
func (s *Session[S]) detachLocal() (*TransactionContext[S], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tc == nil {
		return nil, ErrNoTransaction
	}
	if s.tc.IsXA() {
		return nil, ErrXAInProgress
	}
	tc := s.tc
	s.tc = nil
	return tc, nil
}

// Commit prepares and commits the local transaction. A rollback-only transaction is rolled back and
// ErrMarkedRollback returned. The session is dissociated either way.
func (s *Session[S]) Commit(ctx context.Context) error {
	tc, err := s.detachLocal()
	if err != nil {
		return err
	}
	defer s.rm.forget(tc)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return s.rm.complete(ctx, tc)
}

// Rollback rolls back the local transaction.
func (s *Session[S]) Rollback(ctx context.Context) error {
	tc, err := s.detachLocal()
	if err != nil {
		return err
	}
	defer s.rm.forget(tc)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return s.rm.rollback(ctx, tc)
}

// SetRollbackOnly marks the associated transaction, local or XA, rollback-only.
func (s *Session[S]) SetRollbackOnly() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tc == nil {
		return ErrNoTransaction
	}
	if !s.tc.setRollbackOnly() {
		return fmt.Errorf("transaction %s is %v", s.tc, s.tc.Status())
	}
	return nil
}

// TransactionTimeout returns the timeout given to new transactions.
func (s *Session[S]) TransactionTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTransactionTimeout sets the timeout of new transactions; zero restores the manager default.
// Timeouts are recorded, not enforced.
func (s *Session[S]) SetTransactionTimeout(d time.Duration) bool {
	if d < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == 0 {
		d = s.rm.DefaultTimeout
	}
	s.timeout = d
	return true
}

// Start associates the session with the branch xid.
func (s *XASession[S]) Start(ctx context.Context, xid Xid, flag StartFlag) error {
	switch flag {
	case StartNoFlags, StartJoin, StartResume:
	default:
		return newError(XAERInval, "invalid start flag %v", flag)
	}
	if err := xid.Validate(); err != nil {
		return &Error{Code: XAERInval, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rm.IsStarted() {
		return &Error{Code: XAERRMErr, Err: ErrNotStarted}
	}
	if s.tc != nil {
		return newError(XAERProto, "session is already associated with %s", s.tc)
	}
	key := xid.String()

	switch flag {
	case StartResume:
		tc, ok := s.rm.registry.resume(key)
		if !ok {
			return newError(XAERNota, "no suspended branch %s", key)
		}
		s.tc = tc
		s.rm.log.Debug("resumed branch", "xid", key)
		return nil
	case StartJoin:
		if tc, ok := s.rm.registry.join(key); ok {
			s.tc = tc
			s.rm.log.Debug("joined branch", "xid", key)
			return nil
		}
	case StartNoFlags:
		if active, suspended := s.rm.registry.contains(key); active || suspended {
			return newError(XAERDupID, "branch %s already exists", key)
		}
	}

	x := xid
	tc, err := s.rm.begin(ctx, &x, s.timeout)
	if err != nil {
		return &Error{Code: XAERRMErr, Err: err}
	}
	if !s.rm.registry.addActive(key, tc) {
		tc.mu.Lock()
		s.rm.rollback(ctx, tc)
		tc.mu.Unlock()
		return newError(XAERDupID, "branch %s already exists", key)
	}
	s.tc = tc
	s.rm.log.Debug("started branch", "xid", key)
	return nil
}

// End dissociates the session from the branch xid.
func (s *XASession[S]) End(ctx context.Context, xid Xid, flag EndFlag) error {
	switch flag {
	case EndSuccess, EndSuspend, EndFail:
	default:
		return newError(XAERInval, "invalid end flag %v", flag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tc == nil {
		return newError(XAERNota, "session is not associated with a branch")
	}
	if s.tc.Xid == nil || !s.tc.Xid.Equal(xid) {
		return newError(XAERProto, "session is associated with %s, not %s", s.tc, xid)
	}
	key := xid.String()
	switch flag {
	case EndSuspend:
		if !s.rm.registry.suspend(key) {
			return newError(XAERNota, "branch %s is not active", key)
		}
	case EndFail:
		s.tc.setRollbackOnly()
	}
	s.tc = nil
	s.rm.log.Debug("ended branch", "xid", key, "flag", flag.String())
	return nil
}

// Prepare asks the resource to prepare the branch xid. A rollback-only branch is refused with
// XA_RBROLLBACK and stays registered until Rollback.
func (s *XASession[S]) Prepare(ctx context.Context, xid Xid) (Vote, error) {
	key := xid.String()
	tc, ok := s.rm.registry.lookup(key)
	if !ok {
		return VoteOK, newError(XAERNota, "unknown branch %s", key)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	switch tc.Status() {
	case MarkedRollback:
		return VoteOK, newError(XARBRollback, "branch %s is rollback-only", key)
	case Active:
	default:
		return VoteOK, newError(XAERProto, "branch %s is %v", key, tc.Status())
	}
	vote, err := s.rm.prepare(ctx, tc)
	if err != nil || vote == VoteReadOnly {
		s.rm.registry.remove(key)
	}
	return vote, err
}

// Commit commits the branch xid. Without onePhase the branch must be prepared.
func (s *XASession[S]) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	key := xid.String()
	tc, ok := s.rm.registry.getActive(key)
	if !ok {
		return newError(XAERNota, "no active branch %s", key)
	}
	// A settled branch no longer binds this session. Runs after tc.mu is released.
	var settled bool
	defer func() {
		if settled {
			s.dissociate(tc)
		}
	}()
	tc.mu.Lock()
	defer tc.mu.Unlock()
	switch st := tc.Status(); {
	case st == MarkedRollback:
		return newError(XARBRollback, "branch %s is rollback-only", key)
	case st == Prepared:
	case st == Active && onePhase:
		vote, err := s.rm.prepare(ctx, tc)
		if err != nil || vote == VoteReadOnly {
			s.rm.registry.remove(key)
			settled = true
			return err
		}
	default:
		return newError(XAERProto, "branch %s is %v", key, st)
	}
	if err := s.rm.commit(ctx, tc); err != nil {
		return err
	}
	s.rm.registry.remove(key)
	settled = true
	s.rm.log.Debug("committed branch", "xid", key, "one_phase", onePhase)
	return nil
}

// Rollback rolls back the branch xid, wherever it is registered.
func (s *XASession[S]) Rollback(ctx context.Context, xid Xid) error {
	key := xid.String()
	tc, ok := s.rm.registry.lookup(key)
	if !ok {
		return newError(XAERNota, "unknown branch %s", key)
	}
	s.dissociate(tc)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	err := s.rm.rollback(ctx, tc)
	s.rm.registry.remove(key)
	s.rm.log.Debug("rolled back branch", "xid", key)
	return err
}

// Forget drops a heuristically completed branch.
func (s *XASession[S]) Forget(ctx context.Context, xid Xid) error {
	key := xid.String()
	tc, ok := s.rm.registry.lookup(key)
	if !ok {
		return newError(XAERNota, "unknown branch %s", key)
	}
	s.dissociate(tc)
	s.rm.registry.remove(key)
	return nil
}

// Recover returns the prepared branches, ordered by Xid. RecoverEndScan returns none.
func (s *XASession[S]) Recover(ctx context.Context, flag RecoverFlag) ([]Xid, error) {
	switch flag {
	case RecoverNoFlags, RecoverStartScan, RecoverStartEndScan:
	case RecoverEndScan:
		return nil, nil
	default:
		return nil, newError(XAERInval, "invalid recover flag %v", flag)
	}
	if !s.rm.IsStarted() {
		return nil, &Error{Code: XAERRMErr, Err: ErrNotStarted}
	}
	var r []Xid
	for _, tc := range s.rm.registry.all() {
		if tc.Status() == Prepared {
			r = append(r, *tc.Xid)
		}
	}
	sort.Slice(r, func(i, j int) bool {
		return r[i].String() < r[j].String()
	})
	return r, nil
}

// IsSameRM reports whether other is the XA view of a session of the same resource manager.
func (s *XASession[S]) IsSameRM(other XAResource) bool {
	o, ok := other.(*XASession[S])
	return ok && o != nil && o.rm == s.rm
}

// TransactionTimeout returns the timeout given to new transactions.
func (s *XASession[S]) TransactionTimeout() time.Duration {
	return s.Session().TransactionTimeout()
}

// SetTransactionTimeout sets the timeout of new transactions.
func (s *XASession[S]) SetTransactionTimeout(d time.Duration) bool {
	return s.Session().SetTransactionTimeout(d)
}

// dissociate clears the session's association with tc, if any.
func (s *XASession[S]) dissociate(tc *TransactionContext[S]) {
	s.mu.Lock()
	if s.tc == tc {
		s.tc = nil
	}
	s.mu.Unlock()
}
