package xa

import (
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/objstore"
)

// Status is the state of a transaction context.
type Status int

// Statuses, in lifecycle order.
const (
	Active Status = iota
	MarkedRollback
	Preparing
	Prepared
	Committing
	Committed
	RollingBack
	RolledBack
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case MarkedRollback:
		return "marked rollback"
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RollingBack:
		return "rolling back"
	case RolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Vote is a resource's answer to Prepare.
type Vote int

const (
	// VoteOK: the resource is prepared and will commit on request.
	VoteOK Vote = iota
	// VoteReadOnly: the resource has nothing to commit; the branch is complete.
	VoteReadOnly
)

func (v Vote) String() string {
	if v == VoteReadOnly {
		return "XA_RDONLY"
	}
	return "XA_OK"
}

// TransactionContext is the state of one transaction, local (Xid is nil) or an XA branch.
type TransactionContext[S any] struct {
	// ID is unique per context.
	ID objstore.UUID
	// Xid is the branch, nil for local transactions.
	Xid *Xid
	// State is the resource's state for this transaction.
	State S
	// Timeout is informational; it is not enforced.
	Timeout time.Duration
	// Started is when the context was created.
	Started time.Time

	// mu serialises the completion steps (prepare, commit, rollback) of the context.
	mu     sync.Mutex
	smu    sync.Mutex
	status Status
}

func newTransactionContext[S any](xid *Xid, timeout time.Duration) *TransactionContext[S] {
	return &TransactionContext[S]{
		ID:      objstore.NewUUID(),
		Xid:     xid,
		Timeout: timeout,
		Started: objstore.Now(),
	}
}

// RecoveredContext returns a Prepared context for xid, as a Recoverer rebuilds it after a restart.
func RecoveredContext[S any](xid Xid, state S) *TransactionContext[S] {
	tc := newTransactionContext[S](&xid, 0)
	tc.State = state
	tc.status = Prepared
	return tc
}

// Status returns the current status.
func (tc *TransactionContext[S]) Status() Status {
	tc.smu.Lock()
	defer tc.smu.Unlock()
	return tc.status
}

func (tc *TransactionContext[S]) setStatus(s Status) {
	tc.smu.Lock()
	tc.status = s
	tc.smu.Unlock()
}

// IsRollbackOnly reports whether the context can only be rolled back.
func (tc *TransactionContext[S]) IsRollbackOnly() bool {
	return tc.Status() == MarkedRollback
}

// setRollbackOnly marks an active context rollback-only and reports whether it did.
func (tc *TransactionContext[S]) setRollbackOnly() bool {
	tc.smu.Lock()
	defer tc.smu.Unlock()
	if tc.status != Active && tc.status != MarkedRollback {
		return false
	}
	tc.status = MarkedRollback
	return true
}

// IsXA reports whether the context is an XA branch.
func (tc *TransactionContext[S]) IsXA() bool {
	return tc.Xid != nil
}

func (tc *TransactionContext[S]) String() string {
	if tc.Xid != nil {
		return tc.Xid.String()
	}
	return "local:" + tc.ID.String()
}
