package xa

import (
	"errors"
	"fmt"
)

// ErrorCode is an XA error or rollback code.
type ErrorCode int

// Values follow the X/Open XA specification.
const (
	// XARBRollback: the branch was rolled back instead of prepared or committed.
	XARBRollback ErrorCode = 100
	// XAERRMErr: the resource failed.
	XAERRMErr ErrorCode = -3
	// XAERNota: the Xid is not known.
	XAERNota ErrorCode = -4
	// XAERInval: invalid arguments, e.g. an unknown flag.
	XAERInval ErrorCode = -5
	// XAERProto: the call is not valid in the current state.
	XAERProto ErrorCode = -6
	// XAERDupID: the Xid already exists.
	XAERDupID ErrorCode = -8
)

func (c ErrorCode) String() string {
	switch c {
	case XARBRollback:
		return "XA_RBROLLBACK"
	case XAERRMErr:
		return "XAER_RMERR"
	case XAERNota:
		return "XAER_NOTA"
	case XAERInval:
		return "XAER_INVAL"
	case XAERProto:
		return "XAER_PROTO"
	case XAERDupID:
		return "XAER_DUPID"
	}
	return fmt.Sprintf("XA(%d)", int(c))
}

// Error is the failure of an XA call.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// HasCode reports whether err carries the XA code c.
func HasCode(err error, c ErrorCode) bool {
	code, ok := CodeOf(err)
	return ok && code == c
}

// Local transaction errors.
var (
	// ErrNotStarted is returned when the resource manager is not started.
	ErrNotStarted = errors.New("resource manager is not started")
	// ErrTransactionInProgress is returned by Begin when the session already has a transaction.
	ErrTransactionInProgress = errors.New("transaction already in progress")
	// ErrNoTransaction is returned when the session has no transaction.
	ErrNoTransaction = errors.New("no transaction in progress")
	// ErrXAInProgress is returned by local Commit/Rollback while the session is enlisted in an XA branch.
	ErrXAInProgress = errors.New("session is enlisted in an XA transaction")
	// ErrMarkedRollback is returned by Commit of a rollback-only transaction, which is rolled back instead.
	ErrMarkedRollback = errors.New("transaction is marked rollback-only and was rolled back")
	// ErrVoteRollback is what Resource.Prepare returns (wrapped) to vote the transaction down.
	ErrVoteRollback = errors.New("resource voted to roll back")
)
