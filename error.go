package objstore

import (
	"errors"
	"fmt"
)

// ErrorCode classifies object store failures.
type ErrorCode int

const (
	// Unknown is the zero value, not returned by any store.
	Unknown ErrorCode = iota
	// StoreFailure is the general failure kind, e.g. an empty key or a corrupted entry.
	StoreFailure
	// StoreNotAvailable means the backing medium is unreachable or the store was disposed.
	// Callers may retry.
	StoreNotAvailable
	// ObjectAlreadyExists is returned by Store on a key that is already present.
	ObjectAlreadyExists
	// ObjectDoesNotExist is returned by Retrieve/Remove on an absent key.
	ObjectDoesNotExist
	// LockAcquisitionFailure is returned by LockEntry when its context ends before the lock is acquired.
	LockAcquisitionFailure
	// FileIOError wraps a retryable filesystem error.
	FileIOError
)

func (c ErrorCode) String() string {
	switch c {
	case StoreFailure:
		return "store failure"
	case StoreNotAvailable:
		return "store not available"
	case ObjectAlreadyExists:
		return "object already exists"
	case ObjectDoesNotExist:
		return "object does not exist"
	case LockAcquisitionFailure:
		return "lock acquisition failure"
	case FileIOError:
		return "file io error"
	default:
		return "unknown"
	}
}

// Error is the object store custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.Err == nil {
		if e.UserData != nil {
			return fmt.Sprintf("%v: %v", e.Code, e.UserData)
		}
		return e.Code.String()
	}
	if e.UserData != nil {
		return fmt.Sprintf("%v: %v, details: %v", e.Code, e.UserData, e.Err)
	}
	return fmt.Sprintf("%v, details: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e Error) Unwrap() error {
	return e.Err
}

// Is matches any Error carrying the same code, so the sentinels below work with errors.Is.
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrStoreFailure  = Error{Code: StoreFailure}
	ErrNotAvailable  = Error{Code: StoreNotAvailable}
	ErrAlreadyExists = Error{Code: ObjectAlreadyExists}
	ErrDoesNotExist  = Error{Code: ObjectDoesNotExist}
	ErrLockFailure   = Error{Code: LockAcquisitionFailure}
)

// NewError returns an Error of the given code whose cause is formatted from the arguments.
func NewError(code ErrorCode, format string, args ...any) error {
	return Error{
		Code: code,
		Err:  fmt.Errorf(format, args...),
	}
}

// ErrorCodeOf returns the code of the first Error in err's chain, Unknown if there is none.
func ErrorCodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsAlreadyExists reports whether err is an ObjectAlreadyExists failure.
func IsAlreadyExists(err error) bool {
	return ErrorCodeOf(err) == ObjectAlreadyExists
}

// IsDoesNotExist reports whether err is an ObjectDoesNotExist failure.
func IsDoesNotExist(err error) bool {
	return ErrorCodeOf(err) == ObjectDoesNotExist
}

// IsNotAvailable reports whether err means the backing medium could not be reached.
func IsNotAvailable(err error) bool {
	return ErrorCodeOf(err) == StoreNotAvailable
}

// IsRetryable reports whether the caller may retry the failed operation as is.
func IsRetryable(err error) bool {
	switch ErrorCodeOf(err) {
	case StoreNotAvailable, FileIOError:
		return true
	}
	return false
}

// AlreadyExists returns the ObjectAlreadyExists error for key in partition.
func AlreadyExists(partition, key string) error {
	return Error{
		Code:     ObjectAlreadyExists,
		Err:      fmt.Errorf("key %q already exists in partition %q", key, partition),
		UserData: key,
	}
}

// DoesNotExist returns the ObjectDoesNotExist error for key in partition.
func DoesNotExist(partition, key string) error {
	return Error{
		Code:     ObjectDoesNotExist,
		Err:      fmt.Errorf("key %q does not exist in partition %q", key, partition),
		UserData: key,
	}
}

// errEmptyKey is the cause carried when an operation receives the empty (null) key.
var errEmptyKey = errors.New("key can't be empty")

// ValidateKey fails with a StoreFailure error when key is empty.
func ValidateKey(key string) error {
	if key == "" {
		return Error{Code: StoreFailure, Err: errEmptyKey}
	}
	return nil
}

// NotAvailable wraps err as a StoreNotAvailable failure of the named store.
func NotAvailable(storeName string, err error) error {
	return Error{
		Code:     StoreNotAvailable,
		Err:      err,
		UserData: storeName,
	}
}
