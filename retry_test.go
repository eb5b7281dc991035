package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
)

func TestShouldRetry_NonRetryableSentinels(t *testing.T) {
	if ShouldRetry(nil) {
		t.Fatalf("nil should not retry")
	}
	if ShouldRetry(context.Canceled) {
		t.Fatalf("context.Canceled should not retry")
	}
	if ShouldRetry(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatalf("context.DeadlineExceeded should not retry")
	}
}

func TestShouldRetry_StoreLogicErrors(t *testing.T) {
	cases := []error{
		AlreadyExists("p", "k"),
		DoesNotExist("p", "k"),
		ValidateKey(""),
		Error{Code: LockAcquisitionFailure},
	}
	for i, e := range cases {
		if ShouldRetry(e) {
			t.Fatalf("case %d expected non-retryable: %v", i, e)
		}
	}
	if !ShouldRetry(NotAvailable("s", errors.New("connection refused"))) {
		t.Fatalf("unavailable store should retry")
	}
}

func TestShouldRetry_NonRetryableSyscallErrno(t *testing.T) {
	cases := []error{
		&os.PathError{Op: "write", Path: "/tmp/x", Err: syscall.EROFS},
		&os.PathError{Op: "write", Path: "/tmp/x", Err: syscall.ENOSPC},
		&os.PathError{Op: "open", Path: "/tmp/x", Err: syscall.EMFILE},
		&os.PathError{Op: "open", Path: "/tmp/x", Err: syscall.EACCES},
		&os.PathError{Op: "open", Path: "/tmp/x", Err: os.ErrNotExist},
		errors.New("device is mounted read-only file system"),
	}
	for i, e := range cases {
		if ShouldRetry(e) {
			t.Fatalf("case %d expected non-retryable: %v", i, e)
		}
	}
}

func TestShouldRetry_RetryableTransient(t *testing.T) {
	// EBUSY and EAGAIN are typically transient
	cases := []error{
		&os.PathError{Op: "rename", Path: "/tmp/x", Err: syscall.EBUSY},
		&os.SyscallError{Syscall: "read", Err: syscall.EAGAIN},
	}
	for i, e := range cases {
		if !ShouldRetry(e) {
			t.Fatalf("case %d expected retryable: %v", i, e)
		}
	}
}

func TestRetry_RetriesTransientOnly(t *testing.T) {
	ctx := context.Background()
	b := retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))

	attempts := 0
	err := RetryWith(ctx, b, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(NotAvailable("s", errors.New("blip")))
		}
		return nil
	}, nil)
	if err != nil || attempts != 3 {
		t.Fatalf("got err %v after %d attempts, want success after 3", err, attempts)
	}

	attempts = 0
	gaveUp := false
	err = RetryWith(ctx, b, func(ctx context.Context) error {
		attempts++
		return Retryable(DoesNotExist("p", "k"))
	}, func(ctx context.Context) { gaveUp = true })
	if !IsDoesNotExist(err) {
		t.Fatalf("expected ObjectDoesNotExist, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("permanent error retried %d times", attempts)
	}
	if !gaveUp {
		t.Fatalf("gaveUpTask not invoked")
	}
}
