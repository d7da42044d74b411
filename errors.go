package idempotency

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRequestInProgress is returned when a request with the same key is already being processed
	ErrRequestInProgress = errors.New("request with this idempotency key is already in progress")

	// ErrNotFound is returned when a cached response is not found
	ErrNotFound = errors.New("cached response not found")

	// ErrLockNotAcquired is returned by a store when the lock is held by
	// another owner and could not be taken within the wait budget
	ErrLockNotAcquired = errors.New("failed to acquire idempotency lock")
)

// PayloadTooLargeError reports a request body that exceeds the maximum
// hashable size. It carries the observed and allowed sizes so the
// transport edge can report both.
type PayloadTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("request body of %d bytes exceeds the %d byte payload validation limit", e.Size, e.Limit)
}

// LockWaitTimeoutError reports that lock acquisition for a key did not
// succeed within the configured wait budget.
type LockWaitTimeoutError struct {
	Key        string
	WaitBudget time.Duration
}

func (e *LockWaitTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock for idempotency key %q within %s", e.Key, e.WaitBudget)
}
