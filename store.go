package idempotency

import (
	"context"
	"time"
)

// ReleaseFunc releases a previously acquired lock. The owner token
// minted at acquisition is captured in the closure, so only the
// acquiring request can release its own lock. Calling it more than
// once is a no-op.
type ReleaseFunc func(ctx context.Context) error

// Store defines the backend contract for cached responses and per-key
// locks. Implementations must be safe for concurrent use and must
// honor context cancellation on every call.
type Store interface {
	// Get retrieves the live record for key. It returns ErrNotFound if
	// no record exists or the record has expired; expired entries may
	// be purged lazily.
	Get(ctx context.Context, key string) (*Record, error)

	// Save upserts the record with expiry now+ttl. On upsert the
	// record's CreatedAt is preserved from the prior record; all other
	// fields are overwritten. After Save returns, Get from any process
	// observes the new record until expiry.
	Save(ctx context.Context, key string, rec *Record, ttl time.Duration) error

	// AcquireLock installs a lock for key with a fresh owner token and
	// expiry now+lockTTL. If the key is already locked it keeps trying
	// until waitBudget elapses (waitBudget zero means a single
	// non-blocking attempt), then returns ErrLockNotAcquired. The Redis
	// and SQLite stores poll with random backoff; the memory store
	// blocks on its per-key semaphore.
	// An expired lock is taken over atomically. On success the returned
	// ReleaseFunc must be called to release the lock; if the holder
	// crashes the lock expires by TTL.
	AcquireLock(ctx context.Context, key string, lockTTL, waitBudget time.Duration) (ReleaseFunc, error)
}
