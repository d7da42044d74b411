package store

import (
	"context"
	"sync"
	"time"

	"github.com/idemkit/go-idempotency"
)

// MemoryStore is an in-process implementation of Store for development,
// tests and single-process deployments. Lock TTLs are ignored because
// process liveness implies lock liveness.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*idempotency.Record

	locksMu sync.Mutex
	locks   map[string]*keyLock

	done      chan struct{}
	closeOnce sync.Once
}

// keyLock is a one-permit semaphore with a reference count covering
// holders and waiters, so idle entries can be reaped under key churn.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:  make(map[string]*idempotency.Record),
		locks: make(map[string]*keyLock),
		done:  make(chan struct{}),
	}

	go s.sweep()

	return s
}

// Get retrieves a cached record, removing stale entries lazily.
func (s *MemoryStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.data[key]
	if !exists {
		return nil, idempotency.ErrNotFound
	}
	if rec.Expired(time.Now()) {
		delete(s.data, key)
		return nil, idempotency.ErrNotFound
	}

	return rec.Clone(), nil
}

// Save upserts a record. CreatedAt is preserved from any prior entry so
// record age reflects first write.
func (s *MemoryStore) Save(ctx context.Context, key string, rec *idempotency.Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := rec.Clone()
	stored.ExpiresAt = time.Now().UTC().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, exists := s.data[key]; exists {
		stored.CreatedAt = prior.CreatedAt
	}
	s.data[key] = stored

	return nil
}

// AcquireLock takes the per-key semaphore, waiting up to waitBudget.
// lockTTL is ignored; the semaphore cannot outlive the process.
func (s *MemoryStore) AcquireLock(ctx context.Context, key string, _ time.Duration, waitBudget time.Duration) (idempotency.ReleaseFunc, error) {
	kl := s.ref(key)

	if waitBudget <= 0 {
		select {
		case kl.sem <- struct{}{}:
		default:
			s.unref(key, kl)
			return nil, idempotency.ErrLockNotAcquired
		}
	} else {
		timer := time.NewTimer(waitBudget)
		defer timer.Stop()
		select {
		case kl.sem <- struct{}{}:
		case <-timer.C:
			s.unref(key, kl)
			return nil, idempotency.ErrLockNotAcquired
		case <-ctx.Done():
			s.unref(key, kl)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			<-kl.sem
			s.unref(key, kl)
		})
		return nil
	}
	return release, nil
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// ref fetches or creates the semaphore for key and counts the caller in.
func (s *MemoryStore) ref(key string) *keyLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	kl, exists := s.locks[key]
	if !exists {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	return kl
}

// unref counts the caller out and reaps the semaphore when nobody holds
// or waits on it and no live record references the key.
func (s *MemoryStore) unref(key string, kl *keyLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	kl.refs--
	if kl.refs > 0 {
		return
	}

	s.mu.Lock()
	rec, exists := s.data[key]
	live := exists && !rec.Expired(time.Now())
	s.mu.Unlock()

	if !live {
		delete(s.locks, key)
	}
}

// sweep periodically removes expired records and idle lock entries.
func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		now := time.Now()

		s.mu.Lock()
		for key, rec := range s.data {
			if rec.Expired(now) {
				delete(s.data, key)
			}
		}
		s.mu.Unlock()

		s.locksMu.Lock()
		for key, kl := range s.locks {
			if kl.refs != 0 {
				continue
			}
			s.mu.Lock()
			rec, exists := s.data[key]
			live := exists && !rec.Expired(now)
			s.mu.Unlock()
			if !live {
				delete(s.locks, key)
			}
		}
		s.locksMu.Unlock()
	}
}
