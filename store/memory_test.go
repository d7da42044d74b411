package store

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idemkit/go-idempotency"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(body string) *idempotency.Record {
	now := time.Now().UTC()
	return &idempotency.Record{
		StatusCode:  200,
		Headers:     http.Header{"Content-Type": []string{"application/json"}},
		Body:        []byte(body),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		PayloadHash: "aGFzaA==",
	}
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	rec := testRecord(`{"success":true}`)
	err := s.Save(ctx, "test-key", rec, time.Hour)
	require.NoError(t, err)

	cached, err := s.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, rec.StatusCode, cached.StatusCode)
	assert.Equal(t, rec.Body, cached.Body)
	assert.Equal(t, "application/json", cached.Headers.Get("Content-Type"))
	assert.Equal(t, rec.PayloadHash, cached.PayloadHash)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := newTestMemoryStore(t)

	_, err := s.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestMemoryStore_Expiration(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	err := s.Save(ctx, "test-key", testRecord(`{}`), 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = s.Get(ctx, "test-key")
	assert.ErrorIs(t, err, idempotency.ErrNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "test-key", testRecord(`abc`), time.Hour))

	first, err := s.Get(ctx, "test-key")
	require.NoError(t, err)
	first.Body[0] = 'X'
	first.Headers.Set("Content-Type", "text/plain")

	second, err := s.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, []byte(`abc`), second.Body)
	assert.Equal(t, "application/json", second.Headers.Get("Content-Type"))
}

func TestMemoryStore_SavePreservesCreatedAt(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	first := testRecord(`v1`)
	require.NoError(t, s.Save(ctx, "test-key", first, time.Hour))

	second := testRecord(`v2`)
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	require.NoError(t, s.Save(ctx, "test-key", second, time.Hour))

	cached, err := s.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, []byte(`v2`), cached.Body)
	assert.True(t, cached.CreatedAt.Equal(first.CreatedAt))
}

func TestMemoryStore_Lock(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	release1, err := s.AcquireLock(ctx, "test-key", 30*time.Second, 0)
	require.NoError(t, err)

	// Second non-blocking attempt fails
	_, err = s.AcquireLock(ctx, "test-key", 30*time.Second, 0)
	assert.ErrorIs(t, err, idempotency.ErrLockNotAcquired)

	require.NoError(t, release1(ctx))

	// After release, should succeed
	release2, err := s.AcquireLock(ctx, "test-key", 30*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestMemoryStore_LockWaitBudget(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	release, err := s.AcquireLock(ctx, "test-key", 30*time.Second, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		release(ctx)
	}()

	waited, err := s.AcquireLock(ctx, "test-key", 30*time.Second, 500*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, waited(ctx))
}

func TestMemoryStore_LockWaitBudgetExhausted(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	release, err := s.AcquireLock(ctx, "test-key", 30*time.Second, 0)
	require.NoError(t, err)
	defer release(ctx)

	start := time.Now()
	_, err = s.AcquireLock(ctx, "test-key", 30*time.Second, 40*time.Millisecond)
	assert.ErrorIs(t, err, idempotency.ErrLockNotAcquired)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMemoryStore_LockWaitCancelled(t *testing.T) {
	s := newTestMemoryStore(t)

	release, err := s.AcquireLock(context.Background(), "test-key", 30*time.Second, 0)
	require.NoError(t, err)
	defer release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = s.AcquireLock(ctx, "test-key", 30*time.Second, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_ReleaseIdempotent(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	release, err := s.AcquireLock(ctx, "test-key", 30*time.Second, 0)
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))

	// The double release did not free a permit it no longer held.
	again, err := s.AcquireLock(ctx, "test-key", 30*time.Second, 0)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "test-key", 30*time.Second, 0)
	assert.ErrorIs(t, err, idempotency.ErrLockNotAcquired)
	require.NoError(t, again(ctx))
}

func TestMemoryStore_LockEntriesReaped(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	// No record for the key: releasing the last reference drops the
	// semaphore entry.
	release, err := s.AcquireLock(ctx, "churn-key", 30*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, release(ctx))

	s.locksMu.Lock()
	_, exists := s.locks["churn-key"]
	s.locksMu.Unlock()
	assert.False(t, exists)

	// With a live record the entry stays until the record expires.
	require.NoError(t, s.Save(ctx, "live-key", testRecord(`{}`), time.Hour))
	release, err = s.AcquireLock(ctx, "live-key", 30*time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, release(ctx))

	s.locksMu.Lock()
	_, exists = s.locks["live-key"]
	s.locksMu.Unlock()
	assert.True(t, exists)
}
