package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/idemkit/go-idempotency"
)

const (
	cacheKeyPrefix = "cache:"
	lockKeyPrefix  = "lock:"
)

// releaseScript deletes the lock only if it is still owned by the
// caller, so a contender that took over an expired lock cannot have it
// released out from under it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore is a Redis-backed implementation of Store for distributed
// deployments. Records live at "cache:"+key with a server-side TTL;
// locks live at "lock:"+key, installed with SET NX and released with a
// compare-and-delete script keyed on the owner token.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a cached record from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	data, err := s.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec idempotency.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding cached record: %w", err)
	}

	// Redis expires the key on its own; the field check covers clock
	// skew between writers.
	if rec.Expired(time.Now()) {
		return nil, idempotency.ErrNotFound
	}

	return &rec, nil
}

// Save upserts a record with TTL, preserving CreatedAt from a prior
// record if one is still present.
func (s *RedisStore) Save(ctx context.Context, key string, rec *idempotency.Record, ttl time.Duration) error {
	stored := rec.Clone()
	stored.ExpiresAt = time.Now().UTC().Add(ttl)

	if prior, err := s.Get(ctx, key); err == nil {
		stored.CreatedAt = prior.CreatedAt
	} else if !errors.Is(err, idempotency.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	return s.client.Set(ctx, cacheKeyPrefix+key, data, ttl).Err()
}

// AcquireLock installs the lock with SET NX and a fresh owner token,
// polling with random backoff while a wait budget remains. An expired
// lock frees its slot server-side, so takeover needs no special case.
func (s *RedisStore) AcquireLock(ctx context.Context, key string, lockTTL, waitBudget time.Duration) (idempotency.ReleaseFunc, error) {
	owner := uuid.NewString()
	lockKey := lockKeyPrefix + key
	deadline := time.Now().Add(waitBudget)

	for {
		acquired, err := s.client.SetNX(ctx, lockKey, owner, lockTTL).Result()
		if err != nil {
			return nil, err
		}
		if acquired {
			return s.releaseFunc(lockKey, owner), nil
		}

		if waitBudget <= 0 || !time.Now().Before(deadline) {
			return nil, idempotency.ErrLockNotAcquired
		}
		if err := sleepBackoff(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *RedisStore) releaseFunc(lockKey, owner string) idempotency.ReleaseFunc {
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = releaseScript.Run(ctx, s.client, []string{lockKey}, owner).Err()
		})
		return err
	}
}
