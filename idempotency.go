// Package idempotency provides HTTP middleware that guarantees
// at-most-once execution of idempotent operations. A client tags a
// request with an opaque idempotency key; the middleware caches the
// first successful response and replays it to duplicates, takes a
// per-key lock so concurrent duplicates cannot execute in parallel,
// and optionally binds the key to a hash of the request payload so a
// key cannot be reused with a different body. Commonly used in payment
// and financial APIs.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Middleware coordinates the cache, the lock and the downstream
// handler for keyed requests. Construct it with New and attach it to
// handlers with Wrap or WrapPolicy.
type Middleware struct {
	store    Store
	config   Config
	excluded map[string]struct{}
	logger   *slog.Logger
}

// New creates a Middleware backed by the given store.
func New(store Store, opts ...Option) *Middleware {
	config := Config{
		HeaderName:        DefaultHeaderName,
		DefaultTTL:        DefaultTTL,
		LockTTL:           DefaultLockTTL,
		MaxBodySize:       DefaultMaxBodySize,
		ExcludedHeaders:   defaultExcludedHeaders,
		StorageRetryDelay: DefaultStorageRetryDelay,
	}

	for _, opt := range opts {
		opt(&config)
	}

	if config.PolicyResolver == nil {
		config.PolicyResolver = defaultPolicyResolver
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "idempotency")
	}

	return &Middleware{
		store:    store,
		config:   config,
		excluded: config.excludedSet(),
		logger:   config.Logger,
	}
}

// Wrap applies idempotency handling to next. The endpoint policy is
// discovered through the configured PolicyResolver; requests it maps
// to no policy pass through untouched.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy := m.config.PolicyResolver(r)
		if policy == nil {
			next.ServeHTTP(w, r)
			return
		}
		m.serve(w, r, *policy, next)
	})
}

// WrapPolicy applies idempotency handling to next with a fixed
// per-endpoint policy, the way a router would attach endpoint metadata.
func (m *Middleware) WrapPolicy(policy Policy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, policy, next)
	})
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, policy Policy, next http.Handler) {
	key := strings.TrimSpace(r.Header.Get(m.config.HeaderName))
	if key == "" {
		// No idempotency key, process normally
		next.ServeHTTP(w, r)
		return
	}

	if m.config.KeyValidator != nil && !m.config.KeyValidator(key) {
		http.Error(w, "invalid idempotency key", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	var bodyHash string
	if policy.ValidatePayload {
		h, err := m.hashRequestBody(r)
		if err != nil {
			m.writeError(w, err)
			return
		}
		bodyHash = h
	}

	// First cache probe, before taking the lock.
	rec, err := m.getRecord(ctx, key)
	if err != nil {
		m.writeError(w, err)
		return
	}
	if rec != nil {
		m.replayOrReject(w, rec, policy, bodyHash)
		return
	}

	release, err := m.acquireLock(ctx, key)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			if m.config.WaitBudget == 0 {
				http.Error(w, ErrRequestInProgress.Error(), http.StatusConflict)
				return
			}
			m.writeError(w, &LockWaitTimeoutError{Key: key, WaitBudget: m.config.WaitBudget})
			return
		}
		m.writeError(w, err)
		return
	}
	defer func() {
		if err := m.releaseLock(ctx, key, release); err != nil {
			m.logger.Warn("failed to release idempotency lock", "key", key, "error", err)
		}
	}()

	// Double-checked probe: another contender may have finished while
	// we were racing for the lock.
	rec, err = m.getRecord(ctx, key)
	if err != nil {
		m.writeError(w, err)
		return
	}
	if rec != nil {
		m.replayOrReject(w, rec, policy, bodyHash)
		return
	}

	// Run the handler against a buffer so the response can be recorded
	// before anything reaches the client.
	recorder := newResponseRecorder()
	next.ServeHTTP(recorder, r)

	if recorder.statusCode >= 200 && recorder.statusCode < 300 {
		now := time.Now().UTC()
		ttl := policy.ttl(m.config.DefaultTTL)
		record := &Record{
			StatusCode:  recorder.statusCode,
			Headers:     m.captureHeaders(recorder.header),
			Body:        append([]byte(nil), recorder.body.Bytes()...),
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
			PayloadHash: bodyHash,
		}
		if err := m.saveRecord(ctx, key, record, ttl); err != nil {
			m.writeError(w, err)
			return
		}
	}

	recorder.flush(w)
}

// replayOrReject replays a cached record, or rejects the request when
// payload validation is on and the body hash does not match the one
// the record was created with.
func (m *Middleware) replayOrReject(w http.ResponseWriter, rec *Record, policy Policy, bodyHash string) {
	if policy.ValidatePayload && bodyHash != rec.PayloadHash {
		http.Error(w, "idempotency key was used with a different request payload", http.StatusUnprocessableEntity)
		return
	}
	m.replay(w, rec)
}

// replay writes a previously captured record to the response. Captured
// headers are applied only where the response does not already carry
// the header; nothing is invented beyond what was captured.
func (m *Middleware) replay(w http.ResponseWriter, rec *Record) {
	dst := w.Header()
	for name, values := range rec.Headers {
		if _, present := dst[name]; !present {
			dst[name] = append([]string(nil), values...)
		}
	}
	w.WriteHeader(rec.StatusCode)
	if len(rec.Body) > 0 {
		w.Write(rec.Body)
	}
}

// hashRequestBody buffers the request body, hashes it, and rewinds the
// body for the handler. The zero-length body hashes like any other.
func (m *Middleware) hashRequestBody(r *http.Request) (string, error) {
	if r.ContentLength > m.config.MaxBodySize {
		return "", &PayloadTooLargeError{Size: r.ContentLength, Limit: m.config.MaxBodySize}
	}

	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(io.LimitReader(r.Body, m.config.MaxBodySize+1))
		if err != nil {
			return "", err
		}
		if int64(len(b)) > m.config.MaxBodySize {
			return "", &PayloadTooLargeError{Size: int64(len(b)), Limit: m.config.MaxBodySize}
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// captureHeaders clones the response headers minus the excluded set.
func (m *Middleware) captureHeaders(h http.Header) http.Header {
	captured := make(http.Header, len(h))
	for name, values := range h {
		if _, skip := m.excluded[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		captured[name] = append([]string(nil), values...)
	}
	return captured
}

// getRecord is the retry-and-failure-mode wrapper around Store.Get.
// A miss is not a failure: it returns (nil, nil).
func (m *Middleware) getRecord(ctx context.Context, key string) (*Record, error) {
	var rec *Record
	err := withRetry(ctx, m.config.StorageRetryCount, m.config.StorageRetryDelay, func() error {
		got, err := m.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				rec = nil
				return nil
			}
			return err
		}
		rec = got
		return nil
	})
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		if m.config.FailureMode == FailOpen {
			m.logger.Warn("store get failed, continuing without idempotency", "key", key, "error", err)
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// acquireLock is the retry-and-failure-mode wrapper around
// Store.AcquireLock. A contention loss is a semantic outcome, not a
// store failure: it is returned as ErrLockNotAcquired without retries
// and without fail-open fallback.
func (m *Middleware) acquireLock(ctx context.Context, key string) (ReleaseFunc, error) {
	var (
		release     ReleaseFunc
		notAcquired bool
	)
	err := withRetry(ctx, m.config.StorageRetryCount, m.config.StorageRetryDelay, func() error {
		rel, err := m.store.AcquireLock(ctx, key, m.config.LockTTL, m.config.WaitBudget)
		if err != nil {
			if errors.Is(err, ErrLockNotAcquired) {
				notAcquired = true
				return nil
			}
			return err
		}
		release = rel
		notAcquired = false
		return nil
	})
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		if m.config.FailureMode == FailOpen {
			m.logger.Warn("store lock failed, continuing without mutual exclusion", "key", key, "error", err)
			return func(context.Context) error { return nil }, nil
		}
		return nil, err
	}
	if notAcquired {
		return nil, ErrLockNotAcquired
	}
	return release, nil
}

// saveRecord is the retry-and-failure-mode wrapper around Store.Save.
func (m *Middleware) saveRecord(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	err := withRetry(ctx, m.config.StorageRetryCount, m.config.StorageRetryDelay, func() error {
		return m.store.Save(ctx, key, rec, ttl)
	})
	if err != nil {
		if isCancellation(err) {
			return err
		}
		if m.config.FailureMode == FailOpen {
			m.logger.Warn("store save failed, response will not be cached", "key", key, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// releaseLock is the retry wrapper around the lock's ReleaseFunc.
// Release errors never affect the response already being written; the
// caller logs them and the lock TTL cleans up eventually.
func (m *Middleware) releaseLock(ctx context.Context, key string, release ReleaseFunc) error {
	return withRetry(ctx, m.config.StorageRetryCount, m.config.StorageRetryDelay, func() error {
		return release(ctx)
	})
}

// writeError maps typed coordinator errors onto transport status codes.
// Cancellations produce no response; the client is gone.
func (m *Middleware) writeError(w http.ResponseWriter, err error) {
	if isCancellation(err) {
		return
	}

	var tooLarge *PayloadTooLargeError
	if errors.As(err, &tooLarge) {
		http.Error(w, tooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	var lockTimeout *LockWaitTimeoutError
	if errors.As(err, &lockTimeout) {
		http.Error(w, lockTimeout.Error(), http.StatusServiceUnavailable)
		return
	}

	m.logger.Error("idempotency store error", "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
