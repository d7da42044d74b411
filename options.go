package idempotency

import (
	"log/slog"
	"net/http"
	"time"
)

// FailureMode selects how store failures surface after retries are
// exhausted.
type FailureMode int

const (
	// FailSafe propagates store errors to the client as 500s. No
	// request executes without the idempotency guarantee.
	FailSafe FailureMode = iota

	// FailOpen swallows store errors and lets the request through
	// without deduplication. Availability over the guarantee.
	FailOpen
)

// KeyValidator reports whether an idempotency key is acceptable.
// Rejected keys produce a 400 without touching the store.
type KeyValidator func(key string) bool

// Config holds middleware configuration
type Config struct {
	HeaderName        string
	DefaultTTL        time.Duration
	LockTTL           time.Duration
	WaitBudget        time.Duration
	MaxBodySize       int64
	ExcludedHeaders   []string
	KeyValidator      KeyValidator
	FailureMode       FailureMode
	StorageRetryCount int
	StorageRetryDelay time.Duration
	PolicyResolver    PolicyResolver
	Logger            *slog.Logger
}

const (
	// DefaultHeaderName is the default HTTP header for idempotency keys
	DefaultHeaderName = "Idempotency-Key"
	// DefaultTTL is the default time-to-live for cached responses
	DefaultTTL = 60 * time.Minute
	// DefaultLockTTL bounds how long a crashed holder can wedge a key
	DefaultLockTTL = 30 * time.Second
	// DefaultMaxBodySize is the largest request body that will be hashed
	DefaultMaxBodySize = 10 << 20
	// DefaultStorageRetryDelay is the pause between store retries
	DefaultStorageRetryDelay = 200 * time.Millisecond
)

// defaultExcludedHeaders are never cached nor replayed.
var defaultExcludedHeaders = []string{
	"Transfer-Encoding",
	"Connection",
	"Keep-Alive",
	"Upgrade",
	"Date",
	"Set-Cookie",
	"Authorization",
}

// Option is a functional option for configuring the middleware
type Option func(*Config)

// WithHeaderName sets the HTTP header name for idempotency keys
func WithHeaderName(name string) Option {
	return func(c *Config) {
		c.HeaderName = name
	}
}

// WithDefaultTTL sets the record time-to-live used when the endpoint
// policy does not specify one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.DefaultTTL = ttl
	}
}

// WithLockTTL sets the lock time-to-live. It must exceed the longest
// expected handler latency, otherwise a slow handler can lose its lock
// while still executing.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.LockTTL = ttl
	}
}

// WithWaitBudget sets how long a request waits for a contended lock
// before giving up. Zero rejects contended requests immediately with 409.
func WithWaitBudget(d time.Duration) Option {
	return func(c *Config) {
		c.WaitBudget = d
	}
}

// WithMaxBodySize bounds the request body size eligible for payload
// validation. Larger bodies fail the request.
func WithMaxBodySize(n int64) Option {
	return func(c *Config) {
		c.MaxBodySize = n
	}
}

// WithExcludedHeaders replaces the set of response headers that are
// never cached or replayed. Matching is case-insensitive.
func WithExcludedHeaders(names ...string) Option {
	return func(c *Config) {
		c.ExcludedHeaders = names
	}
}

// WithKeyValidator sets a predicate for idempotency keys; keys it
// rejects produce a 400.
func WithKeyValidator(v KeyValidator) Option {
	return func(c *Config) {
		c.KeyValidator = v
	}
}

// WithFailureMode selects fail-safe or fail-open behavior for store
// errors.
func WithFailureMode(m FailureMode) Option {
	return func(c *Config) {
		c.FailureMode = m
	}
}

// WithStorageRetry configures how many times a failed store call is
// retried and the delay between attempts. Cancellations are never
// retried.
func WithStorageRetry(count int, delay time.Duration) Option {
	return func(c *Config) {
		c.StorageRetryCount = count
		c.StorageRetryDelay = delay
	}
}

// WithPolicyResolver sets the function used by Wrap to discover the
// endpoint policy. The default applies DefaultPolicy to POST, PUT and
// PATCH requests only.
func WithPolicyResolver(f PolicyResolver) Option {
	return func(c *Config) {
		c.PolicyResolver = f
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// excludedSet builds the canonicalized exclusion set for header capture.
func (c *Config) excludedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.ExcludedHeaders))
	for _, name := range c.ExcludedHeaders {
		set[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	return set
}
