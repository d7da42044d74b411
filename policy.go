package idempotency

import (
	"net/http"
	"time"
)

// Policy is the per-endpoint idempotency configuration, normally
// attached by the hosting framework as endpoint metadata.
type Policy struct {
	// ExpiryMinutes is the record TTL in minutes. Zero means use the
	// process-wide default.
	ExpiryMinutes int

	// ValidatePayload binds the key to a hash of the request body; a
	// reuse of the key with a different body is rejected with 422.
	ValidatePayload bool
}

// DefaultPolicy returns the policy applied when an endpoint does not
// override it: the process-wide default expiry (one hour unless
// WithDefaultTTL changes it) with payload validation on.
func DefaultPolicy() Policy {
	return Policy{ExpiryMinutes: 0, ValidatePayload: true}
}

// PolicyResolver maps a request to its endpoint's idempotency policy.
// Returning nil means the endpoint is not idempotent and the request
// passes through untouched.
type PolicyResolver func(r *http.Request) *Policy

// defaultPolicyResolver applies the default policy to mutating methods
// only; reads pass through.
func defaultPolicyResolver(r *http.Request) *Policy {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		p := DefaultPolicy()
		return &p
	default:
		return nil
	}
}

// ttl resolves the record TTL for this policy against the process-wide
// default.
func (p Policy) ttl(defaultTTL time.Duration) time.Duration {
	if p.ExpiryMinutes > 0 {
		return time.Duration(p.ExpiryMinutes) * time.Minute
	}
	return defaultTTL
}
