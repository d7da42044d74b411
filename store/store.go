// Package store provides the built-in Store backends: an in-process
// map for single-process deployments and tests, Redis for distributed
// deployments on a key-value store, and SQLite for deployments that
// already carry a relational database.
package store

import (
	"context"
	"math/rand"
	"time"
)

const (
	lockBackoffMin = 15 * time.Millisecond
	lockBackoffMax = 50 * time.Millisecond
)

// sleepBackoff pauses for a uniform random delay in [15ms, 50ms]
// between lock acquisition attempts. The jitter keeps contenders from
// synchronizing into a thundering herd.
func sleepBackoff(ctx context.Context) error {
	d := lockBackoffMin + time.Duration(rand.Int63n(int64(lockBackoffMax-lockBackoffMin)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
