// Package lock serialises critical sections across processes.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotObtained is returned when the key stayed held for the whole wait budget.
var ErrNotObtained = errors.New("platform/lock: not obtained")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires exclusive leases on keys.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
