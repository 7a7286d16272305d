package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLocker is an in-process Locker for single-binary deployments and
// tests. TTLs are not enforced: a lease lives until released.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
	wait time.Duration
}

// NewLocalLocker returns a locker that waits at most wait for a busy key.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{keys: make(map[string]chan struct{}), wait: wait}
}

// Obtain blocks until key is free, the wait budget elapses, or ctx ends.
func (l *LocalLocker) Obtain(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	for {
		l.mu.Lock()
		held, busy := l.keys[key]
		if !busy {
			l.keys[key] = make(chan struct{})
			l.mu.Unlock()
			return &localLease{owner: l, key: key}, nil
		}
		l.mu.Unlock()

		select {
		case <-held:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type localLease struct {
	owner *LocalLocker
	key   string
	once  sync.Once
}

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		defer l.owner.mu.Unlock()
		if ch, ok := l.owner.keys[l.key]; ok {
			close(ch)
			delete(l.owner.keys, l.key)
		}
	})
	return nil
}
