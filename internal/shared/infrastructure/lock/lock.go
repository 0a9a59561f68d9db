// Package lock provides short-lived leases used to keep scheduled jobs and
// webhook deliveries from running twice.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker hands out expiring leases keyed by name.
type Locker interface {
	// TryAcquire takes the lease without blocking. When acquired is false the
	// lease is held elsewhere and release is nil. A lease that is never
	// released expires after ttl.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// MemoryLocker is a single-process Locker used in local mode and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	seq    uint64
	now    func() time.Time
}

type memoryLease struct {
	token     uint64
	expiresAt time.Time
}

// NewMemoryLocker creates an empty in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// TryAcquire implements Locker. Expired leases are dropped on every call so
// keys that are never released do not accumulate.
func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, lease := range l.leases {
		if !now.Before(lease.expiresAt) {
			delete(l.leases, k)
		}
	}
	if _, ok := l.leases[key]; ok {
		return nil, false, nil
	}

	l.seq++
	token := l.seq
	l.leases[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if lease, ok := l.leases[key]; ok && lease.token == token {
				delete(l.leases, key)
			}
		})
	}
	return release, true, nil
}
