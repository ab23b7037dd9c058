// Package lock serializes work per chat across worker processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotAcquired is returned when the context ends before the lock is free
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrLeaseLost is returned by Refresh once the lease expired or was released
	ErrLeaseLost = errors.New("lock lease lost")
)

// Locker grants exclusive leases on string keys
type Locker interface {
	// Acquire blocks until the lease on key is held or ctx is done.
	// The lease expires after ttl if never released.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock
type Lease interface {
	// Refresh pushes the expiry ttl into the future. Long critical sections
	// call it between steps.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// ChatKey returns the lock key guarding one chat's conversation
func ChatKey(chatID string) string {
	return "chat:" + chatID
}

// LocalLocker is an in-process Locker. It is enough when a single worker
// process consumes the customer queue, and in tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return &localLease{ch: ch}, nil
	case <-ctx.Done():
		return nil, ErrNotAcquired
	}
}

type localLease struct {
	mu       sync.Mutex
	released bool
	ch       chan struct{}
}

// Refresh is a no-op while held; local leases never expire
func (l *localLease) Refresh(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrLeaseLost
	}
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.released {
		l.released = true
		<-l.ch
	}
	return nil
}
