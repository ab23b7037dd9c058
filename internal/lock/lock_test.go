package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockerExclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, ChatKey("c1"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(waitCtx, ChatKey("c1"), time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second Acquire() error = %v, want ErrNotAcquired", err)
	}

	other, err := l.Acquire(ctx, ChatKey("c2"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire() on another chat error = %v", err)
	}
	_ = other.Release(ctx)

	_ = lease.Release(ctx)
	_ = lease.Release(ctx) // idempotent

	again, err := l.Acquire(ctx, ChatKey("c1"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = again.Release(ctx)
}

func TestLocalLeaseRefresh(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	lease, err := l.Acquire(ctx, ChatKey("c1"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := lease.Refresh(ctx, time.Minute); err != nil {
		t.Fatalf("Refresh() on held lease error = %v", err)
	}

	_ = lease.Release(ctx)
	if err := lease.Refresh(ctx, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Refresh() after release error = %v, want ErrLeaseLost", err)
	}
}
