package salesync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockManagerExclusive(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	locks := NewLockManager(db)
	ctx := context.Background()

	ok, err := locks.Acquire(ctx, "int-1")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = locks.Acquire(ctx, "int-1")
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	if err := locks.Release(ctx, "int-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = locks.Acquire(ctx, "int-1")
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestLockManagerUnknownIntegration(t *testing.T) {
	db := newTestDB(t)
	ok, err := NewLockManager(db).Acquire(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected no lock for missing integration: ok=%v err=%v", ok, err)
	}
}

func TestLockManagerConcurrentAcquire(t *testing.T) {
	db := newTestDB(t)
	seedIntegration(t, db)
	locks := NewLockManager(db)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := locks.Acquire(context.Background(), "int-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}
