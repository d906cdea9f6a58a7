package jsvm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewVMPool_Defaults(t *testing.T) {
	pool := NewVMPool(PoolConfig{})
	defer pool.Close()

	stats := pool.Stats()
	if stats.MaxSize != DefaultPoolConfig().MaxSize {
		t.Errorf("expected default MaxSize %d, got %d", DefaultPoolConfig().MaxSize, stats.MaxSize)
	}
	if stats.Created != 0 {
		t.Errorf("expected Created 0, got %d", stats.Created)
	}
}

func TestVMPool_ReleaseReplacesWithFreshVM(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1})
	defer pool.Close()

	ctx := context.Background()
	vm1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := vm1.RunString(`var leftover = 1; Array.prototype.push = null`); err != nil {
		t.Fatalf("RunString failed: %v", err)
	}
	pool.Release(vm1)

	if got := pool.Stats(); got.Created != 1 || got.Pooled != 1 || got.Active != 0 {
		t.Errorf("unexpected stats after release: %+v", got)
	}

	vm2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer pool.Release(vm2)

	if vm1 == vm2 {
		t.Fatal("released VM was handed out again")
	}
	if v := vm2.Get("leftover"); v != nil {
		t.Errorf("global survived release: %v", v)
	}
	v, err := vm2.RunString(`typeof Array.prototype.push`)
	if err != nil {
		t.Fatalf("RunString failed: %v", err)
	}
	if v.String() != "function" {
		t.Errorf("patched builtin survived release: %s", v)
	}
}

func TestVMPool_ReleaseAfterClose(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1})

	vm, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	pool.Release(vm)

	if got := pool.Stats(); got.Created != 0 || got.Pooled != 0 || got.Active != 0 {
		t.Errorf("unexpected stats after close: %+v", got)
	}
}

func TestVMPool_ExhaustedAtCapacity(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1, AcquireTimeout: 20 * time.Millisecond})
	defer pool.Close()

	vm, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer pool.Release(vm)

	_, err = pool.Acquire(context.Background())
	if !errors.Is(err, ErrVMPoolExhausted) {
		t.Errorf("expected ErrVMPoolExhausted, got %v", err)
	}
}

func TestVMPool_AcquireContextCancelled(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 1, AcquireTimeout: time.Minute})
	defer pool.Close()

	vm, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer pool.Release(vm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestVMPool_Closed(t *testing.T) {
	pool := NewVMPool(PoolConfig{})
	if err := pool.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestVMPool_EvictExpired(t *testing.T) {
	pool := NewVMPool(PoolConfig{MaxSize: 2, IdleTimeout: time.Millisecond})
	defer pool.Close()

	vm, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(vm)
	time.Sleep(5 * time.Millisecond)

	pool.evictExpired()

	if got := pool.Stats(); got.Pooled != 0 || got.Created != 0 {
		t.Errorf("expected expired VM to be evicted, got %+v", got)
	}
}
