package jsvm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// PoolConfig holds configuration for the VM pool.
type PoolConfig struct {
	// MaxSize is the maximum number of live VM instances.
	MaxSize int `mapstructure:"max_size" yaml:"max_size"`
	// IdleTimeout is the duration after which a pooled VM is discarded.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// AcquireTimeout is the maximum time to wait for a VM.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:        4,
		IdleTimeout:    5 * time.Minute,
		AcquireTimeout: 5 * time.Second,
	}
}

type vmInstance struct {
	vm       *goja.Runtime
	released time.Time
}

// VMPool bounds the number of live goja runtimes and keeps unused ones
// ready for the next Acquire.
type VMPool struct {
	cfg     PoolConfig
	idle    chan *vmInstance
	slots   chan struct{}
	created atomic.Int64
	active  atomic.Int64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewVMPool creates a pool. Zero config values fall back to defaults.
func NewVMPool(cfg PoolConfig) *VMPool {
	def := DefaultPoolConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}

	p := &VMPool{
		cfg:   cfg,
		idle:  make(chan *vmInstance, cfg.MaxSize),
		slots: make(chan struct{}, cfg.MaxSize),
		done:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.evictLoop()
	return p
}

// Acquire takes a slot and returns an unused VM from the pool, or a new one
// when none is idle. It waits at most AcquireTimeout for a free slot.
func (p *VMPool) Acquire(ctx context.Context) (*goja.Runtime, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrVMPoolExhausted
	case <-p.done:
		return nil, ErrClosed
	}
	p.active.Add(1)

	for {
		select {
		case inst := <-p.idle:
			if time.Since(inst.released) > p.cfg.IdleTimeout {
				p.created.Add(-1)
				continue
			}
			return inst.vm, nil
		default:
			p.created.Add(1)
			return goja.New(), nil
		}
	}
}

// Release frees the slot held by vm. A VM that ran code is never handed
// out again: it is dropped and, while the pool is open, a fresh runtime
// takes its place among the idle ones.
func (p *VMPool) Release(vm *goja.Runtime) {
	if vm == nil {
		return
	}
	defer func() {
		p.active.Add(-1)
		<-p.slots
	}()

	if p.isClosed() {
		p.created.Add(-1)
		return
	}

	select {
	case p.idle <- &vmInstance{vm: goja.New(), released: time.Now()}:
	default:
		p.created.Add(-1)
	}
}

// Close stops the eviction loop and drops pooled VMs.
func (p *VMPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	for {
		select {
		case <-p.idle:
			p.created.Add(-1)
		default:
			return nil
		}
	}
}

func (p *VMPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *VMPool) evictLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictExpired()
		case <-p.done:
			return
		}
	}
}

func (p *VMPool) evictExpired() {
	n := len(p.idle)
	for i := 0; i < n; i++ {
		select {
		case inst := <-p.idle:
			if time.Since(inst.released) > p.cfg.IdleTimeout {
				p.created.Add(-1)
				continue
			}
			select {
			case p.idle <- inst:
			default:
				p.created.Add(-1)
			}
		default:
			return
		}
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	MaxSize int
	Created int
	Active  int
	Pooled  int
}

// Stats returns current pool statistics.
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		MaxSize: p.cfg.MaxSize,
		Created: int(p.created.Load()),
		Active:  int(p.active.Load()),
		Pooled:  len(p.idle),
	}
}
