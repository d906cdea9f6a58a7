package jsvm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cadence/internal/metrics"
	"cadence/pkg/sandbox"
)

// Config holds configuration for the Executor.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
}

// DefaultConfig returns default executor configuration.
func DefaultConfig() Config {
	return Config{
		Pool:    DefaultPoolConfig(),
		Sandbox: DefaultSandboxConfig(),
	}
}

// Executor runs JavaScript in goja VMs taken from a VMPool. Every run gets
// a VM no other script has touched. It implements sandbox.Sandbox.
type Executor struct {
	pool   *VMPool
	config Config
	logger zerolog.Logger
	closed atomic.Bool
}

var _ sandbox.Sandbox = (*Executor)(nil)

// NewExecutor creates an executor.
func NewExecutor(cfg Config, logger zerolog.Logger) *Executor {
	return &Executor{
		pool:   NewVMPool(cfg.Pool),
		config: cfg,
		logger: logger,
	}
}

// Run executes code. Script failures are reported in Result.Error. The
// returned error is non-nil only when no VM could be acquired or when ctx
// ended during execution, in which case the partial result is returned too.
func (e *Executor) Run(ctx context.Context, code string) (*sandbox.Result, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	log := e.logger.With().Str("execution_id", id).Logger()
	start := time.Now()

	vm, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire vm: %w", err)
	}

	sb := NewSandbox(e.config.Sandbox, log)
	execCtx, err := sb.Setup(ctx, vm)
	if err != nil {
		e.pool.Release(vm)
		return nil, err
	}

	val, runErr := vm.RunString(code)

	res := &sandbox.Result{}
	if runErr == nil {
		if s := formatValue(vm, val); s != "undefined" && s != "null" {
			res.Value = s
		}
	}
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	out := sb.Cleanup(vm)
	e.pool.Release(vm)

	res.Stdout = out.stdout.String()
	res.Stderr = out.stderr.String()
	res.Figures = out.figures
	res.ElapsedMs = time.Since(start).Milliseconds()

	status := "ok"
	if runErr != nil {
		status = "error"
		if timedOut {
			status = "timeout"
		}
		res.Error = wrapExecutionError(runErr, id, timedOut, e.config.Sandbox.Timeout).Error()
	}
	metrics.RecordSandbox(status, time.Since(start))
	log.Debug().Str("status", status).Int64("elapsed_ms", res.ElapsedMs).Int("figures", len(res.Figures)).Msg("sandbox run finished")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// RunFile reads a file and executes its contents.
func (e *Executor) RunFile(ctx context.Context, path string) (*sandbox.Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script file: %w", err)
	}
	return e.Run(ctx, string(content))
}

// Stats returns the VM pool statistics.
func (e *Executor) Stats() PoolStats {
	return e.pool.Stats()
}

// Close shuts down the executor and its pool.
func (e *Executor) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.pool.Close()
}

// wrapExecutionError converts goja errors to structured errors.
func wrapExecutionError(err error, id string, timedOut bool, timeout time.Duration) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if timedOut {
			return &ExecutionError{ExecutionID: id, Cause: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
		}
		return &ExecutionError{ExecutionID: id, Cause: fmt.Errorf("interrupted: %v", interrupted.Value())}
	}

	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptSyntaxError{Message: syntax.Error()}
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &ExecutionError{ExecutionID: id, Cause: errors.New(exception.Error())}
	}

	return &ExecutionError{ExecutionID: id, Cause: err}
}
