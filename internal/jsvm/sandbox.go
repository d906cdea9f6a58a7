package jsvm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// injectedGlobals are the host bindings Setup installs and Cleanup removes.
var injectedGlobals = []string{"console", "print", "figure"}

// SandboxConfig holds limits for one execution.
type SandboxConfig struct {
	// Timeout is the maximum execution time for a script.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxOutputBytes caps stdout and stderr combined.
	MaxOutputBytes int `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	// MaxFigures caps the number of figures a script may emit.
	MaxFigures int `mapstructure:"max_figures" yaml:"max_figures"`
}

// DefaultSandboxConfig returns default sandbox configuration.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:        30 * time.Second,
		MaxOutputBytes: 64 * 1024,
		MaxFigures:     8,
	}
}

// capture collects what a script writes.
type capture struct {
	stdout  strings.Builder
	stderr  strings.Builder
	figures [][]byte
}

// Sandbox is the per-execution environment installed into a VM: console
// and figure capture plus an interrupt bound to the execution context.
type Sandbox struct {
	config SandboxConfig
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	out    *capture
}

// NewSandbox creates a sandbox with the given limits.
func NewSandbox(cfg SandboxConfig, logger zerolog.Logger) *Sandbox {
	def := DefaultSandboxConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.MaxFigures <= 0 {
		cfg.MaxFigures = def.MaxFigures
	}
	return &Sandbox{config: cfg, logger: logger}
}

// Setup installs the capture globals into vm and arms the interrupt. The
// returned context ends on timeout, on ctx cancellation, or on Cleanup.
func (s *Sandbox) Setup(ctx context.Context, vm *goja.Runtime) (context.Context, error) {
	execCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	done := make(chan struct{})
	out := &capture{}

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.out = out
	s.mu.Unlock()

	go func() {
		select {
		case <-execCtx.Done():
			vm.Interrupt("execution interrupted: " + execCtx.Err().Error())
		case <-done:
		}
	}()

	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	console := vm.NewObject()
	for name, w := range map[string]*strings.Builder{
		"log":   &out.stdout,
		"info":  &out.stdout,
		"debug": &out.stdout,
		"warn":  &out.stderr,
		"error": &out.stderr,
	} {
		if err := console.Set(name, s.writer(vm, out, w)); err != nil {
			cancel()
			return nil, fmt.Errorf("install console.%s: %w", name, err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		cancel()
		return nil, err
	}
	if err := vm.Set("print", s.writer(vm, out, &out.stdout)); err != nil {
		cancel()
		return nil, err
	}
	if err := vm.Set("figure", s.figure(vm, out)); err != nil {
		cancel()
		return nil, err
	}

	return execCtx, nil
}

// Cleanup stops the interrupt watcher, cancels the execution context and
// returns the captured output.
func (s *Sandbox) Cleanup(vm *goja.Runtime) *capture {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for _, name := range injectedGlobals {
		_ = vm.GlobalObject().Delete(name)
	}

	out := s.out
	s.out = nil
	if out == nil {
		out = &capture{}
	}
	return out
}

func (s *Sandbox) writer(vm *goja.Runtime, out *capture, w *strings.Builder) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = formatValue(vm, arg)
		}
		line := strings.Join(parts, " ") + "\n"

		if out.stdout.Len()+out.stderr.Len()+len(line) > s.config.MaxOutputBytes {
			panic(vm.NewGoError(ErrOutputLimit))
		}
		w.WriteString(line)
		return goja.Undefined()
	}
}

// figure accepts a base64 string (optionally a data URL), an ArrayBuffer
// or a Uint8Array.
func (s *Sandbox) figure(vm *goja.Runtime, out *capture) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(out.figures) >= s.config.MaxFigures {
			panic(vm.NewTypeError("figure limit of %d reached", s.config.MaxFigures))
		}

		var data []byte
		switch v := call.Argument(0).Export().(type) {
		case string:
			if i := strings.Index(v, ";base64,"); i >= 0 && strings.HasPrefix(v, "data:") {
				v = v[i+len(";base64,"):]
			}
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				panic(vm.NewTypeError("figure: invalid base64 data"))
			}
			data = b
		case goja.ArrayBuffer:
			data = append([]byte(nil), v.Bytes()...)
		case []byte:
			data = append([]byte(nil), v...)
		default:
			panic(vm.NewTypeError("figure: expected base64 string, ArrayBuffer or Uint8Array"))
		}

		out.figures = append(out.figures, data)
		return goja.Undefined()
	}
}

// formatValue renders a JS value the way console.log would, roughly:
// strings as is, objects as JSON.
func formatValue(vm *goja.Runtime, v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return v.String()
	}

	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return v.String()
	}
	res, err := stringify(goja.Undefined(), v)
	if err != nil || goja.IsUndefined(res) {
		return v.String()
	}
	return res.String()
}
