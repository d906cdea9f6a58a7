package jsvm

import (
	"context"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

func TestSandboxSetupAndCleanup(t *testing.T) {
	sb := NewSandbox(DefaultSandboxConfig(), zerolog.Nop())
	vm := goja.New()

	execCtx, err := sb.Setup(context.Background(), vm)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	for _, name := range injectedGlobals {
		if v := vm.Get(name); v == nil || goja.IsUndefined(v) {
			t.Errorf("%s not injected", name)
		}
	}

	if _, err := vm.RunString(`console.log("hi")`); err != nil {
		t.Fatalf("RunString failed: %v", err)
	}

	out := sb.Cleanup(vm)
	if out.stdout.String() != "hi\n" {
		t.Errorf("unexpected captured stdout %q", out.stdout.String())
	}

	select {
	case <-execCtx.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("context not cancelled after cleanup")
	}

	for _, name := range injectedGlobals {
		if v := vm.Get(name); v != nil && !goja.IsUndefined(v) {
			t.Errorf("%s not cleaned up", name)
		}
	}
}

func TestSandboxTimeoutInterrupts(t *testing.T) {
	cfg := DefaultSandboxConfig()
	cfg.Timeout = 50 * time.Millisecond
	sb := NewSandbox(cfg, zerolog.Nop())
	vm := goja.New()

	if _, err := sb.Setup(context.Background(), vm); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer sb.Cleanup(vm)

	_, err := vm.RunString(`while (true) {}`)
	if _, ok := err.(*goja.InterruptedError); !ok {
		t.Errorf("expected InterruptedError, got %T: %v", err, err)
	}
}

func TestSandboxFigureLimit(t *testing.T) {
	cfg := DefaultSandboxConfig()
	cfg.MaxFigures = 1
	sb := NewSandbox(cfg, zerolog.Nop())
	vm := goja.New()

	if _, err := sb.Setup(context.Background(), vm); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	_, err := vm.RunString(`figure("AA=="); figure("AA==");`)
	out := sb.Cleanup(vm)

	if err == nil {
		t.Error("expected figure limit error")
	}
	if len(out.figures) != 1 {
		t.Errorf("expected 1 figure, got %d", len(out.figures))
	}
}

func TestFormatValue(t *testing.T) {
	vm := goja.New()
	tests := []struct {
		script string
		want   string
	}{
		{`"text"`, "text"},
		{`42`, "42"},
		{`[1, "a"]`, `[1,"a"]`},
		{`({k: true})`, `{"k":true}`},
		{`null`, "null"},
		{`undefined`, "undefined"},
	}

	for _, tt := range tests {
		v, err := vm.RunString(tt.script)
		if err != nil {
			t.Fatalf("RunString(%s) failed: %v", tt.script, err)
		}
		if got := formatValue(vm, v); got != tt.want {
			t.Errorf("formatValue(%s) = %q, want %q", tt.script, got, tt.want)
		}
	}
}
