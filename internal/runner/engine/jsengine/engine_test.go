package jsengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

func newBootstrapped(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := New(cfg)
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestExecute(t *testing.T) {
	e := newBootstrapped(t, Config{AllowedModules: []string{"strcase"}})

	tests := []struct {
		name  string
		code  string
		input string
		want  string
	}{
		{
			name: "simple return",
			code: "return 6 * 7",
			want: "42",
		},
		{
			name:  "input binding",
			code:  "return input.a + input.b",
			input: `{"a": 2, "b": 3}`,
			want:  "5",
		},
		{
			name: "allowed module",
			code: `var sc = require("strcase"); return sc.upper("hi")`,
			want: `"HI"`,
		},
		{
			name: "no return yields null",
			code: "var x = 1;",
			want: "null",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := e.Execute(context.Background(), tt.code, []byte(tt.input))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if string(payload) != tt.want {
				t.Errorf("Execute() = %s, want %s", payload, tt.want)
			}
		})
	}
}

func TestExecuteBeforeBootstrap(t *testing.T) {
	e := New(Config{})
	defer e.Close()

	if _, err := e.Execute(context.Background(), "return 1", nil); err == nil {
		t.Fatal("Execute() before Bootstrap should fail")
	}
}

func TestModuleDisallowed(t *testing.T) {
	// allow-list = {"alpha"}: importing "beta" is the canonical rejection.
	reg := NewRegistry()
	reg.Add(Module{Name: "alpha", Load: loadStrcase})
	reg.Add(Module{Name: "beta", Load: loadStrcase})
	e := newBootstrapped(t, Config{AllowedModules: []string{"alpha"}, Registry: reg})

	_, err := e.Execute(context.Background(), `return require("beta")`, nil)

	var fault *protocol.Fault
	if !errors.As(err, &fault) || fault.Code != protocol.FaultModuleDisallowed {
		t.Fatalf("error = %v, want ModuleDisallowed", err)
	}
	if fault.Module != "beta" {
		t.Errorf("fault module = %q, want %q", fault.Module, "beta")
	}
}

func TestModuleNotFoundIsDistinct(t *testing.T) {
	// "ghost" is enabled but not installed: the fault must name the other
	// remediation path.
	e := newBootstrapped(t, Config{AllowedModules: []string{"ghost"}})

	_, err := e.Execute(context.Background(), `return require("ghost")`, nil)

	var fault *protocol.Fault
	if !errors.As(err, &fault) || fault.Code != protocol.FaultModuleNotFound {
		t.Fatalf("error = %v, want ModuleNotFound", err)
	}
}

func TestWildcardPermitsSubjectToDenySet(t *testing.T) {
	e := newBootstrapped(t, Config{
		AllowedModules:  []string{"*"},
		AllowedBuiltins: []string{"*"},
	})

	// Any installed module is permitted under the wildcard.
	if _, err := e.Execute(context.Background(), `var sc = require("strcase"); return sc.lower("ABC")`, nil); err != nil {
		t.Fatalf("wildcard require failed: %v", err)
	}

	// The fixed deny-set still wins.
	_, err := e.Execute(context.Background(), `return require("child_process")`, nil)
	var fault *protocol.Fault
	if !errors.As(err, &fault) || fault.Code != protocol.FaultModuleDisallowed {
		t.Fatalf("error = %v, want ModuleDisallowed for deny-set entry", err)
	}
}

func TestPreloadBeforeFreezeOrdering(t *testing.T) {
	// chrono mutates Date.prototype at load time. With preload first the
	// module loads and its prototype extension works.
	e := newBootstrapped(t, Config{AllowedModules: []string{"chrono"}})

	payload, err := e.Execute(context.Background(),
		`require("chrono"); return new Date(0).toSortable()`, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(payload) != `"1970-01-01 00:00:00"` {
		t.Errorf("toSortable() = %s", payload)
	}
}

func TestFreezeBeforePreloadBreaksChrono(t *testing.T) {
	// Reversing the phases makes the same module fail at load time with an
	// immutability violation, demonstrating the ordering dependency.
	e := New(Config{AllowedModules: []string{"chrono"}})
	defer e.Close()

	e.mu.Lock()
	if err := e.freezeLocked(); err != nil {
		e.mu.Unlock()
		t.Fatalf("freeze failed: %v", err)
	}
	err := e.preloadLocked()
	e.mu.Unlock()

	if err == nil {
		t.Fatal("preload after freeze should fail for a prototype-mutating module")
	}
}

func TestFrozenGlobalsResistMutation(t *testing.T) {
	e := newBootstrapped(t, Config{})

	// Strict-mode assignment to a frozen prototype throws.
	_, err := e.Execute(context.Background(),
		`"use strict"; Array.prototype.push = function(){}; return 1`, nil)
	if err == nil {
		t.Fatal("mutating a frozen built-in should fail")
	}

	// And state cannot leak across invocations via sloppy-mode writes.
	if _, err := e.Execute(context.Background(),
		`String.prototype.leak = function(){}; return 0`, nil); err != nil {
		t.Fatalf("sloppy-mode write errored unexpectedly: %v", err)
	}
	payload, err := e.Execute(context.Background(),
		`return typeof "".leak`, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(payload) != `"undefined"` {
		t.Errorf("prototype leak survived: %s", payload)
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := newBootstrapped(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, `while (true) {}`, nil)
	elapsed := time.Since(start)

	var fault *protocol.Fault
	if !errors.As(err, &fault) || fault.Code != protocol.FaultTaskTimeout {
		t.Fatalf("error = %v, want TaskTimeout", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}

	// The engine stays usable for the next task.
	if _, err := e.Execute(context.Background(), "return 1", nil); err != nil {
		t.Errorf("engine unusable after interrupt: %v", err)
	}
}

func TestDangerousGlobalsAbsent(t *testing.T) {
	e := newBootstrapped(t, Config{})

	for _, expr := range []string{
		`return typeof process`,
		`return typeof eval`,
	} {
		payload, err := e.Execute(context.Background(), expr, nil)
		if err != nil {
			t.Fatalf("Execute(%q) error = %v", expr, err)
		}
		if string(payload) != `"undefined"` {
			t.Errorf("Execute(%q) = %s, want \"undefined\"", expr, payload)
		}
	}
}
