package jsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/logging"
	"github.com/scriptbroker/scriptbroker/internal/policy"
	"github.com/scriptbroker/scriptbroker/internal/protocol"
	"github.com/scriptbroker/scriptbroker/internal/runner/engine"
)

// Config defines the JS engine's immutable startup surface.
type Config struct {
	// AllowedModules is the enable surface for external modules.
	AllowedModules []string
	// AllowedBuiltins is the enable surface for standard-library modules.
	AllowedBuiltins []string
	// Registry is the install surface; nil selects DefaultRegistry.
	Registry *Registry
	Log      *logging.Logger
}

// Engine is a goja-backed sandbox. A single engine executes strictly
// serially; scale-out is more runner processes, not in-process parallelism.
type Engine struct {
	vm       *goja.Runtime
	cfg      Config
	external policy.Table
	builtin  policy.Table
	registry *Registry

	mu           sync.Mutex
	loaded       map[string]goja.Value
	bootstrapped bool
	frozen       bool
}

// New creates the engine and installs its globals. Bootstrap must run
// before the first Execute.
func New(cfg Config) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Log == nil {
		cfg.Log = logging.NewNop()
	}

	e := &Engine{
		vm:       goja.New(),
		cfg:      cfg,
		external: policy.New(protocol.LanguageJS, cfg.AllowedModules),
		builtin:  policy.New(protocol.LanguageJS, cfg.AllowedBuiltins),
		registry: cfg.Registry,
		loaded:   make(map[string]goja.Value),
	}
	e.setupGlobals()
	return e
}

func (e *Engine) Language() protocol.Language {
	return protocol.LanguageJS
}

// Bootstrap runs the two-phase startup: preload every module on an
// explicit allow-list, then freeze the global object graph. Exactly once.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bootstrapped {
		return fmt.Errorf("engine already bootstrapped")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.preloadLocked(); err != nil {
		return err
	}
	if err := e.freezeLocked(); err != nil {
		return err
	}

	e.bootstrapped = true
	return nil
}

// preloadLocked eagerly loads every allow-listed module so one-time
// initialization that mutates shared prototypes happens before the freeze.
// A wildcard allow-list has no enumerable set and is skipped.
func (e *Engine) preloadLocked() error {
	if e.external.Wildcard() || e.builtin.Wildcard() {
		e.cfg.Log.Warn("wildcard allow-list: module preload skipped; " +
			"modules that mutate built-ins at load time will fail after the freeze")
	}

	names := append(e.external.Names(), e.builtin.Names()...)
	for _, name := range names {
		mod, ok := e.registry.Lookup(name)
		if !ok {
			// Enabled but not installed; the import-time fault carries
			// the distinction.
			e.cfg.Log.Warn("allow-listed module is not installed", zap.String("module", name))
			continue
		}
		if _, err := e.loadLocked(mod); err != nil {
			return fmt.Errorf("preload of %q failed: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) freezeLocked() error {
	if e.frozen {
		return fmt.Errorf("global graph already frozen")
	}
	if _, err := e.vm.RunString(freezeScript); err != nil {
		return fmt.Errorf("freeze failed: %w", err)
	}
	e.frozen = true
	return nil
}

func (e *Engine) loadLocked(mod Module) (goja.Value, error) {
	if v, ok := e.loaded[mod.Name]; ok {
		return v, nil
	}
	v, err := mod.Load(e.vm)
	if err != nil {
		return nil, err
	}
	e.loaded[mod.Name] = v
	return v, nil
}

// Execute evaluates code as a function body with input as its only
// binding. The context deadline interrupts the VM; a runaway script cannot
// outlive it.
func (e *Engine) Execute(ctx context.Context, code string, input json.RawMessage) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.bootstrapped {
		return nil, engine.ErrNotBootstrapped
	}

	var inputVal interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inputVal); err != nil {
			return nil, fmt.Errorf("invalid input payload: %w", err)
		}
	}

	fn, err := e.vm.RunString("(function (input) {\n" + code + "\n})")
	if err != nil {
		return nil, e.normalizeError(err)
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, protocol.NewFault(protocol.FaultExecutionError, "code did not evaluate to a function")
	}

	stop := e.watchInterrupt(ctx)
	val, err := callable(goja.Undefined(), e.vm.ToValue(inputVal))
	stop()

	if err != nil {
		return nil, e.normalizeError(err)
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return json.RawMessage("null"), nil
	}
	payload, err := json.Marshal(val.Export())
	if err != nil {
		return nil, protocol.NewFault(protocol.FaultExecutionError, "result is not JSON-serializable: %v", err)
	}
	return payload, nil
}

// Close releases the VM.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm = nil
	e.loaded = nil
	return nil
}

// watchInterrupt interrupts the VM when the context expires. The returned
// stop function must be called after the script finishes.
func (e *Engine) watchInterrupt(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.vm.Interrupt("execution deadline exceeded")
		case <-done:
		}
	}()
	return func() {
		close(done)
		e.vm.ClearInterrupt()
	}
}

// setupGlobals installs require and console and removes direct evaluation.
// Runs before the freeze; nothing touches the global namespace afterwards.
func (e *Engine) setupGlobals() {
	e.vm.Set("require", e.require)
	e.vm.Set("eval", goja.Undefined())

	console := e.vm.NewObject()
	console.Set("log", e.makeConsoleFunc("log"))
	console.Set("warn", e.makeConsoleFunc("warn"))
	console.Set("error", e.makeConsoleFunc("error"))
	e.vm.Set("console", console)
}

// require is the allow-list enforcer for JS: every module-load attempt
// passes through the capability table. Distinguishes "not permitted"
// (ModuleDisallowed) from "not installed" (ModuleNotFound).
func (e *Engine) require(call goja.FunctionCall) goja.Value {
	name := call.Argument(0).String()

	mod, installed := e.registry.Lookup(name)
	table := e.external
	if installed && mod.Builtin {
		table = e.builtin
	}

	if table.Check(name) != policy.Allowed {
		e.throwFault(protocol.ModuleDisallowed(name))
	}
	if !installed {
		e.throwFault(protocol.ModuleNotFound(name))
	}

	if v, ok := e.loaded[name]; ok {
		return v
	}
	// Reached only in wildcard mode: nothing was preloaded, so the load
	// runs here, after the freeze, which prototype-mutating modules will
	// not survive.
	v, err := e.loadLocked(mod)
	if err != nil {
		panic(e.vm.NewGoError(fmt.Errorf("module %q failed to load: %w", name, err)))
	}
	return v
}

// throwFault raises a typed fault as a JS exception whose code/module
// fields survive the trip back to Go.
func (e *Engine) throwFault(f *protocol.Fault) {
	obj := e.vm.NewObject()
	obj.Set("name", "Fault")
	obj.Set("code", string(f.Code))
	obj.Set("module", f.Module)
	obj.Set("message", f.Message)
	panic(obj)
}

// normalizeError maps goja errors onto the fault taxonomy.
func (e *Engine) normalizeError(err error) error {
	if _, ok := err.(*goja.InterruptedError); ok {
		return protocol.NewFault(protocol.FaultTaskTimeout, "script interrupted: deadline exceeded")
	}
	if ex, ok := err.(*goja.Exception); ok {
		if exported, ok := ex.Value().Export().(map[string]interface{}); ok {
			if code, ok := exported["code"].(string); ok {
				f := &protocol.Fault{Code: protocol.FaultCode(code)}
				if m, ok := exported["module"].(string); ok {
					f.Module = m
				}
				if msg, ok := exported["message"].(string); ok {
					f.Message = msg
				}
				return f
			}
		}
		return protocol.NewFault(protocol.FaultExecutionError, "%s", ex.Error())
	}
	return protocol.NewFault(protocol.FaultExecutionError, "%s", err.Error())
}

func (e *Engine) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		msg := strings.Join(parts, " ")
		switch level {
		case "warn":
			e.cfg.Log.Warn(msg, zap.String("source", "console"))
		case "error":
			e.cfg.Log.Error(msg, zap.String("source", "console"))
		default:
			e.cfg.Log.Debug(msg, zap.String("source", "console"))
		}
		return goja.Undefined()
	}
}
