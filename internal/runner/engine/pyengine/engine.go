// Package pyengine hosts the Python sandbox by driving a long-lived
// python3 child process. The embedded bootstrap program performs the same
// Preload → Freeze → AcceptTasks sequence as the JS engine: allow-listed
// modules import eagerly, then an import gate honoring the capability
// table and a reduced builtins table replace the writable environment, and
// tasks arrive as JSON lines on stdin.
package pyengine

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/logging"
	"github.com/scriptbroker/scriptbroker/internal/policy"
	"github.com/scriptbroker/scriptbroker/internal/protocol"
	"github.com/scriptbroker/scriptbroker/internal/runner/engine"
)

//go:embed bootstrap.py
var bootstrapSource string

// Config defines the Python engine's immutable startup surface.
type Config struct {
	// PythonBin is the interpreter to spawn; defaults to "python3".
	PythonBin string
	// AllowedModules is the enable surface for external packages.
	AllowedModules []string
	// AllowedBuiltins is the enable surface for standard-library modules.
	AllowedBuiltins []string
	Log             *logging.Logger
}

type initRequest struct {
	AllowedModules  []string `json:"allowedModules"`
	AllowedBuiltins []string `json:"allowedBuiltins"`
	Denied          []string `json:"denied"`
}

type initResponse struct {
	OK      bool     `json:"ok"`
	Missing []string `json:"missing"`
}

type execRequest struct {
	TaskID string          `json:"taskId"`
	Code   string          `json:"code"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type execResponse struct {
	Status protocol.Status `json:"status"`
	Result json.RawMessage `json:"result"`
	Fault  *protocol.Fault `json:"fault"`
}

// Engine executes Python tasks strictly serially against one child
// interpreter. A task that outlives its deadline takes the interpreter
// with it: the child is killed and respawned, which is the only preemption
// a blocked interpreter allows.
type Engine struct {
	cfg Config

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	lines        chan []byte
	bootstrapped bool
	closed       bool
}

// New creates the engine. Bootstrap must run before the first Execute.
func New(cfg Config) *Engine {
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.Log == nil {
		cfg.Log = logging.NewNop()
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Language() protocol.Language {
	return protocol.LanguagePython
}

// Bootstrap spawns the interpreter and drives it through preload and
// freeze. Exactly once per engine.
func (e *Engine) Bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bootstrapped {
		return fmt.Errorf("engine already bootstrapped")
	}
	if err := e.startLocked(ctx); err != nil {
		return err
	}
	e.bootstrapped = true
	return nil
}

func (e *Engine) startLocked(ctx context.Context) error {
	cmd := exec.Command(e.cfg.PythonBin, "-c", bootstrapSource)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", e.cfg.PythonBin, err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.lines = make(chan []byte, 1)

	go e.readLines(stdout, e.lines)
	go e.logStderr(stderr)

	init := initRequest{
		AllowedModules:  e.cfg.AllowedModules,
		AllowedBuiltins: e.cfg.AllowedBuiltins,
		Denied:          policy.DenySet(protocol.LanguagePython),
	}
	if err := e.writeJSON(init); err != nil {
		e.killLocked()
		return fmt.Errorf("failed to send init: %w", err)
	}

	select {
	case line, ok := <-e.lines:
		if !ok {
			e.killLocked()
			return fmt.Errorf("interpreter exited during bootstrap")
		}
		var resp initResponse
		if err := json.Unmarshal(line, &resp); err != nil || !resp.OK {
			e.killLocked()
			return fmt.Errorf("bootstrap handshake failed: %s", line)
		}
		for _, name := range resp.Missing {
			e.cfg.Log.Warn("allow-listed module is not installed", zap.String("module", name))
		}
		return nil
	case <-ctx.Done():
		e.killLocked()
		return ctx.Err()
	}
}

// Execute runs one task in the child interpreter.
func (e *Engine) Execute(ctx context.Context, code string, input json.RawMessage) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.bootstrapped {
		return nil, engine.ErrNotBootstrapped
	}
	if e.cmd == nil {
		if err := e.startLocked(ctx); err != nil {
			return nil, fmt.Errorf("interpreter restart failed: %w", err)
		}
	}

	req := execRequest{Code: code, Input: input}
	if err := e.writeJSON(req); err != nil {
		e.killLocked()
		return nil, fmt.Errorf("failed to send task: %w", err)
	}

	select {
	case line, ok := <-e.lines:
		if !ok {
			e.killLocked()
			return nil, protocol.NewFault(protocol.FaultExecutionError, "interpreter exited mid-task")
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("malformed interpreter response: %w", err)
		}
		if resp.Fault != nil {
			return nil, resp.Fault
		}
		if len(resp.Result) == 0 {
			return json.RawMessage("null"), nil
		}
		return resp.Result, nil
	case <-ctx.Done():
		// A blocked interpreter cannot be preempted mid-instruction; kill
		// it and respawn for the next task.
		e.killLocked()
		return nil, protocol.NewFault(protocol.FaultTaskTimeout, "script exceeded its deadline; interpreter restarted")
	}
}

// Close terminates the child interpreter.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.killLocked()
	return nil
}

func (e *Engine) killLocked() {
	if e.cmd == nil {
		return
	}
	e.stdin.Close()
	e.cmd.Process.Kill()
	e.cmd.Wait()
	e.cmd = nil
	e.stdin = nil
}

func (e *Engine) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = e.stdin.Write(append(data, '\n'))
	return err
}

func (e *Engine) readLines(r io.Reader, out chan<- []byte) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		out <- line
	}
	close(out)
}

func (e *Engine) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		e.cfg.Log.Warn(scanner.Text(), zap.String("source", "python"))
	}
}
