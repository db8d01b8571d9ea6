// Package runner implements the task runner harness: it keeps a persistent
// authenticated connection to the broker, executes one task at a time in
// its hosted engine, and reports every outcome. Scale-out is achieved by
// running more runner processes, never by in-process parallelism.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/logging"
	"github.com/scriptbroker/scriptbroker/internal/protocol"
	"github.com/scriptbroker/scriptbroker/internal/runner/engine"
	"github.com/scriptbroker/scriptbroker/internal/shared/id"
)

// State is the runner's connection lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateIdle
	StateExecuting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ErrAuthRejected reports a broker-side credential rejection. Retrying
// with the same token will not succeed, so the harness stops.
var ErrAuthRejected = errors.New("broker rejected credentials")

const authAckDeadline = 10 * time.Second

// Config holds the harness's immutable settings.
type Config struct {
	BrokerURL      string
	Token          string
	RunnerID       string
	MaxConcurrency int
	// TaskTimeout caps local execution when a task carries no deadline of
	// its own.
	TaskTimeout time.Duration
}

// Runner drives one engine against one broker.
type Runner struct {
	cfg   Config
	eng   engine.Engine
	log   *logging.Logger
	state atomic.Int32

	bootOnce sync.Once
	bootErr  error
}

// New creates a harness around an engine.
func New(cfg Config, eng engine.Engine, log *logging.Logger) *Runner {
	if cfg.RunnerID == "" {
		cfg.RunnerID = id.NewRunnerID().String()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 60 * time.Second
	}
	return &Runner{cfg: cfg, eng: eng, log: log}
}

// State reports the current lifecycle state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// Run bootstraps the engine (Preload → Freeze, exactly once) and then
// serves broker sessions until the context ends, reconnecting with backoff
// after each drop. The receive loop never starts before the sandbox is
// fully initialized.
func (r *Runner) Run(ctx context.Context) error {
	r.bootOnce.Do(func() {
		r.bootErr = r.eng.Bootstrap(ctx)
	})
	if r.bootErr != nil {
		return fmt.Errorf("engine bootstrap failed: %w", r.bootErr)
	}

	bo := newBackoff(time.Second, 30*time.Second)
	for {
		started := time.Now()
		err := r.session(ctx)
		r.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		// A session that held for a while means the broker was healthy;
		// restart the delay progression.
		if time.Since(started) > time.Minute {
			bo.reset()
		}

		delay := bo.next()
		r.log.Warn("broker session ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session runs one connect → authenticate → serve cycle.
func (r *Runner) session(ctx context.Context) error {
	r.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.cfg.BrokerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	r.setState(StateAuthenticating)
	auth := protocol.AuthRequest{
		Type:           protocol.MessageAuth,
		Token:          r.cfg.Token,
		Language:       r.eng.Language(),
		RunnerID:       r.cfg.RunnerID,
		MaxConcurrency: r.cfg.MaxConcurrency,
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(authAckDeadline))
	var ack protocol.AuthAck
	if err := conn.ReadJSON(&ack); err != nil {
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return ErrAuthRejected
		}
		return fmt.Errorf("auth ack read failed: %w", err)
	}
	if ack.Type != protocol.MessageAuthAck {
		return fmt.Errorf("unexpected frame during handshake: %s", ack.Type)
	}
	conn.SetReadDeadline(time.Time{})

	r.log.Info("registered with broker",
		zap.String("conn_id", ack.ConnID),
		zap.String("runner_id", r.cfg.RunnerID),
		zap.String("language", string(r.eng.Language())))

	// Serve loop. This goroutine stays in ReadJSON at all times so broker
	// pings are answered even while a task executes; the broker would
	// otherwise declare a long-running but healthy runner dead at its
	// heartbeat timeout. Execution runs alongside, still one task at a
	// time (the engine serializes), with result writes behind a mutex.
	// Pong replies go out via WriteControl, which is safe concurrently.
	r.setState(StateIdle)
	var writeMu sync.Mutex
	for {
		var msg protocol.TaskMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		if msg.Type != protocol.MessageTask {
			continue
		}

		r.setState(StateExecuting)
		go func(msg protocol.TaskMessage) {
			result := r.execute(ctx, msg)
			writeMu.Lock()
			err := conn.WriteJSON(result)
			writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
			r.setState(StateIdle)
		}(msg)
	}
}

// execute runs one task against the engine and normalizes the outcome.
func (r *Runner) execute(ctx context.Context, msg protocol.TaskMessage) protocol.ResultMessage {
	timeout := r.cfg.TaskTimeout
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	payload, err := r.eng.Execute(taskCtx, msg.Code, msg.Input)
	elapsed := time.Since(started)

	result := protocol.ResultMessage{
		Type:   protocol.MessageResult,
		TaskID: msg.TaskID,
	}
	if err != nil {
		fault := protocol.FaultFrom(err)
		result.Status = protocol.StatusFor(fault.Code)
		result.Fault = fault
		r.log.Info("task failed",
			zap.String("task_id", msg.TaskID),
			zap.String("code", string(fault.Code)),
			zap.Duration("elapsed", elapsed))
		return result
	}

	result.Status = protocol.StatusSuccess
	result.Payload = payload
	r.log.Debug("task succeeded",
		zap.String("task_id", msg.TaskID),
		zap.Duration("elapsed", elapsed))
	return result
}
