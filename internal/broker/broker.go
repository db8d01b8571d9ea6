package broker

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/logging"
	"github.com/scriptbroker/scriptbroker/internal/monitoring"
	"github.com/scriptbroker/scriptbroker/internal/protocol"
	"github.com/scriptbroker/scriptbroker/internal/shared/id"
)

var (
	// ErrAuthenticationFailed is fatal to the presenting connection and is
	// never surfaced to the host as a task error.
	ErrAuthenticationFailed = errors.New("authentication failed: credential mismatch")

	// ErrUnknownLanguage rejects registrations and submissions for a
	// language the broker does not schedule.
	ErrUnknownLanguage = errors.New("unknown language")

	// ErrClosed rejects operations after shutdown.
	ErrClosed = errors.New("broker is closed")
)

// Sender delivers task messages to one runner connection. Implementations
// must not block; the broker calls it while holding its scheduler lock.
type Sender interface {
	SendTask(protocol.TaskMessage) error
	Close()
}

// Config holds the broker's scheduling parameters.
type Config struct {
	// Token is the shared secret every runner must present.
	Token string
	// MaxConcurrency bounds simultaneous executions per language.
	MaxConcurrency map[protocol.Language]int
	// DefaultTimeout applies when a submission carries none.
	DefaultTimeout time.Duration
	// MaxTimeout clamps submissions that ask for more.
	MaxTimeout time.Duration
}

// Outcome is the terminal state of one task. Exactly one of Payload or
// Fault is set.
type Outcome struct {
	TaskID  id.TaskID
	Status  protocol.Status
	Payload json.RawMessage
	Fault   *protocol.Fault
}

// RunnerInfo is a read-only snapshot of one registered runner.
type RunnerInfo struct {
	ConnID   id.ConnID         `json:"connId"`
	RunnerID string            `json:"runnerId"`
	Language protocol.Language `json:"language"`
	Busy     bool              `json:"busy"`
	LastSeen time.Time         `json:"lastSeen"`
}

// Broker routes tasks between the host and registered runners.
type Broker struct {
	cfg     Config
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	langs   map[protocol.Language]*langState
	conns   map[id.ConnID]*runnerConn
	pending map[id.TaskID]*task
	closed  bool
}

type langState struct {
	language protocol.Language
	runners  map[id.ConnID]*runnerConn
	queue    []*task
	slots    int
	max      int
}

type runnerConn struct {
	connID   id.ConnID
	runnerID string
	language protocol.Language
	sender   Sender
	busy     bool
	current  id.TaskID
	lastSeen time.Time
}

type task struct {
	id        id.TaskID
	language  protocol.Language
	code      string
	input     json.RawMessage
	timeout   time.Duration
	submitted time.Time
	timer     *time.Timer
	ch        chan Outcome
	assigned  id.ConnID
	done      bool
}

// New creates a broker with one independent queue and slot pool per
// configured language.
func New(cfg Config, log *logging.Logger, metrics *monitoring.Metrics) *Broker {
	b := &Broker{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		langs:   make(map[protocol.Language]*langState, len(cfg.MaxConcurrency)),
		conns:   make(map[id.ConnID]*runnerConn),
		pending: make(map[id.TaskID]*task),
	}
	for lang, max := range cfg.MaxConcurrency {
		if max < 1 {
			max = 1
		}
		b.langs[lang] = &langState{
			language: lang,
			runners:  make(map[id.ConnID]*runnerConn),
			max:      max,
		}
	}
	return b
}

// Register authenticates a runner connection. On credential match it mints
// a RunnerIdentity and marks the runner idle; on mismatch the caller must
// close the connection. No retry, no partial-trust state.
func (b *Broker) Register(req protocol.AuthRequest, sender Sender) (id.ConnID, error) {
	if !tokenMatch(b.cfg.Token, req.Token) {
		b.metrics.AuthFailures.Inc()
		b.log.Warn("runner authentication failed",
			zap.String("runner_id", req.RunnerID),
			zap.String("language", string(req.Language)))
		return "", ErrAuthenticationFailed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}
	ls, ok := b.langs[req.Language]
	if !ok {
		return "", ErrUnknownLanguage
	}

	rc := &runnerConn{
		connID:   id.NewConnID(),
		runnerID: req.RunnerID,
		language: req.Language,
		sender:   sender,
		lastSeen: time.Now(),
	}
	ls.runners[rc.connID] = rc
	b.conns[rc.connID] = rc
	b.metrics.RunnersConnected.WithLabelValues(string(req.Language)).Inc()

	b.log.Info("runner registered",
		zap.String("conn_id", rc.connID.String()),
		zap.String("runner_id", req.RunnerID),
		zap.String("language", string(req.Language)),
		zap.Int("max_concurrency", req.MaxConcurrency))

	// Queued work may now have an eligible runner.
	b.dispatchLocked(ls)

	return rc.connID, nil
}

// Deregister removes a runner connection. Any task assigned to it fails
// with RunnerLost and its slot is released; a result the runner might
// still produce is discarded.
func (b *Broker) Deregister(connID id.ConnID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rc, ok := b.conns[connID]
	if !ok {
		return
	}
	ls := b.langs[rc.language]
	delete(ls.runners, connID)
	delete(b.conns, connID)
	b.metrics.RunnersConnected.WithLabelValues(string(rc.language)).Dec()
	b.metrics.RunnersLost.Inc()

	if rc.current != "" {
		if t, ok := b.pending[rc.current]; ok && !t.done {
			b.failLocked(t, protocol.NewFault(protocol.FaultRunnerLost, "runner disconnected mid-task"))
		}
	}

	b.log.Info("runner deregistered",
		zap.String("conn_id", connID.String()),
		zap.String("runner_id", rc.runnerID))

	b.dispatchLocked(ls)
}

// Heartbeat refreshes a runner's liveness timestamp.
func (b *Broker) Heartbeat(connID id.ConnID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rc, ok := b.conns[connID]; ok {
		rc.lastSeen = time.Now()
	}
}

// Runners returns a snapshot of all registered runners.
func (b *Broker) Runners() []RunnerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]RunnerInfo, 0, len(b.conns))
	for _, rc := range b.conns {
		infos = append(infos, RunnerInfo{
			ConnID:   rc.connID,
			RunnerID: rc.runnerID,
			Language: rc.language,
			Busy:     rc.busy,
			LastSeen: rc.lastSeen,
		})
	}
	return infos
}

// Close shuts the broker down, failing every pending task.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, t := range b.pending {
		if !t.done {
			b.failLocked(t, protocol.NewFault(protocol.FaultRunnerLost, "broker shutting down"))
		}
	}
	for _, rc := range b.conns {
		rc.sender.Close()
	}
	b.conns = make(map[id.ConnID]*runnerConn)
	for _, ls := range b.langs {
		ls.runners = make(map[id.ConnID]*runnerConn)
		ls.queue = nil
	}
}

func tokenMatch(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
