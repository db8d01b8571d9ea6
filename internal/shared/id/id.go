// Package id provides centralized ID generation for the broker and runners.
//
// All identities are ULIDs with a type prefix (task_*, run_*, conn_*):
// lexicographically sortable, unique across processes, and readable in logs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TaskID identifies a single task submission, unique per submission.
type TaskID string

// RunnerID identifies a runner process across reconnects.
type RunnerID string

// ConnID identifies one runner connection; a reconnect mints a new one.
type ConnID string

const (
	TaskPrefix   = "task"
	RunnerPrefix = "run"
	ConnPrefix   = "conn"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for tests that need deterministic IDs.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewTaskID generates a new task ID.
func NewTaskID() TaskID {
	return TaskID(Default().GenerateWithPrefix(TaskPrefix))
}

// NewRunnerID generates a new runner ID.
func NewRunnerID() RunnerID {
	return RunnerID(Default().GenerateWithPrefix(RunnerPrefix))
}

// NewConnID generates a new connection ID.
func NewConnID() ConnID {
	return ConnID(Default().GenerateWithPrefix(ConnPrefix))
}

func (id TaskID) String() string   { return string(id) }
func (id RunnerID) String() string { return string(id) }
func (id ConnID) String() string   { return string(id) }
