// Package engine defines the script engine capability a runner hosts. The
// engine is replaceable: the harness only depends on this interface.
//
// Startup is an explicit two-phase sequence, Preload → Freeze, wrapped in
// Bootstrap so the ordering invariant is structural rather than incidental:
// allow-listed modules load and fully initialize first (some legitimately
// mutate shared built-in prototypes as they do), then the global object
// graph is frozen, and only then may tasks execute. Bootstrap runs exactly
// once per process; Execute before Bootstrap is a programming error.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

// ErrNotBootstrapped is returned by Execute before Bootstrap has run.
var ErrNotBootstrapped = errors.New("engine is not bootstrapped")

// Engine executes user code inside a sandboxed scripting environment.
type Engine interface {
	// Language reports which runner flavor this engine serves.
	Language() protocol.Language

	// Bootstrap performs Preload → Freeze. It must complete before the
	// first Execute and must not run twice.
	Bootstrap(ctx context.Context) error

	// Execute evaluates code with input as the only externally visible
	// binding and returns the JSON-encoded result. Failures surface as
	// *protocol.Fault where typed (ModuleDisallowed, ModuleNotFound,
	// TaskTimeout) and as plain errors otherwise.
	Execute(ctx context.Context, code string, input json.RawMessage) (json.RawMessage, error)

	// Close releases the engine's resources.
	Close() error
}
