// Package broker implements the task broker core: it authenticates runner
// connections, accepts task submissions from the host, dispatches work to
// idle runners, and enforces the per-language concurrency and deadline
// invariants.
//
// The broker owns the only mutable shared state in the system: per-language
// FIFO queues and slot counters, plus the pending-task futures map. All of
// it is updated under one mutex so the concurrency invariant (at most N
// tasks executing per language) holds by construction. Everything else
// (allow-lists, deny-sets, sandbox freeze state) lives in the runners and
// is immutable after their startup.
//
// Transport is deliberately abstracted behind the Sender interface; the
// WebSocket endpoint in broker/server adapts connections onto it.
package broker
