// Package protocol defines the wire messages and fault taxonomy shared by
// the task broker and the per-language runner processes.
//
// All broker↔runner traffic is JSON over a persistent WebSocket: the runner
// opens the connection, authenticates with the shared token in its first
// frame, and then exchanges task and result messages until either side
// drops. Host↔broker traffic reuses the same task and result shapes over
// HTTP.
package protocol
