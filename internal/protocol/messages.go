package protocol

import "encoding/json"

// Language identifies a runner's scripting environment.
type Language string

const (
	LanguageJS     Language = "javascript"
	LanguagePython Language = "python"
)

// Valid reports whether l is a known language tag.
func (l Language) Valid() bool {
	return l == LanguageJS || l == LanguagePython
}

// MessageType discriminates frames on the broker↔runner channel.
type MessageType string

const (
	MessageAuth    MessageType = "auth"
	MessageAuthAck MessageType = "auth_ack"
	MessageTask    MessageType = "task"
	MessageResult  MessageType = "result"
)

// Status is the terminal state of a task.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// AuthRequest is the first frame a runner sends after connecting.
// The broker validates the token before anything else flows.
type AuthRequest struct {
	Type           MessageType `json:"type"`
	Token          string      `json:"token"`
	Language       Language    `json:"language"`
	RunnerID       string      `json:"runnerId"`
	MaxConcurrency int         `json:"maxConcurrency"`
}

// AuthAck confirms a successful registration. ConnID is the broker-minted
// identity for this connection.
type AuthAck struct {
	Type   MessageType `json:"type"`
	ConnID string      `json:"connId"`
}

// TaskMessage carries one task from broker to runner. Input is opaque to
// the broker; the runner hands it to the script as its only binding.
type TaskMessage struct {
	Type           MessageType     `json:"type"`
	TaskID         string          `json:"taskId"`
	Code           string          `json:"code"`
	Input          json.RawMessage `json:"input,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
}

// ResultMessage carries one terminal outcome from runner to broker.
// Exactly one of Payload or Fault is set.
type ResultMessage struct {
	Type    MessageType     `json:"type"`
	TaskID  string          `json:"taskId"`
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Fault   *Fault          `json:"error,omitempty"`
}

// SubmitRequest is the host-facing task submission body.
type SubmitRequest struct {
	Language       Language        `json:"language"`
	Code           string          `json:"code"`
	Input          json.RawMessage `json:"input,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
}

// SubmitResponse is the host-facing task outcome. Per-task failures of any
// cause (disallowed module, timeout, runner loss, user exception) all
// arrive through this one shape.
type SubmitResponse struct {
	TaskID  string          `json:"taskId"`
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Fault   *Fault          `json:"error,omitempty"`
}
