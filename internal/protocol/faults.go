package protocol

import (
	"errors"
	"fmt"
)

// FaultCode classifies every failure this system can surface.
type FaultCode string

const (
	// FaultAuthenticationFailed: credential mismatch at connect time.
	// Fatal to the connection, never retried, never host-visible.
	FaultAuthenticationFailed FaultCode = "AuthenticationFailed"

	// FaultNoRunnerAvailable: no registered runner for the language.
	FaultNoRunnerAvailable FaultCode = "NoRunnerAvailable"

	// FaultModuleDisallowed: import name absent from the allow-list or
	// present in the fixed deny-set. Remediation is configuration.
	FaultModuleDisallowed FaultCode = "ModuleDisallowed"

	// FaultModuleNotFound: import name permitted but the package is not
	// installed in the runner environment. Remediation is installation.
	FaultModuleNotFound FaultCode = "ModuleNotFound"

	// FaultTaskTimeout: deadline elapsed before a result arrived.
	FaultTaskTimeout FaultCode = "TaskTimeout"

	// FaultRunnerLost: the runner connection dropped mid-task.
	FaultRunnerLost FaultCode = "RunnerLost"

	// FaultExecutionError: the user script raised.
	FaultExecutionError FaultCode = "ExecutionError"
)

// Fault is a typed, wire-serializable error. Module is set for the two
// import faults so operators can tell "not permitted" from "not installed".
type Fault struct {
	Code    FaultCode `json:"code"`
	Message string    `json:"message"`
	Module  string    `json:"module,omitempty"`
}

func (f *Fault) Error() string {
	if f.Module != "" {
		return fmt.Sprintf("%s(%s): %s", f.Code, f.Module, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Is lets errors.Is match faults by code.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Code == other.Code
	}
	return false
}

// NewFault builds a fault with a formatted message.
func NewFault(code FaultCode, format string, args ...interface{}) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ModuleDisallowed builds the allow-list rejection for name.
func ModuleDisallowed(name string) *Fault {
	return &Fault{Code: FaultModuleDisallowed, Module: name, Message: "module is not enabled for this runner"}
}

// ModuleNotFound builds the missing-package fault for name.
func ModuleNotFound(name string) *Fault {
	return &Fault{Code: FaultModuleNotFound, Module: name, Message: "module is enabled but not installed"}
}

// FaultFrom normalizes an arbitrary execution error into a Fault,
// preserving typed faults as-is.
func FaultFrom(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Code: FaultExecutionError, Message: err.Error()}
}

// StatusFor maps a fault code to the result status reported upstream.
func StatusFor(code FaultCode) Status {
	if code == FaultTaskTimeout {
		return StatusTimeout
	}
	return StatusError
}
