package types

import "fmt"

// ErrorKind classifies a failure surfaced on a session's event stream.
type ErrorKind string

const (
	// ErrValidation is a malformed definition or missing required inputs.
	ErrValidation ErrorKind = "validation_error"
	// ErrVariableUnresolved is an input reference that could not be satisfied
	// after the deferral budget was exhausted.
	ErrVariableUnresolved ErrorKind = "variable_unresolved"
	// ErrNodeExecution is a node kind's Run failing.
	ErrNodeExecution ErrorKind = "node_execution_error"
	// ErrExternalService is a failed LLM/tool/retrieval/object-store call.
	ErrExternalService ErrorKind = "external_service_error"
	// ErrTimeout is the wall-clock budget being exhausted.
	ErrTimeout ErrorKind = "timeout"
	// ErrMaxSteps is the step budget being exhausted.
	ErrMaxSteps ErrorKind = "max_steps"
	// ErrTerminated is a client stop honored by the engine.
	ErrTerminated ErrorKind = "terminated"
	// ErrInputSchema is a user reply that does not match the pending node's
	// schema; recovered locally by re-emitting the request.
	ErrInputSchema ErrorKind = "input_schema_violation"
)

// Error is the structured error passed across component boundaries and
// serialized into error events.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithNode attributes the error to a node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// KindOf extracts the error kind from an error; empty when err is not an
// *Error.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// AsError coerces err into an *Error, wrapping unknown errors as
// node_execution_error.
func AsError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewError(ErrNodeExecution, "node execution failed").WithCause(err)
}
