package llm

import (
	"errors"
	"fmt"
)

// Stable error classification strings surfaced to callers. Every terminal
// failure maps to exactly one of these; raw transport errors are never
// passed through unclassified.
const (
	ClassConfiguration     = "configuration_error"
	ClassTransport         = "transport_error"
	ClassIncompleteStream  = "incomplete_stream"
	ClassArgumentParse     = "argument_parse_error"
	ClassToolExecution     = "tool_execution_error"
	ClassMaxToolIterations = "max_tool_iterations_exceeded"
	ClassProtocol          = "provider_protocol_error"
	ClassCancelled         = "cancelled"
	ClassUnknown           = "unknown_error"
)

// ConfigError reports invalid request options (bad temperature, unknown
// model, missing credentials). Fatal, never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "configuration: " + e.Msg }

// Configf builds a ConfigError.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError wraps a network-layer failure (connect, timeout, retryable
// upstream status). Retried with backoff while nothing has been streamed.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IncompleteStreamError reports a stream that closed before a terminal
// chunk. Not silently retried: partial content may already be delivered.
type IncompleteStreamError struct {
	Provider string
	Err      error
}

func (e *IncompleteStreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s stream ended before completion: %v", e.Provider, e.Err)
	}
	return e.Provider + " stream ended before completion"
}

func (e *IncompleteStreamError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected or error-shaped provider response
// outside streaming, preserving the provider's original status and code.
type ProtocolError struct {
	Provider string
	Status   int
	Code     string
	Msg      string
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api error (%d, %s): %s", e.Provider, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.Status, e.Msg)
}

// ArgumentParseError reports tool-call arguments that never became valid
// JSON. Converted to a tool-result error; the conversation continues.
type ArgumentParseError struct {
	Tool string
	Raw  string
	Err  error
}

func (e *ArgumentParseError) Error() string {
	return fmt.Sprintf("tool %s: malformed arguments: %v", e.Tool, e.Err)
}

func (e *ArgumentParseError) Unwrap() error { return e.Err }

// ToolErrorCode classifies a tool execution failure.
type ToolErrorCode string

const (
	ToolNotFound         ToolErrorCode = "not_found"
	ToolValidationFailed ToolErrorCode = "validation_failed"
	ToolTimeout          ToolErrorCode = "timeout"
	ToolHandlerError     ToolErrorCode = "handler_error"
)

// ToolError is a classified tool execution failure. It never fails the
// exchange; it rides back into the conversation as a tool message.
type ToolError struct {
	Code ToolErrorCode
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s [%s]: %v", e.Tool, e.Code, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// MaxToolIterationsError reports a tool loop exceeding its configured depth.
type MaxToolIterationsError struct {
	Limit int
}

func (e *MaxToolIterationsError) Error() string {
	return fmt.Sprintf("exchange exceeded %d tool iterations", e.Limit)
}

// ErrCancelled is the terminal error for a caller-cancelled exchange.
var ErrCancelled = errors.New("exchange cancelled")

// Classify maps any error to its stable classification string.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return ClassCancelled
	}
	var (
		cfg        *ConfigError
		transport  *TransportError
		incomplete *IncompleteStreamError
		proto      *ProtocolError
		argParse   *ArgumentParseError
		toolErr    *ToolError
		maxIter    *MaxToolIterationsError
	)
	switch {
	case errors.As(err, &cfg):
		return ClassConfiguration
	case errors.As(err, &incomplete):
		return ClassIncompleteStream
	case errors.As(err, &transport):
		return ClassTransport
	case errors.As(err, &proto):
		return ClassProtocol
	case errors.As(err, &argParse):
		return ClassArgumentParse
	case errors.As(err, &toolErr):
		return ClassToolExecution
	case errors.As(err, &maxIter):
		return ClassMaxToolIterations
	}
	return ClassUnknown
}

// Retryable reports whether an error may be retried transparently, which is
// only safe for transport-level failures.
func Retryable(err error) bool {
	var transport *TransportError
	return errors.As(err, &transport)
}
