package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies run failures. Kinds cross the engine boundary as
// stable strings so clients and retry policies can branch on them without
// depending on Go types.
type ErrorKind string

const (
	// KindConfigInvalid marks structurally invalid agent configuration.
	// Raised before any work starts and never retried.
	KindConfigInvalid ErrorKind = "config_invalid"

	// KindInputUnsafe marks user input rejected by the safety filter.
	KindInputUnsafe ErrorKind = "input_unsafe"

	// KindOutputUnsafe marks generated output rejected by the safety filter.
	KindOutputUnsafe ErrorKind = "output_unsafe"

	// KindToolUnknown marks a request for a tool that is not registered.
	KindToolUnknown ErrorKind = "tool_unknown"

	// KindToolExecution marks a tool that ran and failed.
	KindToolExecution ErrorKind = "tool_execution"

	// KindChildUnavailable marks a child agent call rejected by an open
	// circuit breaker or a missing child definition.
	KindChildUnavailable ErrorKind = "child_unavailable"

	// KindTransport marks network-level failures talking to providers or
	// tool servers.
	KindTransport ErrorKind = "transport"

	// KindTimeout marks an operation that exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindMaxIterations marks a run that hit its iteration ceiling and
	// returned the best content produced so far.
	KindMaxIterations ErrorKind = "max_iterations"

	// KindSchemaParse marks malformed structured output, for example
	// unparseable tool arguments after normalization.
	KindSchemaParse ErrorKind = "schema_parse"

	// KindFatal marks unrecoverable internal failures.
	KindFatal ErrorKind = "fatal"
)

// Error is the run-level error type. Kind is always set; Err is optional and
// preserved for errors.Is and errors.As.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// ErrorType returns the kind as a stable string. The workflow engine matches
// it against retry policies, so renaming a kind is a breaking change.
func (e *Error) ErrorType() string { return string(e.Kind) }

// NewError builds an Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from err's chain. Errors that never passed
// through this package report KindFatal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// Retryable reports whether the run layer may retry the failed operation.
// Safety rejections, configuration errors and schema failures are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout, KindToolExecution:
		return true
	}
	return false
}
