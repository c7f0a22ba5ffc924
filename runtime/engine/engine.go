// Package engine abstracts the durable workflow host that runs agent
// invocations. Implementations provide deterministic workflow execution with
// recorded activity results: a Temporal adapter for production and an
// in-memory engine for tests and local runs.
//
// Payloads cross the engine boundary as JSON. Activities and workflows
// register byte handlers; the generic Activity and Workflow adapters wrap
// typed functions so call sites stay typed while the engine remains
// codec-agnostic.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/ensembleworks/ensemble/runtime/telemetry"
)

type (
	// Engine hosts workflows and activities. Registration happens once at
	// process startup, before any workflow starts.
	Engine interface {
		// RegisterWorkflow makes a workflow definition startable.
		RegisterWorkflow(def WorkflowDefinition) error

		// RegisterActivity makes an activity callable from workflows.
		RegisterActivity(def ActivityDefinition) error

		// StartWorkflow begins a workflow run. Starting a workflow ID that
		// is already running attaches to the running execution instead of
		// failing, so retried callers converge on one run.
		StartWorkflow(ctx context.Context, req StartRequest) (Handle, error)

		// Signal delivers a named payload to a running workflow.
		Signal(ctx context.Context, workflowID, name string, payload any) error

		// RunStatus reports the lifecycle state of a workflow run.
		RunStatus(ctx context.Context, workflowID string) (RunStatus, error)
	}

	// WorkflowContext is the deterministic execution surface handed to
	// workflow handlers. Implementations guarantee replay safety: Now is
	// workflow time, activity results are recorded, and Await wakes only on
	// recorded state changes. Workflow code must not reach outside it for
	// time, randomness or I/O.
	WorkflowContext interface {
		// Context returns the base context for activity scheduling.
		Context() context.Context

		// WorkflowID returns the caller-chosen workflow identifier.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// Now returns the current workflow time.
		Now() time.Time

		// Logger returns a replay-safe logger.
		Logger() telemetry.Logger

		// ExecuteActivity runs an activity to completion and decodes its
		// output into result, which must be a pointer. A nil result
		// discards the output.
		ExecuteActivity(ctx context.Context, call ActivityCall, result any) error

		// ExecuteActivityAsync schedules an activity and returns a future
		// for its result.
		ExecuteActivityAsync(ctx context.Context, call ActivityCall) (Future, error)

		// Await blocks until cond returns true. cond must be deterministic;
		// it is re-evaluated whenever recorded state changes.
		Await(ctx context.Context, cond func() bool) error

		// Signals returns the receiver for a named signal channel.
		Signals(name string) Receiver
	}

	// Future is a pending activity result.
	Future interface {
		// Get blocks until the result is available and decodes it into
		// result. A nil result discards the output.
		Get(ctx context.Context, result any) error

		// IsReady reports whether Get would return without blocking.
		IsReady() bool
	}

	// Receiver drains one named signal channel of a workflow.
	Receiver interface {
		// Receive blocks until a payload arrives and decodes it into out.
		// It returns false when the channel is closed.
		Receive(ctx context.Context, out any) bool

		// ReceiveAsync decodes a buffered payload into out without
		// blocking. It returns false when none is pending.
		ReceiveAsync(out any) bool
	}

	// ActivityFunc is the registered form of an activity: JSON in, JSON
	// out. Use Activity to adapt a typed function.
	ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

	// ActivityDefinition registers an activity under a stable name with
	// its default scheduling options.
	ActivityDefinition struct {
		Name    string
		Options ActivityOptions
		Handler ActivityFunc
	}

	// WorkflowHandler is the registered form of a workflow: JSON in, JSON
	// out, every effect through the workflow context. Use Workflow to
	// adapt a typed function.
	WorkflowHandler func(wf WorkflowContext, input []byte) ([]byte, error)

	// WorkflowDefinition registers a workflow under a stable name.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowHandler
	}

	// ActivityCall schedules one activity execution.
	ActivityCall struct {
		// Name is the registered activity name.
		Name string

		// Input is JSON-encoded and handed to the activity handler.
		Input any

		// Options overrides the registered defaults when non-nil.
		Options *ActivityOptions
	}

	// ActivityOptions bound one activity execution.
	ActivityOptions struct {
		// Queue routes the activity to a named worker pool. Empty inherits
		// the workflow's queue.
		Queue string

		// Timeout bounds a single attempt. Zero means the engine default.
		Timeout time.Duration

		// Retry overrides the default retry policy when non-nil.
		Retry *RetryPolicy
	}

	// RetryPolicy bounds automatic retries of a failed activity.
	RetryPolicy struct {
		// MaxAttempts caps total attempts including the first. One
		// disables retries.
		MaxAttempts int

		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration

		// BackoffCoefficient multiplies the delay after every attempt.
		BackoffCoefficient float64

		// MaxInterval caps the backoff delay.
		MaxInterval time.Duration

		// NonRetryable lists error types that fail immediately. Activity
		// errors expose their type through TypedError.
		NonRetryable []string
	}

	// StartRequest describes a workflow to start.
	StartRequest struct {
		// WorkflowID is the caller-chosen identifier, unique among running
		// workflows.
		WorkflowID string

		// Workflow names the registered definition.
		Workflow string

		// TaskQueue overrides the definition's queue when non-empty.
		TaskQueue string

		// Input is JSON-encoded and handed to the workflow handler.
		Input any
	}

	// Handle tracks a started workflow run.
	Handle interface {
		// WorkflowID returns the caller-chosen identifier.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// Get blocks until the workflow completes and decodes its result
		// into result. A nil result discards the output.
		Get(ctx context.Context, result any) error
	}

	// TypedError attaches a stable type string to an error so retry
	// policies and workflow code can branch on it across the engine
	// boundary, where concrete Go types do not survive serialization.
	TypedError interface {
		error
		ErrorType() string
	}

	// RemoteError is an activity or workflow failure that crossed the
	// engine boundary. The original type string is preserved; the original
	// Go value is not.
	RemoteError struct {
		Type    string
		Message string
		Cause   error
	}

	// RunStatus is the coarse lifecycle state of a workflow run.
	RunStatus string
)

const (
	// StatusRunning marks a workflow still executing.
	StatusRunning RunStatus = "running"

	// StatusCompleted marks a workflow that returned a result.
	StatusCompleted RunStatus = "completed"

	// StatusFailed marks a workflow that returned an error.
	StatusFailed RunStatus = "failed"

	// StatusCanceled marks a workflow canceled before completion.
	StatusCanceled RunStatus = "canceled"

	// StatusTerminated marks a workflow killed without running cleanup.
	StatusTerminated RunStatus = "terminated"

	// StatusTimedOut marks a workflow that exceeded its execution timeout.
	StatusTimedOut RunStatus = "timed_out"

	// StatusUnknown marks a state the engine could not map.
	StatusUnknown RunStatus = "unknown"
)

// ErrWorkflowNotFound reports an operation against an unknown workflow ID.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Error implements the error interface.
func (e *RemoteError) Error() string { return e.Message }

// Unwrap returns the engine-level cause.
func (e *RemoteError) Unwrap() error { return e.Cause }

// ErrorType returns the stable type recorded at the failure site.
func (e *RemoteError) ErrorType() string { return e.Type }

// ErrorTypeOf extracts the stable error type from err's chain, or empty when
// none is attached.
func ErrorTypeOf(err error) string {
	var te TypedError
	if errors.As(err, &te) {
		return te.ErrorType()
	}
	return ""
}

// DefaultRetryPolicy is applied when neither the activity definition nor the
// call sets one: three attempts with exponential backoff from one second
// capped at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxInterval:        time.Minute,
	}
}

// MergeOptions layers a per-call override over registered defaults. Zero
// fields keep the default.
func MergeOptions(defaults ActivityOptions, override *ActivityOptions) ActivityOptions {
	if override == nil {
		return defaults
	}
	merged := defaults
	if override.Queue != "" {
		merged.Queue = override.Queue
	}
	if override.Timeout != 0 {
		merged.Timeout = override.Timeout
	}
	if override.Retry != nil {
		merged.Retry = override.Retry
	}
	return merged
}
