package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/telemetry"
)

type (
	workflowContext struct {
		engine     *Engine
		ctx        workflow.Context
		workflowID string
		runID      string
	}

	workflowHandle struct {
		run clientWorkflowRun
	}

	// clientWorkflowRun is the slice of client.WorkflowRun the handle needs.
	clientWorkflowRun interface {
		GetID() string
		GetRunID() string
		Get(ctx context.Context, valuePtr any) error
	}

	temporalFuture struct {
		future workflow.Future
		ctx    workflow.Context
	}

	temporalReceiver struct {
		ctx workflow.Context
		ch  workflow.ReceiveChannel
	}

	workflowLogger struct {
		logger log.Logger
	}
)

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
}

// Context implements engine.WorkflowContext.
func (w *workflowContext) Context() context.Context { return context.Background() }

// WorkflowID implements engine.WorkflowContext.
func (w *workflowContext) WorkflowID() string { return w.workflowID }

// RunID implements engine.WorkflowContext.
func (w *workflowContext) RunID() string { return w.runID }

// Now implements engine.WorkflowContext with workflow time.
func (w *workflowContext) Now() time.Time { return workflow.Now(w.ctx) }

// Logger implements engine.WorkflowContext with Temporal's replay-safe
// workflow logger.
func (w *workflowContext) Logger() telemetry.Logger {
	return &workflowLogger{logger: workflow.GetLogger(w.ctx)}
}

// ExecuteActivity implements engine.WorkflowContext.
func (w *workflowContext) ExecuteActivity(ctx context.Context, call engine.ActivityCall, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, call)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

// ExecuteActivityAsync implements engine.WorkflowContext.
func (w *workflowContext) ExecuteActivityAsync(_ context.Context, call engine.ActivityCall) (engine.Future, error) {
	if call.Name == "" {
		return nil, errors.New("activity name is required")
	}
	input, err := json.Marshal(call.Input)
	if err != nil {
		return nil, fmt.Errorf("encode activity input: %w", err)
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call))
	fut := workflow.ExecuteActivity(actx, call.Name, json.RawMessage(input))
	return &temporalFuture{future: fut, ctx: actx}, nil
}

// Await implements engine.WorkflowContext.
func (w *workflowContext) Await(ctx context.Context, cond func() bool) error {
	if cond == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, cond)
}

// Signals implements engine.WorkflowContext.
func (w *workflowContext) Signals(name string) engine.Receiver {
	return &temporalReceiver{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

func (w *workflowContext) activityOptionsFor(call engine.ActivityCall) workflow.ActivityOptions {
	merged := engine.MergeOptions(w.engine.activityDefaultsFor(call.Name), call.Options)
	queue := merged.Queue
	timeout := merged.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	retry := merged.Retry
	if retry == nil {
		def := engine.DefaultRetryPolicy()
		retry = &def
	}
	return workflow.ActivityOptions{
		TaskQueue:           queue,
		StartToCloseTimeout: timeout,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

func convertRetryPolicy(p *engine.RetryPolicy) *temporal.RetryPolicy {
	if p == nil {
		return nil
	}
	return &temporal.RetryPolicy{
		MaximumAttempts:        int32(p.MaxAttempts),
		InitialInterval:        p.InitialInterval,
		BackoffCoefficient:     p.BackoffCoefficient,
		MaximumInterval:        p.MaxInterval,
		NonRetryableErrorTypes: p.NonRetryable,
	}
}

// convertError rebuilds the stable error type after the concrete Go value was
// lost to serialization.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return &engine.RemoteError{Type: appErr.Type(), Message: appErr.Error(), Cause: err}
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &engine.RemoteError{Type: "timeout", Message: err.Error(), Cause: err}
	}
	return err
}

// WorkflowID implements engine.Handle.
func (h *workflowHandle) WorkflowID() string { return h.run.GetID() }

// RunID implements engine.Handle.
func (h *workflowHandle) RunID() string { return h.run.GetRunID() }

// Get implements engine.Handle.
func (h *workflowHandle) Get(ctx context.Context, result any) error {
	var raw json.RawMessage
	if err := h.run.Get(ctx, &raw); err != nil {
		return convertError(err)
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, result)
}

// Get implements engine.Future.
func (f *temporalFuture) Get(_ context.Context, result any) error {
	var raw json.RawMessage
	if err := f.future.Get(f.ctx, &raw); err != nil {
		return convertError(err)
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, result)
}

// IsReady implements engine.Future.
func (f *temporalFuture) IsReady() bool { return f.future.IsReady() }

// Receive implements engine.Receiver.
func (r *temporalReceiver) Receive(ctx context.Context, out any) bool {
	if ctx.Err() != nil {
		return false
	}
	var raw json.RawMessage
	more := r.ch.Receive(r.ctx, &raw)
	if !more {
		return false
	}
	return decodeSignal(raw, out)
}

// ReceiveAsync implements engine.Receiver.
func (r *temporalReceiver) ReceiveAsync(out any) bool {
	var raw json.RawMessage
	if !r.ch.ReceiveAsync(&raw) {
		return false
	}
	return decodeSignal(raw, out)
}

func decodeSignal(raw json.RawMessage, out any) bool {
	if out == nil || len(raw) == 0 {
		return true
	}
	return json.Unmarshal(raw, out) == nil
}

func (l *workflowLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	l.logger.Debug(msg, keyvals...)
}

func (l *workflowLogger) Info(_ context.Context, msg string, keyvals ...any) {
	l.logger.Info(msg, keyvals...)
}

func (l *workflowLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	l.logger.Warn(msg, keyvals...)
}

func (l *workflowLogger) Error(_ context.Context, msg string, keyvals ...any) {
	l.logger.Error(msg, keyvals...)
}
