// Package inmem provides an in-process engine for tests and single-node
// runs. Workflows execute on goroutines against the real clock and nothing
// survives a process restart, but the scheduling surface matches the durable
// engine: futures, awaits, signals and retry policies behave the same way.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/telemetry"
)

type (
	// Engine runs workflows on goroutines and activities inline with a
	// retry loop. Safe for concurrent use.
	Engine struct {
		logger telemetry.Logger
		seq    atomic.Int64

		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]engine.ActivityDefinition
		running    map[string]*handle
		statuses   map[string]engine.RunStatus
	}

	// Options configures the engine.
	Options struct {
		// Logger receives workflow and activity diagnostics. Nil means no
		// logging.
		Logger telemetry.Logger
	}

	handle struct {
		workflowID string
		runID      string
		wf         *workflowContext
		done       chan struct{}
		result     []byte
		err        error
	}

	workflowContext struct {
		engine *Engine
		handle *handle

		mu      sync.Mutex
		signals map[string]*signalQueue
	}

	signalQueue struct {
		ch chan []byte
	}

	future struct {
		done   chan struct{}
		result []byte
		err    error
	}

	receiver struct {
		q *signalQueue
	}
)

// New builds an empty engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		logger:     logger,
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		running:    make(map[string]*handle),
		statuses:   make(map[string]engine.RunStatus),
	}
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("workflow %q has no handler", def.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[def.Name]; ok {
		return fmt.Errorf("workflow %q is already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(def engine.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("activity name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("activity %q has no handler", def.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.activities[def.Name]; ok {
		return fmt.Errorf("activity %q is already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// StartWorkflow implements engine.Engine. Starting an ID that is already
// running returns the running handle.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	if req.WorkflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("encode workflow input: %w", err)
	}

	e.mu.Lock()
	if h, ok := e.running[req.WorkflowID]; ok {
		e.mu.Unlock()
		return h, nil
	}
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q is not registered", req.Workflow)
	}
	h := &handle{
		workflowID: req.WorkflowID,
		runID:      fmt.Sprintf("run-%d", e.seq.Add(1)),
		done:       make(chan struct{}),
	}
	h.wf = &workflowContext{
		engine:  e,
		handle:  h,
		signals: make(map[string]*signalQueue),
	}
	e.running[req.WorkflowID] = h
	e.statuses[req.WorkflowID] = engine.StatusRunning
	e.mu.Unlock()

	go e.run(def, h, input)
	return h, nil
}

func (e *Engine) run(def engine.WorkflowDefinition, h *handle, input []byte) {
	result, err := def.Handler(h.wf, input)
	h.result, h.err = result, err

	status := engine.StatusCompleted
	if err != nil {
		status = engine.StatusFailed
		e.logger.Error(context.Background(), "workflow failed",
			"workflow_id", h.workflowID, "run_id", h.runID, "err", err)
	}
	e.mu.Lock()
	e.statuses[h.workflowID] = status
	delete(e.running, h.workflowID)
	e.mu.Unlock()
	close(h.done)
}

// Signal implements engine.Engine.
func (e *Engine) Signal(_ context.Context, workflowID, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.running[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal payload: %w", err)
	}
	h.wf.deliver(name, data)
	return nil
}

// RunStatus implements engine.Engine.
func (e *Engine) RunStatus(_ context.Context, workflowID string) (engine.RunStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[workflowID]
	if !ok {
		return engine.StatusUnknown, engine.ErrWorkflowNotFound
	}
	return status, nil
}

func (e *Engine) activity(name string) (engine.ActivityDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.activities[name]
	return def, ok
}

// invoke runs one activity with the merged retry policy.
func (e *Engine) invoke(ctx context.Context, def engine.ActivityDefinition, input []byte, opts engine.ActivityOptions) ([]byte, error) {
	policy := engine.DefaultRetryPolicy()
	if opts.Retry != nil {
		policy = *opts.Retry
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffCoefficient <= 0 {
		policy.BackoffCoefficient = 2.0
	}

	delay := policy.InitialInterval
	var lastErr error
	for attempt := 1; ; attempt++ {
		out, err := e.attempt(ctx, def.Handler, input, opts.Timeout)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt >= policy.MaxAttempts || !retryable(err, policy) {
			break
		}
		e.logger.Debug(ctx, "retrying activity",
			"activity", def.Name, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * policy.BackoffCoefficient)
		if policy.MaxInterval > 0 && delay > policy.MaxInterval {
			delay = policy.MaxInterval
		}
	}
	return nil, lastErr
}

func (e *Engine) attempt(ctx context.Context, fn engine.ActivityFunc, input []byte, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, input)
}

func retryable(err error, policy engine.RetryPolicy) bool {
	t := engine.ErrorTypeOf(err)
	if t == "" {
		return true
	}
	for _, nt := range policy.NonRetryable {
		if t == nt {
			return false
		}
	}
	return true
}

// Context implements engine.WorkflowContext.
func (w *workflowContext) Context() context.Context { return context.Background() }

// WorkflowID implements engine.WorkflowContext.
func (w *workflowContext) WorkflowID() string { return w.handle.workflowID }

// RunID implements engine.WorkflowContext.
func (w *workflowContext) RunID() string { return w.handle.runID }

// Now implements engine.WorkflowContext with the real clock. The in-memory
// engine never replays, so wall time is safe here.
func (w *workflowContext) Now() time.Time { return time.Now() }

// Logger implements engine.WorkflowContext.
func (w *workflowContext) Logger() telemetry.Logger { return w.engine.logger }

// ExecuteActivity implements engine.WorkflowContext.
func (w *workflowContext) ExecuteActivity(ctx context.Context, call engine.ActivityCall, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, call)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

// ExecuteActivityAsync implements engine.WorkflowContext.
func (w *workflowContext) ExecuteActivityAsync(ctx context.Context, call engine.ActivityCall) (engine.Future, error) {
	if call.Name == "" {
		return nil, errors.New("activity name is required")
	}
	def, ok := w.engine.activity(call.Name)
	if !ok {
		return nil, fmt.Errorf("activity %q is not registered", call.Name)
	}
	input, err := json.Marshal(call.Input)
	if err != nil {
		return nil, fmt.Errorf("encode activity input: %w", err)
	}
	opts := engine.MergeOptions(def.Options, call.Options)

	f := &future{done: make(chan struct{})}
	go func() {
		out, err := w.engine.invoke(ctx, def, input, opts)
		f.result, f.err = out, err
		close(f.done)
	}()
	return f, nil
}

// Await implements engine.WorkflowContext by polling cond.
func (w *workflowContext) Await(ctx context.Context, cond func() bool) error {
	if cond() {
		return nil
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}

// Signals implements engine.WorkflowContext.
func (w *workflowContext) Signals(name string) engine.Receiver {
	return &receiver{q: w.queue(name)}
}

func (w *workflowContext) queue(name string) *signalQueue {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.signals[name]
	if !ok {
		q = &signalQueue{ch: make(chan []byte, 64)}
		w.signals[name] = q
	}
	return q
}

func (w *workflowContext) deliver(name string, data []byte) {
	q := w.queue(name)
	select {
	case q.ch <- data:
	default:
		w.engine.logger.Warn(context.Background(), "signal buffer full, dropping",
			"workflow_id", w.handle.workflowID, "signal", name)
	}
}

// WorkflowID implements engine.Handle.
func (h *handle) WorkflowID() string { return h.workflowID }

// RunID implements engine.Handle.
func (h *handle) RunID() string { return h.runID }

// Get implements engine.Handle.
func (h *handle) Get(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
	}
	if h.err != nil {
		return h.err
	}
	if result == nil || len(h.result) == 0 {
		return nil
	}
	return json.Unmarshal(h.result, result)
}

// Get implements engine.Future.
func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
	}
	if f.err != nil {
		return f.err
	}
	if result == nil || len(f.result) == 0 {
		return nil
	}
	return json.Unmarshal(f.result, result)
}

// IsReady implements engine.Future.
func (f *future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Receive implements engine.Receiver.
func (r *receiver) Receive(ctx context.Context, out any) bool {
	select {
	case <-ctx.Done():
		return false
	case data, ok := <-r.q.ch:
		if !ok {
			return false
		}
		return decodeSignal(data, out)
	}
}

// ReceiveAsync implements engine.Receiver.
func (r *receiver) ReceiveAsync(out any) bool {
	select {
	case data := <-r.q.ch:
		return decodeSignal(data, out)
	default:
		return false
	}
}

func decodeSignal(data []byte, out any) bool {
	if out == nil || len(data) == 0 {
		return true
	}
	return json.Unmarshal(data, out) == nil
}
