// Package temporal adapts the engine abstraction to Temporal. One worker is
// created per task queue; OTEL tracing and metrics are wired into the client
// and workers unless disabled. Payloads travel as raw JSON so the default
// data converter round-trips them without type registration.
package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/ensembleworks/ensemble/runtime/engine"
	"github.com/ensembleworks/ensemble/runtime/telemetry"
)

type (
	// Options configures the adapter. Either Client or ClientOptions must be
	// set, and WorkerOptions.TaskQueue names the default queue.
	Options struct {
		// Client is a pre-built Temporal client. When nil the adapter
		// creates a lazy client from ClientOptions and owns its lifecycle.
		Client client.Client

		// ClientOptions builds the client when Client is nil. Only
		// connection fields need to be set; instrumentation is appended.
		ClientOptions *client.Options

		// WorkerOptions configures the per-queue workers.
		WorkerOptions WorkerOptions

		// Instrumentation toggles OTEL tracing and metrics. Both default
		// to enabled.
		Instrumentation InstrumentationOptions

		// DisableWorkerAutoStart keeps workers stopped until
		// Worker().Start() is called.
		DisableWorkerAutoStart bool

		// Logger emits worker diagnostics. Nil means no logging.
		Logger telemetry.Logger
	}

	// WorkerOptions is shared by every worker the engine creates.
	WorkerOptions struct {
		// TaskQueue is the default queue for definitions that omit one.
		TaskQueue string

		// Options passes through to worker.New.
		Options worker.Options
	}

	// InstrumentationOptions controls the OTEL wiring.
	InstrumentationOptions struct {
		// DisableTracing skips the tracing interceptor.
		DisableTracing bool

		// DisableMetrics skips the metrics handler.
		DisableMetrics bool

		// TracerOptions customizes the tracing interceptor.
		TracerOptions temporalotel.TracerOptions

		// MetricsOptions customizes the metrics handler.
		MetricsOptions temporalotel.MetricsHandlerOptions
	}

	// Engine implements engine.Engine on Temporal. Safe for concurrent use.
	Engine struct {
		client      client.Client
		closeClient bool

		defaultQueue      string
		workerOpts        worker.Options
		autoStartDisabled bool
		logger            telemetry.Logger

		mu              sync.Mutex
		workers         map[string]*workerBundle
		workersStarted  bool
		workflows       map[string]struct{}
		activityOptions map[string]engine.ActivityOptions
	}

	// WorkerController starts and stops every worker the engine manages.
	WorkerController struct {
		engine *Engine
	}

	workerBundle struct {
		queue  string
		worker worker.Worker
		logger telemetry.Logger

		startOnce sync.Once
	}

	instrumentation struct {
		tracer  interceptor.Interceptor
		metrics client.MetricsHandler
	}
)

// New builds the adapter. The client is lazy, so no connection is attempted
// until the first call that needs one.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, errors.New("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]struct{}),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("temporal engine: workflow name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow %q has no handler", def.Name)
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.workflows[def.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: workflow %q is already registered", def.Name)
	}
	e.workflows[def.Name] = struct{}{}
	e.mu.Unlock()

	handler := func(wctx workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		out, err := def.Handler(newWorkflowContext(e, wctx), []byte(input))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(out), nil
	}
	bundle.worker.RegisterWorkflowWithOptions(handler, workflow.RegisterOptions{Name: def.Name})
	return nil
}

// RegisterActivity implements engine.Engine. Typed activity errors are
// converted to application errors so their type survives the wire and
// NonRetryable lists keep working server-side.
func (e *Engine) RegisterActivity(def engine.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("temporal engine: activity name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: activity %q has no handler", def.Name)
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	handler := func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		out, err := def.Handler(ctx, []byte(input))
		if err != nil {
			if t := engine.ErrorTypeOf(err); t != "" {
				return nil, temporal.NewApplicationErrorWithCause(err.Error(), t, err)
			}
			return nil, err
		}
		return json.RawMessage(out), nil
	}
	bundle.worker.RegisterActivityWithOptions(handler, activity.RegisterOptions{Name: def.Name})

	e.mu.Lock()
	e.activityOptions[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartWorkflow implements engine.Engine. Starting a workflow ID that is
// already running attaches to the running execution: the client returns the
// existing run when WorkflowExecutionErrorWhenAlreadyStarted is unset.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	if req.Workflow == "" {
		return nil, errors.New("temporal engine: workflow name is required")
	}
	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}
	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: encode workflow input: %w", err)
	}

	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        req.WorkflowID,
		TaskQueue: queue,
	}, req.Workflow, json.RawMessage(input))
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.Workflow, err)
	}
	return &workflowHandle{run: run}, nil
}

// Signal implements engine.Engine.
func (e *Engine) Signal(ctx context.Context, workflowID, name string, payload any) error {
	if workflowID == "" {
		return errors.New("temporal engine: workflow id is required")
	}
	err := e.client.SignalWorkflow(ctx, workflowID, "", name, payload)
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return engine.ErrWorkflowNotFound
	}
	return err
}

// RunStatus implements engine.Engine.
func (e *Engine) RunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return engine.StatusUnknown, engine.ErrWorkflowNotFound
		}
		return engine.StatusUnknown, fmt.Errorf("temporal engine: describe workflow: %w", err)
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return engine.StatusUnknown, nil
	}
	return mapStatus(info.GetStatus()), nil
}

// Worker returns the lifecycle controller for every managed worker.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the client when the engine created it.
func (e *Engine) Close() {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	bundle := &workerBundle{
		queue:  queue,
		worker: worker.New(e.client, queue, e.workerOpts),
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

// Start launches all registered workers. Workers registered later start
// automatically.
func (c *WorkerController) Start() {
	c.engine.ensureWorkersStarted()
}

// Stop drains and stops every worker.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.worker.Stop()
	}
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited",
					"queue", b.queue, "err", err)
			}
		}()
	})
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

func mapStatus(s enums.WorkflowExecutionStatus) engine.RunStatus {
	switch s {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING, enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return engine.StatusRunning
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.StatusCompleted
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return engine.StatusFailed
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return engine.StatusCanceled
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.StatusTerminated
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.StatusTimedOut
	default:
		return engine.StatusUnknown
	}
}
