// Package worker implements the registration, dispatch, and lifecycle
// machinery that binds a Registry of Definitions to a running orchestrator
// (spec §4.7). One Worker serves one deployment connection.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
	"github.com/polos-dev/polos-go/executor"
	"github.com/polos-dev/polos-go/sandbox"
)

// dispatchEventType is the event bus type the orchestrator publishes on a
// worker's own dispatch topic to hand it an execution. Delivery is pull:
// the worker long-polls its topic (spec §4.7 "push endpoint or pull loop";
// a push listener is an alternate transport a deployment can front with its
// own HTTP server, not this package's concern).
const dispatchEventType = "execution_dispatch"

func dispatchTopic(workerID string) string { return "worker/" + workerID + "/dispatch" }

type dispatchEvent struct {
	Execution polos.ExecutionContext `json:"execution"`
	Payload   json.RawMessage        `json:"payload"`
}

// Config bounds one Worker's registration and runtime behavior.
type Config struct {
	ProjectID              string
	DeploymentName         string
	Runtime                string
	Queues                 []client.QueueSpec
	MaxConcurrentWorkflows int
	PushEndpointURL        string
	HeartbeatInterval      time.Duration
	DispatchPollInterval   time.Duration
	CancelPollInterval     time.Duration
	ShutdownGracePeriod    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Runtime == "" {
		c.Runtime = "go"
	}
	if c.MaxConcurrentWorkflows <= 0 {
		c.MaxConcurrentWorkflows = 100
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.DispatchPollInterval <= 0 {
		c.DispatchPollInterval = 2 * time.Second
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = 3 * time.Second
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 30 * time.Second
	}
	return c
}

// Option configures a Worker beyond Config.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// Worker registers a Registry's Definitions with the orchestrator, then
// dispatches incoming executions to an Executor under a concurrency limit
// until Shutdown drains in-flight work.
type Worker struct {
	c         client.Client
	registry  *polos.Registry
	exec      *executor.Executor
	sandboxes *sandbox.Manager
	cfg       Config
	logger    *slog.Logger

	deploymentID string
	workerID     string

	sem      chan struct{}
	inFlight sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Worker. sandboxes may be nil if the registry has no
// workflow_type == tool definitions that require one.
func New(c client.Client, registry *polos.Registry, exec *executor.Executor, sandboxes *sandbox.Manager, cfg Config, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		c:         c,
		registry:  registry,
		exec:      exec,
		sandboxes: sandboxes,
		cfg:       cfg,
		logger:    slog.New(slog.DiscardHandler),
		sem:       make(chan struct{}, cfg.MaxConcurrentWorkflows),
		cancels:   make(map[string]context.CancelFunc),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WorkerID returns the identifier assigned by RegisterWorker, empty before
// Register has run.
func (w *Worker) WorkerID() string { return w.workerID }

// Register runs the startup sequence (spec §4.7): register deployment,
// register queues, register every Definition, register the worker itself
// with its capability set, mark online.
func (w *Worker) Register(ctx context.Context) error {
	depResp, err := w.c.RegisterDeployment(ctx, client.RegisterDeploymentRequest{
		ProjectID: w.cfg.ProjectID,
		Name:      w.cfg.DeploymentName,
	})
	if err != nil {
		return fmt.Errorf("worker: register deployment: %w", err)
	}
	w.deploymentID = depResp.DeploymentID

	if err := w.c.RegisterQueues(ctx, w.deploymentID, w.queues()); err != nil {
		return fmt.Errorf("worker: register queues: %w", err)
	}

	defs := w.registry.All()
	specs := make([]client.WorkflowSpec, 0, len(defs))
	var agentIDs, toolIDs, workflowIDs []string
	for _, def := range defs {
		specs = append(specs, client.WorkflowSpec{ID: def.ID, WorkflowType: def.WorkflowType, Queue: def.Queue})
		switch def.WorkflowType {
		case polos.WorkflowTypeAgent:
			agentIDs = append(agentIDs, def.ID)
		case polos.WorkflowTypeTool:
			toolIDs = append(toolIDs, def.ID)
		default:
			workflowIDs = append(workflowIDs, def.ID)
		}
	}
	if err := w.c.RegisterWorkflows(ctx, w.deploymentID, specs); err != nil {
		return fmt.Errorf("worker: register workflows: %w", err)
	}

	workerResp, err := w.c.RegisterWorker(ctx, client.RegisterWorkerRequest{
		DeploymentID:    w.deploymentID,
		Runtime:         w.cfg.Runtime,
		AgentIDs:        agentIDs,
		ToolIDs:         toolIDs,
		WorkflowIDs:     workflowIDs,
		PushEndpointURL: w.cfg.PushEndpointURL,
	})
	if err != nil {
		return fmt.Errorf("worker: register worker: %w", err)
	}
	w.workerID = workerResp.WorkerID

	if err := w.c.MarkOnline(ctx, w.workerID); err != nil {
		return fmt.Errorf("worker: mark online: %w", err)
	}
	return nil
}

func (w *Worker) queues() []client.QueueSpec {
	if len(w.cfg.Queues) > 0 {
		return w.cfg.Queues
	}
	seen := make(map[string]bool)
	var queues []client.QueueSpec
	for _, def := range w.registry.All() {
		name := def.Queue
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		queues = append(queues, client.QueueSpec{Name: name})
	}
	if len(queues) == 0 {
		queues = []client.QueueSpec{{Name: "default"}}
	}
	return queues
}

// Run registers the worker, starts the heartbeat and sandbox sweep loops,
// then dispatches until ctx is cancelled or Shutdown is called.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Register(ctx); err != nil {
		return err
	}
	if w.sandboxes != nil {
		w.sandboxes.Start()
	}

	go w.heartbeatLoop(ctx)
	w.dispatchLoop(ctx)
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.c.Heartbeat(ctx, w.workerID); err != nil {
				w.logger.Warn("worker: heartbeat failed", "err", err)
			}
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	var cursor int64
	ticker := time.NewTicker(w.cfg.DispatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stream, err := w.c.StreamEvents(ctx, client.StreamOptions{Topic: dispatchTopic(w.workerID), FromSequenceID: cursor})
		if err != nil {
			w.logger.Warn("worker: stream dispatch events failed", "err", err)
			continue
		}
		w.drain(ctx, stream, &cursor)
		stream.Close()
	}
}

func (w *Worker) drain(ctx context.Context, stream client.EventStream, cursor *int64) {
	for {
		ev, ok, err := stream.Next(ctx)
		if err != nil {
			w.logger.Warn("worker: read dispatch event failed", "err", err)
			return
		}
		if !ok {
			return
		}
		*cursor = ev.SequenceID
		if ev.EventType != dispatchEventType {
			continue
		}
		var disp dispatchEvent
		if err := json.Unmarshal(ev.Data, &disp); err != nil {
			w.logger.Warn("worker: decode dispatch event failed", "err", err)
			continue
		}
		w.accept(ctx, disp)
	}
}

// accept is the execution lifecycle's steps 2-3 (spec §4.7): acquire a
// concurrency slot or refuse, then dispatch inside it. Refusal fails the
// execution retryably so the orchestrator redelivers it elsewhere; this
// stands in for a push transport's synchronous accept/refuse response.
func (w *Worker) accept(ctx context.Context, disp dispatchEvent) {
	select {
	case w.sem <- struct{}{}:
	default:
		w.logger.Warn("worker: refusing dispatch, at capacity", "execution_id", disp.Execution.ExecutionID)
		if err := w.c.Fail(ctx, disp.Execution.ExecutionID, "worker at capacity", true, nil); err != nil {
			w.logger.Warn("worker: report refusal failed", "err", err)
		}
		return
	}

	w.inFlight.Add(1)
	go func() {
		defer func() {
			<-w.sem
			w.inFlight.Done()
		}()
		w.runExecution(ctx, disp.Execution, disp.Payload)
	}()
}

func (w *Worker) runExecution(ctx context.Context, execCtx polos.ExecutionContext, payload json.RawMessage) {
	def, ok := w.registry.Get(execCtx.WorkflowID)
	if !ok {
		if err := w.c.Fail(ctx, execCtx.ExecutionID, fmt.Sprintf("unknown workflow %q", execCtx.WorkflowID), false, nil); err != nil {
			w.logger.Warn("worker: report unknown workflow failed", "err", err)
		}
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancels[execCtx.ExecutionID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.cancels, execCtx.ExecutionID)
		w.mu.Unlock()
		cancel()
	}()

	var cancelled atomic.Bool
	stopPoll := make(chan struct{})
	go w.pollCancellation(runCtx, execCtx.ExecutionID, &cancelled, stopPoll)
	defer close(stopPoll)

	result := w.exec.Execute(runCtx, def, payload, execCtx, cancelled.Load)

	w.report(ctx, execCtx, result)

	if w.sandboxes != nil {
		w.sandboxes.OnExecutionComplete(ctx, execCtx.ExecutionID)
	}
}

// pollCancellation implements the abort signal: it periodically checks
// whether the orchestrator has recorded a cancellation for this execution
// and, once it has, flips cancelled so the step helper's next boundary
// check raises CancellationError (spec §4.7 "Cancellation").
func (w *Worker) pollCancellation(ctx context.Context, executionID string, cancelled *atomic.Bool, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := w.c.GetExecution(ctx, executionID)
			if err == nil && info.Cancelled {
				cancelled.Store(true)
				return
			}
		}
	}
}

func (w *Worker) report(ctx context.Context, execCtx polos.ExecutionContext, result executor.Result) {
	if result.Waiting {
		// The step helper already called SetWaiting before raising WaitSignal;
		// there is nothing left for the worker to report.
		return
	}

	if result.Success {
		if err := w.c.Complete(ctx, execCtx.ExecutionID, result.Result, result.FinalState); err != nil {
			w.logger.Warn("worker: report completion failed", "err", err)
		}
		return
	}

	var cancelErr *polos.CancellationError
	if errors.As(result.Err, &cancelErr) {
		if err := w.c.ConfirmCancellation(ctx, execCtx.ExecutionID); err != nil {
			w.logger.Warn("worker: confirm cancellation failed", "err", err)
		}
		return
	}

	msg := ""
	if result.Err != nil {
		msg = result.Err.Error()
	}
	if err := w.c.Fail(ctx, execCtx.ExecutionID, msg, result.Retryable, result.FinalState); err != nil {
		w.logger.Warn("worker: report failure failed", "err", err)
	}
}

// Shutdown stops accepting new dispatches and waits for in-flight
// executions to drain, up to ShutdownGracePeriod; anything still running
// past that is cancelled. All sandboxes are destroyed before returning
// (spec §4.7 "Shutdown").
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGracePeriod):
		w.mu.Lock()
		for _, cancel := range w.cancels {
			cancel()
		}
		w.mu.Unlock()
		<-done
	}

	if w.sandboxes != nil {
		w.sandboxes.DestroyAll(ctx)
		w.sandboxes.Close()
	}
	return nil
}
