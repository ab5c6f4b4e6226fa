package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
	"github.com/polos-dev/polos-go/client/clienttest"
	"github.com/polos-dev/polos-go/executor"
)

// recordingClient wraps clienttest.Fake to capture the registration calls
// the Fake itself discards.
type recordingClient struct {
	*clienttest.Fake

	mu             sync.Mutex
	queues         []client.QueueSpec
	workflows      []client.WorkflowSpec
	registerWorker client.RegisterWorkerRequest
}

func newRecordingClient() *recordingClient {
	return &recordingClient{Fake: clienttest.New()}
}

func (r *recordingClient) RegisterQueues(ctx context.Context, deploymentID string, queues []client.QueueSpec) error {
	r.mu.Lock()
	r.queues = queues
	r.mu.Unlock()
	return r.Fake.RegisterQueues(ctx, deploymentID, queues)
}

func (r *recordingClient) RegisterWorkflows(ctx context.Context, deploymentID string, defs []client.WorkflowSpec) error {
	r.mu.Lock()
	r.workflows = defs
	r.mu.Unlock()
	return r.Fake.RegisterWorkflows(ctx, deploymentID, defs)
}

func (r *recordingClient) RegisterWorker(ctx context.Context, req client.RegisterWorkerRequest) (client.RegisterWorkerResponse, error) {
	r.mu.Lock()
	r.registerWorker = req
	r.mu.Unlock()
	return r.Fake.RegisterWorker(ctx, req)
}

func testConfig() Config {
	return Config{
		ProjectID:              "proj-1",
		DeploymentName:         "dep-test",
		MaxConcurrentWorkflows: 1,
		HeartbeatInterval:      time.Hour,
		DispatchPollInterval:   15 * time.Millisecond,
		CancelPollInterval:     time.Hour,
		ShutdownGracePeriod:    2 * time.Second,
	}
}

func publishDispatch(t *testing.T, c client.Client, workerID string, execCtx polos.ExecutionContext, payload json.RawMessage) {
	t.Helper()
	data, err := json.Marshal(dispatchEvent{Execution: execCtx, Payload: payload})
	if err != nil {
		t.Fatalf("marshal dispatch event: %v", err)
	}
	if _, err := c.PublishEvent(context.Background(), dispatchTopic(workerID), dispatchEventType, data); err != nil {
		t.Fatalf("publish dispatch event: %v", err)
	}
}

func TestRegisterPartitionsDefinitionsByWorkflowType(t *testing.T) {
	rec := newRecordingClient()
	registry := polos.NewRegistry()
	registry.Register(&polos.Definition{ID: "wf-1", WorkflowType: polos.WorkflowTypeWorkflow, Queue: "orders"})
	registry.Register(&polos.Definition{ID: "agent-1", WorkflowType: polos.WorkflowTypeAgent})
	registry.Register(&polos.Definition{ID: "tool-1", WorkflowType: polos.WorkflowTypeTool})

	exec := executor.New(rec)
	w := New(rec, registry, exec, nil, testConfig())

	if err := w.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}

	if w.WorkerID() != "worker-1" {
		t.Fatalf("expected worker id worker-1, got %q", w.WorkerID())
	}

	req := rec.registerWorker
	if len(req.WorkflowIDs) != 1 || req.WorkflowIDs[0] != "wf-1" {
		t.Fatalf("expected workflow ids [wf-1], got %v", req.WorkflowIDs)
	}
	if len(req.AgentIDs) != 1 || req.AgentIDs[0] != "agent-1" {
		t.Fatalf("expected agent ids [agent-1], got %v", req.AgentIDs)
	}
	if len(req.ToolIDs) != 1 || req.ToolIDs[0] != "tool-1" {
		t.Fatalf("expected tool ids [tool-1], got %v", req.ToolIDs)
	}

	found := false
	for _, q := range rec.queues {
		if q.Name == "orders" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected queue %q to be registered, got %v", "orders", rec.queues)
	}
}

func TestDispatchRefusesWhenAtCapacity(t *testing.T) {
	fake := clienttest.New()
	release := make(chan struct{})

	registry := polos.NewRegistry()
	registry.Register(&polos.Definition{
		ID:           "wf-block",
		WorkflowType: polos.WorkflowTypeWorkflow,
		Handler: func(ctx context.Context, wCtx *polos.WorkflowContext) (any, error) {
			<-release
			return "done", nil
		},
	})

	exec := executor.New(fake)
	w := New(fake, registry, exec, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for w.WorkerID() == "" {
		time.Sleep(5 * time.Millisecond)
	}

	execCtx1 := polos.ExecutionContext{ExecutionID: "exec-1", WorkflowID: "wf-block", RootExecutionID: "exec-1", RootWorkflowID: "wf-block"}
	execCtx2 := polos.ExecutionContext{ExecutionID: "exec-2", WorkflowID: "wf-block", RootExecutionID: "exec-2", RootWorkflowID: "wf-block"}
	publishDispatch(t, fake, w.WorkerID(), execCtx1, json.RawMessage(`{}`))
	publishDispatch(t, fake, w.WorkerID(), execCtx2, json.RawMessage(`{}`))

	time.Sleep(100 * time.Millisecond)

	_, exec1Failed := fake.Failed["exec-1"]
	msg2, exec2Failed := fake.Failed["exec-2"]

	if exec1Failed {
		t.Fatalf("exec-1 should still be in flight, not failed")
	}
	if !exec2Failed || msg2 != "worker at capacity" {
		t.Fatalf("expected exec-2 refused at capacity, got failed=%v msg=%q", exec2Failed, msg2)
	}

	close(release)
	time.Sleep(100 * time.Millisecond)

	if _, completed := fake.Completed["exec-1"]; !completed {
		t.Fatal("expected exec-1 to complete after release")
	}

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestUnknownWorkflowFailsNonRetryable(t *testing.T) {
	fake := clienttest.New()
	registry := polos.NewRegistry()
	exec := executor.New(fake)
	w := New(fake, registry, exec, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for w.WorkerID() == "" {
		time.Sleep(5 * time.Millisecond)
	}

	execCtx := polos.ExecutionContext{ExecutionID: "exec-missing", WorkflowID: "does-not-exist", RootExecutionID: "exec-missing", RootWorkflowID: "does-not-exist"}
	publishDispatch(t, fake, w.WorkerID(), execCtx, json.RawMessage(`{}`))

	time.Sleep(100 * time.Millisecond)

	msg, failed := fake.Failed["exec-missing"]
	if !failed {
		t.Fatal("expected unknown workflow dispatch to be failed")
	}
	if msg == "" {
		t.Fatal("expected a failure message")
	}

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownDrainsInFlightBeforeReturning(t *testing.T) {
	fake := clienttest.New()
	started := make(chan struct{})
	release := make(chan struct{})

	registry := polos.NewRegistry()
	registry.Register(&polos.Definition{
		ID:           "wf-slow",
		WorkflowType: polos.WorkflowTypeWorkflow,
		Handler: func(ctx context.Context, wCtx *polos.WorkflowContext) (any, error) {
			close(started)
			<-release
			return "ok", nil
		},
	})

	exec := executor.New(fake)
	cfg := testConfig()
	cfg.ShutdownGracePeriod = 2 * time.Second
	w := New(fake, registry, exec, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for w.WorkerID() == "" {
		time.Sleep(5 * time.Millisecond)
	}

	execCtx := polos.ExecutionContext{ExecutionID: "exec-slow", WorkflowID: "wf-slow", RootExecutionID: "exec-slow", RootWorkflowID: "wf-slow"}
	publishDispatch(t, fake, w.WorkerID(), execCtx, json.RawMessage(`{}`))

	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if _, completed := fake.Completed["exec-slow"]; !completed {
		t.Fatal("expected in-flight execution to drain before shutdown returned")
	}
}
