// Package clienttest provides an in-memory client.Client implementation for
// tests in other packages (step, executor, agentrt, worker), mirroring the
// teacher's use of small hand-rolled fakes in testhelpers_test.go /
// loop_test.go rather than a generated mock.
package clienttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
)

// Fake is an in-memory client.Client. Construct it with New; the zero
// value's maps are nil. Fields are exported so tests can pre-seed step outputs (replay scenarios) or
// inject failures.
type Fake struct {
	mu sync.Mutex

	Steps       map[string]map[string]polos.StepOutput // executionID -> stepKey -> output
	Events      []polos.Event
	seq         int64
	Completed   map[string]json.RawMessage
	Failed      map[string]string
	Waiting     map[string]client.WaitRequest
	Cancelled   map[string]bool
	Conversations map[string][]polos.ConversationMessage

	// InvokeCalls counts Invoke calls across all workflows, for
	// invoke-style assertions.
	InvokeCalls int

	// InvokeHandler lets a test script the result of Invoke (e.g. to
	// simulate a sub-workflow's eventual recorded step output).
	InvokeHandler func(workflowID string, req client.InvokeRequest) (client.InvokeResponse, error)
}

var _ client.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Steps:         make(map[string]map[string]polos.StepOutput),
		Completed:     make(map[string]json.RawMessage),
		Failed:        make(map[string]string),
		Waiting:       make(map[string]client.WaitRequest),
		Cancelled:     make(map[string]bool),
		Conversations: make(map[string][]polos.ConversationMessage),
	}
}

// SeedStepOutput pre-populates a recorded step outcome, simulating a
// replay dispatch.
func (f *Fake) SeedStepOutput(executionID string, out polos.StepOutput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Steps[executionID] == nil {
		f.Steps[executionID] = make(map[string]polos.StepOutput)
	}
	f.Steps[executionID][out.StepKey] = out
}

func (f *Fake) RegisterDeployment(ctx context.Context, req client.RegisterDeploymentRequest) (client.RegisterDeploymentResponse, error) {
	return client.RegisterDeploymentResponse{DeploymentID: "dep-1"}, nil
}

func (f *Fake) RegisterQueues(ctx context.Context, deploymentID string, queues []client.QueueSpec) error {
	return nil
}

func (f *Fake) RegisterWorkflows(ctx context.Context, deploymentID string, defs []client.WorkflowSpec) error {
	return nil
}

func (f *Fake) RegisterWorker(ctx context.Context, req client.RegisterWorkerRequest) (client.RegisterWorkerResponse, error) {
	return client.RegisterWorkerResponse{WorkerID: "worker-1"}, nil
}

func (f *Fake) MarkOnline(ctx context.Context, workerID string) error { return nil }
func (f *Fake) Heartbeat(ctx context.Context, workerID string) error  { return nil }
func (f *Fake) ActiveWorkerIDs(ctx context.Context) ([]string, error) {
	return []string{"worker-1"}, nil
}

func (f *Fake) Invoke(ctx context.Context, workflowID string, req client.InvokeRequest) (client.InvokeResponse, error) {
	f.mu.Lock()
	f.InvokeCalls++
	handler := f.InvokeHandler
	f.mu.Unlock()
	if handler != nil {
		return handler(workflowID, req)
	}
	return client.InvokeResponse{ExecutionID: polos.NewID(), WorkflowID: workflowID, CreatedAt: polos.NowUnix()}, nil
}

func (f *Fake) BatchInvoke(ctx context.Context, req client.BatchInvokeRequest) (client.BatchInvokeResponse, error) {
	var results []polos.BatchResult
	for _, item := range req.Items {
		resp, err := f.Invoke(ctx, item.WorkflowID, item.InvokeRequest)
		if err != nil {
			results = append(results, polos.BatchResult{WorkflowID: item.WorkflowID, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, polos.BatchResult{WorkflowID: resp.ExecutionID, Success: true})
	}
	return client.BatchInvokeResponse{Results: results}, nil
}

func (f *Fake) StoreStepOutput(ctx context.Context, executionID string, out polos.StepOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Steps[executionID] == nil {
		f.Steps[executionID] = make(map[string]polos.StepOutput)
	}
	if existing, ok := f.Steps[executionID][out.StepKey]; ok {
		// conditional-create semantics (spec §5 transaction discipline):
		// a second write for an existing key is a no-op, not an overwrite.
		_ = existing
		return nil
	}
	f.Steps[executionID][out.StepKey] = out
	return nil
}

func (f *Fake) GetStepOutput(ctx context.Context, executionID, stepKey string) (polos.StepOutput, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.Steps[executionID]
	if !ok {
		return polos.StepOutput{}, false, nil
	}
	out, ok := m[stepKey]
	return out, ok, nil
}

func (f *Fake) GetAllStepOutputs(ctx context.Context, executionID string) ([]polos.StepOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []polos.StepOutput
	for _, v := range f.Steps[executionID] {
		out = append(out, v)
	}
	return out, nil
}

func (f *Fake) Complete(ctx context.Context, executionID string, result, finalState json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Completed[executionID] = result
	return nil
}

func (f *Fake) Fail(ctx context.Context, executionID, message string, retryable bool, finalState json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Failed[executionID] = message
	return nil
}

func (f *Fake) ConfirmCancellation(ctx context.Context, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled[executionID] = true
	return nil
}

func (f *Fake) GetExecution(ctx context.Context, executionID string) (client.ExecutionInfo, error) {
	return client.ExecutionInfo{ExecutionID: executionID}, nil
}

func (f *Fake) CancelExecution(ctx context.Context, executionID string) error { return nil }

func (f *Fake) SetWaiting(ctx context.Context, executionID string, req client.WaitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Waiting[executionID] = req
	return nil
}

func (f *Fake) PublishEvent(ctx context.Context, topic, eventType string, data json.RawMessage) (polos.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ev := polos.Event{ID: polos.NewID(), SequenceID: f.seq, Topic: topic, EventType: eventType, Data: data, CreatedAt: polos.NowUnix()}
	f.Events = append(f.Events, ev)
	return ev, nil
}

func (f *Fake) StreamEvents(ctx context.Context, opts client.StreamOptions) (client.EventStream, error) {
	f.mu.Lock()
	var filtered []polos.Event
	for _, ev := range f.Events {
		if opts.Topic != "" && ev.Topic != opts.Topic {
			continue
		}
		if ev.SequenceID <= opts.FromSequenceID {
			continue
		}
		filtered = append(filtered, ev)
	}
	f.mu.Unlock()
	return &fakeStream{events: filtered}, nil
}

type fakeStream struct {
	events []polos.Event
	pos    int
}

func (s *fakeStream) Next(ctx context.Context) (polos.Event, bool, error) {
	if s.pos >= len(s.events) {
		return polos.Event{}, false, nil
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, true, nil
}

func (s *fakeStream) Close() error { return nil }

func (f *Fake) CreateSchedule(ctx context.Context, req client.ScheduleRequest) error { return nil }

func (f *Fake) AddConversationMessage(ctx context.Context, conversationID string, msg polos.ConversationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Conversations[conversationID] = append(f.Conversations[conversationID], msg)
	return nil
}

func (f *Fake) GetConversation(ctx context.Context, conversationID string, limit int) ([]polos.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.Conversations[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]polos.ConversationMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}
