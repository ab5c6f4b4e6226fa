package step

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
	"github.com/polos-dev/polos-go/client/clienttest"
)

func testExecCtx(executionID string) polos.ExecutionContext {
	return polos.ExecutionContext{
		ExecutionID:     executionID,
		WorkflowID:      "wf-1",
		RootExecutionID: executionID,
		RootWorkflowID:  "wf-1",
	}
}

func newTestHelper(t *testing.T, c client.Client, executionID string) *Helper {
	t.Helper()
	h, err := New(context.Background(), c, testExecCtx(executionID), Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestRunIsIdempotentAcrossDispatches(t *testing.T) {
	fake := clienttest.New()
	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}

	h1 := newTestHelper(t, fake, "exec-1")
	out1, err := h1.Run(context.Background(), "step-a", fn)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	// Simulate a re-dispatch (e.g. after a worker restart): a fresh Helper
	// loads the previously-stored output and must not call fn again.
	h2 := newTestHelper(t, fake, "exec-1")
	out2, err := h2.Run(context.Background(), "step-a", fn)
	if err != nil {
		t.Fatalf("replay dispatch: %v", err)
	}

	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
	if string(out1) != string(out2) {
		t.Fatalf("replay output mismatch: %s vs %s", out1, out2)
	}
}

func TestRunRetriesThenPersistsFailure(t *testing.T) {
	fake := clienttest.New()
	h := newTestHelper(t, fake, "exec-1")

	attempts := 0
	_, err := h.Run(context.Background(), "step-b", func(ctx context.Context) (json.RawMessage, error) {
		attempts++
		return nil, errors.New("boom")
	}, polos.WithMaxRetries(2), polos.WithBaseDelayMS(1), polos.WithMaxDelayMS(2))
	if err == nil {
		t.Fatal("expected error")
	}
	var stepErr *polos.StepExecutionError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected StepExecutionError, got %T: %v", err, err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", attempts)
	}

	out, ok, err := fake.GetStepOutput(context.Background(), "exec-1", "step-b")
	if err != nil || !ok {
		t.Fatalf("expected persisted failure output, ok=%v err=%v", ok, err)
	}
	if out.Success {
		t.Fatal("persisted output should record failure")
	}
}

func TestUUIDIsDeterministicAcrossReplay(t *testing.T) {
	fake := clienttest.New()
	h1 := newTestHelper(t, fake, "exec-1")
	id1, err := h1.UUID(context.Background(), "id-key")
	if err != nil {
		t.Fatalf("UUID: %v", err)
	}

	h2 := newTestHelper(t, fake, "exec-1")
	id2, err := h2.UUID(context.Background(), "id-key")
	if err != nil {
		t.Fatalf("UUID replay: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("UUID not stable across replay: %s vs %s", id1, id2)
	}
}

func TestNowIsDeterministicAcrossReplay(t *testing.T) {
	fake := clienttest.New()
	h1 := newTestHelper(t, fake, "exec-1")
	ts1, err := h1.Now(context.Background(), "now-key")
	if err != nil {
		t.Fatalf("Now: %v", err)
	}

	h2 := newTestHelper(t, fake, "exec-1")
	ts2, err := h2.Now(context.Background(), "now-key")
	if err != nil {
		t.Fatalf("Now replay: %v", err)
	}

	if ts1 != ts2 {
		t.Fatalf("Now not stable across replay: %d vs %d", ts1, ts2)
	}
}

func TestRandomIsDeterministicAcrossReplay(t *testing.T) {
	fake := clienttest.New()
	h1 := newTestHelper(t, fake, "exec-1")
	v1, err := h1.Random(context.Background(), "rand-key")
	if err != nil {
		t.Fatalf("Random: %v", err)
	}

	h2 := newTestHelper(t, fake, "exec-1")
	v2, err := h2.Random(context.Background(), "rand-key")
	if err != nil {
		t.Fatalf("Random replay: %v", err)
	}

	if v1 != v2 {
		t.Fatalf("Random not stable across replay: %v vs %v", v1, v2)
	}
}

func TestInvokeAndWaitSuspendsThenResolvesOnReplay(t *testing.T) {
	fake := clienttest.New()
	h1 := newTestHelper(t, fake, "exec-1")

	_, err := h1.InvokeAndWait(context.Background(), "child-a", "child-workflow", json.RawMessage(`{}`))
	var wait *polos.WaitSignal
	if !errors.As(err, &wait) {
		t.Fatalf("expected WaitSignal on first dispatch, got %v", err)
	}
	if fake.InvokeCalls != 1 {
		t.Fatalf("expected child invoked once, got %d", fake.InvokeCalls)
	}
	if _, ok := fake.Waiting["exec-1"]; !ok {
		t.Fatal("expected SetWaiting to have been recorded")
	}

	// The orchestrator resolves the wait by writing the step output once the
	// child completes, then re-dispatches the parent; replay must return the
	// recorded result without invoking the child again.
	fake.SeedStepOutput("exec-1", polos.StepOutput{StepKey: "child-a", Success: true, Outputs: json.RawMessage(`{"result":42}`)})
	h2 := newTestHelper(t, fake, "exec-1")
	result, err := h2.InvokeAndWait(context.Background(), "child-a", "child-workflow", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("replay dispatch: %v", err)
	}
	if string(result) != `{"result":42}` {
		t.Fatalf("unexpected replay result: %s", result)
	}
	if fake.InvokeCalls != 1 {
		t.Fatalf("child should not be re-invoked on replay, got %d calls", fake.InvokeCalls)
	}
}

func TestBatchInvokeAndWaitPreservesPartialFailure(t *testing.T) {
	fake := clienttest.New()
	results := []polos.BatchResult{
		{WorkflowID: "a", Success: true, Result: json.RawMessage(`1`)},
		{WorkflowID: "b", Success: false, Error: "boom"},
	}
	data, _ := json.Marshal(results)
	fake.SeedStepOutput("exec-1", polos.StepOutput{StepKey: "batch-a", Success: true, Outputs: data})

	h := newTestHelper(t, fake, "exec-1")
	got, err := h.BatchInvokeAndWait(context.Background(), "batch-a", []polos.BatchItem{
		{WorkflowRef: "child-a", Payload: json.RawMessage(`{}`)},
		{WorkflowRef: "child-b", Payload: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("BatchInvokeAndWait: %v", err)
	}
	if len(got) != 2 || got[0].Success == got[1].Success {
		t.Fatalf("expected mixed success/failure results, got %+v", got)
	}
}

func TestPublishEventIsIdempotent(t *testing.T) {
	fake := clienttest.New()
	h1 := newTestHelper(t, fake, "exec-1")
	if err := h1.PublishEvent(context.Background(), "pub-a", "topic-1", "custom", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	if len(fake.Events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(fake.Events))
	}

	h2 := newTestHelper(t, fake, "exec-1")
	if err := h2.PublishEvent(context.Background(), "pub-a", "topic-1", "custom", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("replay PublishEvent: %v", err)
	}
	if len(fake.Events) != 1 {
		t.Fatalf("replay should not republish, got %d events", len(fake.Events))
	}
}

func TestCheckCancelledReturnsCancellationError(t *testing.T) {
	fake := clienttest.New()
	h, err := New(context.Background(), fake, testExecCtx("exec-1"), Config{}, func() bool { return true })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = h.Run(context.Background(), "step-a", func(ctx context.Context) (json.RawMessage, error) {
		t.Fatal("fn should not run once cancelled")
		return nil, nil
	})
	var cancelErr *polos.CancellationError
	if !errors.As(err, &cancelErr) {
		t.Fatalf("expected CancellationError, got %v", err)
	}
}
