package agentrt

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client/clienttest"
	"github.com/polos-dev/polos-go/step"
)

func testExecCtx(executionID string) polos.ExecutionContext {
	return polos.ExecutionContext{
		ExecutionID:     executionID,
		WorkflowID:      "agent-1",
		RootExecutionID: executionID,
		RootWorkflowID:  "agent-1",
	}
}

type stubLLM struct {
	calls int
}

func (s *stubLLM) Call(ctx context.Context, req LLMRequest, onDelta func(string)) (LLMResponse, error) {
	s.calls++
	onDelta("partial")
	return LLMResponse{Content: "turn response", Usage: polos.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func runAgent(t *testing.T, handler polos.Handler, fake *clienttest.Fake, execID string, input AgentInput) (AgentResult, error) {
	t.Helper()
	h, err := step.New(context.Background(), fake, testExecCtx(execID), step.Config{}, nil)
	if err != nil {
		t.Fatalf("step.New: %v", err)
	}
	wCtx := polos.NewWorkflowContext(testExecCtx(execID), h, nil)
	payload, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	wCtx.Payload = payload
	out, err := handler(context.Background(), wCtx)
	if err != nil {
		return AgentResult{}, err
	}
	return out.(AgentResult), nil
}

// Scenario D: MaxSteps(3) halts the loop after exactly three steps, with a
// three-entry step history.
func TestAgentLoopStopsAtMaxSteps(t *testing.T) {
	fake := clienttest.New()
	llm := &stubLLM{}
	opts := &polos.AgentOptions{
		Model:          "test-model",
		StopConditions: []polos.StopCondition{polos.MaxSteps(3)},
	}
	handler := NewHandler(llm, opts, fake)

	result, err := runAgent(t, handler, fake, "exec-d", AgentInput{ConversationID: "conv-d", Input: "hello"})
	if err != nil {
		t.Fatalf("agent run: %v", err)
	}
	if llm.calls != 3 {
		t.Fatalf("expected 3 LLM calls, got %d", llm.calls)
	}
	if result.Steps != 3 {
		t.Fatalf("expected 3 recorded steps, got %d", result.Steps)
	}
	history := fake.Conversations["conv-d"]
	var assistantTurns int
	for _, m := range history {
		if m.Role == "assistant" {
			assistantTurns++
		}
	}
	if assistantTurns != 3 {
		t.Fatalf("expected 3 persisted assistant turns, got %d", assistantTurns)
	}
}

// A replay dispatch must not re-invoke the LLM for a step already recorded
// (spec §8 property 2, applied to the agent driver's llm_<n> keys).
func TestAgentLoopReplayDoesNotReinvokeLLM(t *testing.T) {
	fake := clienttest.New()
	llm := &stubLLM{}
	opts := &polos.AgentOptions{
		Model:          "test-model",
		StopConditions: []polos.StopCondition{polos.MaxSteps(1)},
	}
	handler := NewHandler(llm, opts, fake)

	if _, err := runAgent(t, handler, fake, "exec-replay", AgentInput{ConversationID: "conv-replay", Input: "hello"}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if llm.calls != 1 {
		t.Fatalf("expected 1 LLM call after first dispatch, got %d", llm.calls)
	}

	// A second handler run against the same execution ID replays the
	// recorded llm_1 step output rather than calling the model again.
	if _, err := runAgent(t, handler, fake, "exec-replay", AgentInput{ConversationID: "conv-replay", Input: "hello"}); err != nil {
		t.Fatalf("replay dispatch: %v", err)
	}
	if llm.calls != 1 {
		t.Fatalf("expected no additional LLM call on replay, got %d total", llm.calls)
	}
}

// A guardrail that never passes should surface a GuardrailFailure message
// after guardMax retries are exhausted, without erroring the run.
func TestAgentLoopSurfacesGuardrailFailureAfterRetries(t *testing.T) {
	fake := clienttest.New()
	llm := &stubLLM{}
	rejectAll := guardrailFunc{
		name: "always-reject",
		fn: func(ctx context.Context, output string) (bool, string, error) {
			return false, "never acceptable", nil
		},
	}
	opts := &polos.AgentOptions{
		Model:               "test-model",
		StopConditions:      []polos.StopCondition{polos.MaxSteps(1)},
		Guardrails:          []polos.Guardrail{rejectAll},
		GuardrailMaxRetries: 1,
	}
	handler := NewHandler(llm, opts, fake)

	result, err := runAgent(t, handler, fake, "exec-guard", AgentInput{ConversationID: "conv-guard", Input: "hello"})
	if err != nil {
		t.Fatalf("agent run: %v", err)
	}
	if result.GuardrailFailure == "" {
		t.Fatal("expected a guardrail failure message")
	}
}

// A guardrail that rejects only the first output should cause the driver to
// regenerate with feedback appended to the conversation, not just re-check
// the same fixed text (spec §4.4.1).
func TestAgentLoopGuardrailRetryRegeneratesWithFeedback(t *testing.T) {
	fake := clienttest.New()
	llm := &feedbackAwareLLM{}
	rejectFirst := guardrailFunc{
		name: "reject-once",
		fn: func(ctx context.Context, output string) (bool, string, error) {
			if output == "first attempt" {
				return false, "try again, shorter", nil
			}
			return true, "", nil
		},
	}
	opts := &polos.AgentOptions{
		Model:               "test-model",
		StopConditions:      []polos.StopCondition{polos.MaxSteps(1)},
		Guardrails:          []polos.Guardrail{rejectFirst},
		GuardrailMaxRetries: 2,
	}
	handler := NewHandler(llm, opts, fake)

	result, err := runAgent(t, handler, fake, "exec-regen", AgentInput{ConversationID: "conv-regen", Input: "hello"})
	if err != nil {
		t.Fatalf("agent run: %v", err)
	}
	if result.GuardrailFailure != "" {
		t.Fatalf("expected no guardrail failure after successful regeneration, got %q", result.GuardrailFailure)
	}
	if result.Output != "regenerated: try again, shorter" {
		t.Fatalf("expected regenerated output reflecting feedback, got %q", result.Output)
	}
	if llm.calls != 2 {
		t.Fatalf("expected exactly 2 LLM calls (initial + one regeneration), got %d", llm.calls)
	}
}

// feedbackAwareLLM returns "first attempt" on its first call, then echoes
// the guardrail feedback (the last message's content) on every call after.
type feedbackAwareLLM struct {
	calls int
}

func (f *feedbackAwareLLM) Call(ctx context.Context, req LLMRequest, onDelta func(string)) (LLMResponse, error) {
	f.calls++
	if f.calls == 1 {
		return LLMResponse{Content: "first attempt"}, nil
	}
	feedback := req.Messages[len(req.Messages)-1].Content
	return LLMResponse{Content: "regenerated: " + feedback}, nil
}

type guardrailFunc struct {
	name string
	fn   func(ctx context.Context, output string) (bool, string, error)
}

func (g guardrailFunc) Name() string { return g.name }
func (g guardrailFunc) Check(ctx context.Context, output string) (bool, string, error) {
	return g.fn(ctx, output)
}
