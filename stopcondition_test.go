package polos

import "testing"

func TestMaxSteps(t *testing.T) {
	cond := MaxSteps(3)
	ctx := StopConditionContext{Steps: []AgentStep{{}, {}}}
	if cond(ctx) {
		t.Fatal("expected false at 2 steps")
	}
	ctx.Steps = append(ctx.Steps, AgentStep{})
	if !cond(ctx) {
		t.Fatal("expected true at 3 steps")
	}
}

func TestMaxTokens(t *testing.T) {
	cond := MaxTokens(100)
	ctx := StopConditionContext{Steps: []AgentStep{
		{Usage: Usage{InputTokens: 40, OutputTokens: 40}},
	}}
	if cond(ctx) {
		t.Fatal("expected false under budget")
	}
	ctx.Steps = append(ctx.Steps, AgentStep{Usage: Usage{OutputTokens: 30}})
	if !cond(ctx) {
		t.Fatal("expected true once cumulative usage reaches limit")
	}
}

func TestExecutedTool(t *testing.T) {
	cond := ExecutedTool("search", "summarize")
	ctx := StopConditionContext{Steps: []AgentStep{
		{ToolCalls: []ToolCall{{Name: "search"}}},
	}}
	if cond(ctx) {
		t.Fatal("expected false: summarize not yet called")
	}
	ctx.Steps = append(ctx.Steps, AgentStep{ToolCalls: []ToolCall{{Name: "summarize"}}})
	if !cond(ctx) {
		t.Fatal("expected true once both tools have been called")
	}
}

func TestExecutedToolEmptySetNeverStops(t *testing.T) {
	cond := ExecutedTool()
	if cond(StopConditionContext{Steps: []AgentStep{{}, {}, {}}}) {
		t.Fatal("empty tool set must never stop")
	}
}

func TestHasText(t *testing.T) {
	cond := HasText("done", "ok")
	ctx := StopConditionContext{Steps: []AgentStep{{ModelOutput: "we are "}, {ModelOutput: "done, ok?"}}}
	if !cond(ctx) {
		t.Fatal("expected true: both substrings present across steps")
	}
}

func TestHasTextEmptySetNeverStops(t *testing.T) {
	cond := HasText()
	if cond(StopConditionContext{Steps: []AgentStep{{ModelOutput: "anything"}}}) {
		t.Fatal("empty text set must never stop")
	}
}

func TestRegistryPreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&Definition{ID: "b"})
	r.Register(&Definition{ID: "a"})
	r.Register(&Definition{ID: "b"}) // re-register keeps original position
	all := r.All()
	if len(all) != 2 || all[0].ID != "b" || all[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestWorkflowContextStateIsolation(t *testing.T) {
	wCtx := NewWorkflowContext(ExecutionContext{ExecutionID: "e1"}, nil, nil)
	wCtx.Set("k", 1)
	snap := wCtx.State()
	snap["k"] = 2
	if v, _ := wCtx.Get("k"); v != 1 {
		t.Fatalf("State() copy must not alias live state, got %v", v)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		wt   WorkflowType
		want bool
	}{
		{"step execution error", &StepExecutionError{StepKey: "k"}, WorkflowTypeWorkflow, false},
		{"tool type always terminal", errFoo{}, WorkflowTypeTool, false},
		{"cancellation", &CancellationError{}, WorkflowTypeWorkflow, false},
		{"validation", &ValidationError{}, WorkflowTypeWorkflow, false},
		{"generic error retryable", errFoo{}, WorkflowTypeWorkflow, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsRetryable(c.err, c.wt); got != c.want {
				t.Fatalf("got %v, want %v", got, c.want)
			}
		})
	}
}

type errFoo struct{}

func (errFoo) Error() string { return "foo" }
