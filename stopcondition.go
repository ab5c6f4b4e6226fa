package polos

import "strings"

// AgentStep records one iteration of the agent driver: the model output for
// that turn plus any tool calls/results it produced and the usage it
// consumed. StopConditions are pure predicates over the accumulated history.
type AgentStep struct {
	ModelOutput string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	Usage       Usage
}

// StopConditionContext is what a StopCondition evaluates against: the full
// step history accumulated so far, oldest first.
type StopConditionContext struct {
	Steps []AgentStep
}

// TotalUsage sums usage across all recorded steps.
func (c StopConditionContext) TotalUsage() Usage {
	var u Usage
	for _, s := range c.Steps {
		u.Add(s.Usage)
	}
	return u
}

// ExecutedTools returns the set of tool names invoked across all steps.
func (c StopConditionContext) ExecutedTools() map[string]bool {
	out := make(map[string]bool)
	for _, s := range c.Steps {
		for _, tc := range s.ToolCalls {
			out[tc.Name] = true
		}
	}
	return out
}

// AssistantText concatenates every step's model output, in order.
func (c StopConditionContext) AssistantText() string {
	var b strings.Builder
	for _, s := range c.Steps {
		b.WriteString(s.ModelOutput)
	}
	return b.String()
}

// StopCondition is a pure predicate over the agent's accumulated step
// history, evaluated once per iteration; the driver stops on first true.
type StopCondition func(StopConditionContext) bool

// SimpleStopCondition wraps a bare predicate as a StopCondition. Spec §9 design note:
// the source language distinguishes "factory" from "bare condition" via
// fn.length at runtime; this package surfaces that as two named
// constructors chosen at registration time instead.
func SimpleStopCondition(fn func(StopConditionContext) bool) StopCondition {
	return StopCondition(fn)
}

// ParametricStopCondition builds a StopCondition from an options value, so call sites
// read as MaxSteps(3) rather than a closure literal.
func ParametricStopCondition[T any](opts T, build func(T) func(StopConditionContext) bool) StopCondition {
	return StopCondition(build(opts))
}

// MaxSteps stops once the step count reaches count.
func MaxSteps(count int) StopCondition {
	return func(c StopConditionContext) bool {
		return len(c.Steps) >= count
	}
}

// MaxTokens stops once cumulative usage.total_tokens reaches limit.
func MaxTokens(limit int) StopCondition {
	return func(c StopConditionContext) bool {
		return c.TotalUsage().Total() >= limit
	}
}

// ExecutedTool stops once every named tool has been called at least once.
// An empty name set never stops.
func ExecutedTool(toolNames ...string) StopCondition {
	names := append([]string(nil), toolNames...)
	return func(c StopConditionContext) bool {
		if len(names) == 0 {
			return false
		}
		executed := c.ExecutedTools()
		for _, n := range names {
			if !executed[n] {
				return false
			}
		}
		return true
	}
}

// HasText stops once the concatenation of assistant content contains every
// given substring. An empty set never stops.
func HasText(texts ...string) StopCondition {
	needles := append([]string(nil), texts...)
	return func(c StopConditionContext) bool {
		if len(needles) == 0 {
			return false
		}
		all := c.AssistantText()
		for _, needle := range needles {
			if !strings.Contains(all, needle) {
				return false
			}
		}
		return true
	}
}
