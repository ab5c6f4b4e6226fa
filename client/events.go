package client

// EventType enumerates the event_type values the core reads or writes on
// the orchestrator's event bus (spec §6). Grounded on the teacher's
// StreamEventType constants (stream.go), generalized from an in-process
// agent-streaming enum to the wire-level topic vocabulary.
type EventType string

const (
	EventWorkflowStart EventType = "workflow_start"
	EventWorkflowFinish EventType = "workflow_finish"
	EventAgentStart    EventType = "agent_start"
	EventAgentFinish   EventType = "agent_finish"
	EventToolStart     EventType = "tool_start"
	EventToolFinish    EventType = "tool_finish"
	EventStepStart     EventType = "step_start"
	EventStepFinish    EventType = "step_finish"
	EventTextDelta     EventType = "text_delta"
	EventToolCall      EventType = "tool_call"
)

// SuspendEventType and ResumeEventType build the suspend_<key>/resume_<key> event
// type pair used by Step.Suspend/Step.Resume.
func SuspendEventType(key string) string { return "suspend_" + key }
func ResumeEventType(key string) string  { return "resume_" + key }
