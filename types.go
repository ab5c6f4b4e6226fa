package polos

import (
	"context"
	"encoding/json"
	"sync"
)

// WorkflowType classifies a Definition. The orchestrator treats tool
// executions as non-retryable leaves; agents are workflows with a fixed
// driver handler supplied by package agentrt.
type WorkflowType string

const (
	WorkflowTypeWorkflow WorkflowType = "workflow"
	WorkflowTypeAgent    WorkflowType = "agent"
	WorkflowTypeTool     WorkflowType = "tool"
)

// Handler is a user-supplied workflow body. It interleaves ordinary code
// with step calls reached through wCtx.Step.
type Handler func(ctx context.Context, wCtx *WorkflowContext) (any, error)

// Hook runs at a defined point in the executor pipeline. onStart hooks may
// rewrite the payload or abort by returning an error; onEnd hooks may
// rewrite the output.
type Hook func(ctx context.Context, wCtx *WorkflowContext, payload json.RawMessage) (json.RawMessage, error)

// Definition is a named handler plus the metadata the worker registers with
// the orchestrator once at startup.
type Definition struct {
	ID             string
	Description    string
	WorkflowType   WorkflowType
	Queue          string
	PayloadSchema  *Schema
	StateSchema    *Schema
	OnStart        []Hook
	OnEnd          []Hook
	Handler        Handler
	AgentOptions   *AgentOptions // nil unless WorkflowType == WorkflowTypeAgent
}

// Schema is a minimal JSON Schema wrapper: Validate reports whether data
// conforms. Callers that need full JSON Schema semantics plug in their own
// implementation; the default zero value always validates. Defaults, when
// set on a Definition's StateSchema, supplies the initial state map for an
// execution that starts with no context-supplied state.
type Schema struct {
	Validate func(data json.RawMessage) error
	Defaults func() map[string]any
}

func (s *Schema) validate(data json.RawMessage) error {
	if s == nil || s.Validate == nil {
		return nil
	}
	return s.Validate(data)
}

// AgentOptions configures a Definition whose WorkflowType is
// WorkflowTypeAgent. See spec §6 "Configuration options recognized".
type AgentOptions struct {
	Model                string
	Provider             string
	SystemPrompt         string
	Tools                []ToolDefinition
	Temperature          float64
	MaxOutputTokens      int
	StopConditions       []StopCondition
	OutputSchema         *Schema
	Guardrails           []Guardrail
	GuardrailMaxRetries  int // default 2
	ConversationHistory  int // default 10
	OnAgentStepStart     func(ctx context.Context, ac *AgentContext, step int) error
	OnAgentStepEnd       func(ctx context.Context, ac *AgentContext, step AgentStep) error
	OnToolStart          func(ctx context.Context, ac *AgentContext, name string, args json.RawMessage) error
	OnToolEnd            func(ctx context.Context, ac *AgentContext, name string, result ToolResult) error
}

// Guardrail validates agent output and may request a retry with feedback.
// Implementations live in package agentrt; the interface is declared here so
// AgentOptions does not need to import agentrt (which imports polos).
type Guardrail interface {
	Name() string
	Check(ctx context.Context, output string) (ok bool, feedback string, err error)
}

// Registry holds Definitions by ID. A worker is constructed against one
// Registry; there is no process-global registration, unlike ambient
// registries seen in interpreted-language SDKs.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Definition
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Definition)}
}

// Register adds a Definition. Registering the same ID twice replaces the
// prior entry but preserves its original position.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[def.ID]; !exists {
		r.order = append(r.order, def.ID)
	}
	r.byID[def.ID] = def
}

func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// All returns Definitions in registration order.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ExecutionContext carries the immutable identity of one invocation.
// root_execution_id == execution_id for top-level runs; descendants carry
// the ancestor's root unchanged.
type ExecutionContext struct {
	ExecutionID       string
	DeploymentID      string
	WorkflowID        string
	WorkflowType      WorkflowType
	ParentExecutionID string
	RootExecutionID   string
	RootWorkflowID    string
	SessionID         string
	UserID            string
	ConversationID    string
	RetryCount        int
	CreatedAt         int64
	InitialState      json.RawMessage
	TraceContext      *TraceContext
	RunTimeoutSeconds int
}

// TraceContext carries an inbound W3C-style trace/span pair so a resumed
// execution can reattach to the same trace as its first dispatch.
type TraceContext struct {
	TraceID string
	SpanID  string
}

// StepOutput is the orchestrator-persisted, locally-cached record of one
// step's outcome. For a given (execution_id, step_key) exactly one outcome
// is ever recorded.
type StepOutput struct {
	StepKey           string          `json:"step_key"`
	Success           bool            `json:"success"`
	Outputs           json.RawMessage `json:"outputs,omitempty"`
	Error             string          `json:"error,omitempty"`
	CompletedAt       int64           `json:"completed_at"`
	SourceExecutionID string          `json:"source_execution_id,omitempty"`
	OutputSchemaTag   string          `json:"output_schema_tag,omitempty"`
}

// Step is the interface a workflow handler uses to perform memoized side
// effects. Concrete implementations live in package step; it is declared
// here, rather than there, so both polos.WorkflowContext and package step
// can exist without an import cycle (the consumer owns the interface).
type Step interface {
	Run(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error), opts ...RunOption) (json.RawMessage, error)
	Invoke(ctx context.Context, key string, workflowRef string, payload json.RawMessage, opts ...InvokeOption) (*Handle, error)
	InvokeAndWait(ctx context.Context, key string, workflowRef string, payload json.RawMessage, opts ...InvokeOption) (json.RawMessage, error)
	BatchInvoke(ctx context.Context, key string, items []BatchItem, opts ...InvokeOption) ([]*Handle, error)
	BatchInvokeAndWait(ctx context.Context, key string, items []BatchItem, opts ...InvokeOption) ([]BatchResult, error)
	WaitFor(ctx context.Context, key string, d DurationSpec) error
	WaitUntil(ctx context.Context, key string, at int64) error
	WaitForEvent(ctx context.Context, key string, topic string, timeout DurationSpec) (*Event, error)
	PublishEvent(ctx context.Context, key string, topic string, eventType string, data json.RawMessage) error
	Suspend(ctx context.Context, key string, data json.RawMessage, timeout DurationSpec) (json.RawMessage, error)
	Resume(ctx context.Context, key string, workflowID, executionID, stepKey string, data json.RawMessage) error
	UUID(ctx context.Context, key string) (string, error)
	Now(ctx context.Context, key string) (int64, error)
	Random(ctx context.Context, key string) (float64, error)
	AgentInvoke(ctx context.Context, key string, agentRef string, payload json.RawMessage, opts ...InvokeOption) (*Handle, error)
	AgentInvokeAndWait(ctx context.Context, key string, agentRef string, payload json.RawMessage, opts ...InvokeOption) (json.RawMessage, error)
	BatchAgentInvokeAndWait(ctx context.Context, key string, items []BatchItem, opts ...InvokeOption) ([]BatchResult, error)
	Trace(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) error) error
}

// BatchItem is one fan-out unit passed to BatchInvoke/BatchInvokeAndWait.
type BatchItem struct {
	WorkflowRef string
	Payload     json.RawMessage
	Opts        []InvokeOption
}

// BatchResult is the structured, per-item outcome of BatchInvokeAndWait
// (spec §9 open question, resolved in favor of the structured form).
type BatchResult struct {
	WorkflowID string          `json:"workflow_id"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Handle is the serializable record of a started sub-workflow, returned by
// Invoke/AgentInvoke and persisted as a step output so it survives replay.
// See step.Handle for the live, rehydrated form.
type Handle struct {
	ID                string `json:"id"`
	WorkflowID        string `json:"workflow_id"`
	CreatedAt         int64  `json:"created_at"`
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	RootExecutionID   string `json:"root_execution_id,omitempty"`
	SessionID         string `json:"session_id,omitempty"`
	UserID            string `json:"user_id,omitempty"`
}

// DurationSpec is an additive duration given in mixed units, matching the
// orchestrator wire convention ({hours: 2}, {minutes: 30}, …).
type DurationSpec struct {
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

// RunOption configures a Step.Run call.
type RunOption func(*RunConfig)

type RunConfig struct {
	MaxRetries int
	BaseDelay  int // milliseconds
	MaxDelay   int // milliseconds
	Input      json.RawMessage
}

func WithMaxRetries(n int) RunOption { return func(c *RunConfig) { c.MaxRetries = n } }
func WithBaseDelayMS(ms int) RunOption { return func(c *RunConfig) { c.BaseDelay = ms } }
func WithMaxDelayMS(ms int) RunOption  { return func(c *RunConfig) { c.MaxDelay = ms } }
func WithStepInput(in json.RawMessage) RunOption { return func(c *RunConfig) { c.Input = in } }

// InvokeOption configures a sub-workflow invocation.
type InvokeOption func(*InvokeConfig)

type InvokeConfig struct {
	SessionID             string
	UserID                string
	InitialState          json.RawMessage
	RunTimeoutSeconds     int
	ChannelContext        json.RawMessage
	ConcurrencyKey        string
	QueueName             string
	QueueConcurrencyLimit int
}

func WithSessionID(id string) InvokeOption { return func(c *InvokeConfig) { c.SessionID = id } }
func WithUserID(id string) InvokeOption    { return func(c *InvokeConfig) { c.UserID = id } }
func WithInitialState(s json.RawMessage) InvokeOption {
	return func(c *InvokeConfig) { c.InitialState = s }
}
func WithRunTimeout(seconds int) InvokeOption {
	return func(c *InvokeConfig) { c.RunTimeoutSeconds = seconds }
}
func WithQueue(name string, concurrencyLimit int) InvokeOption {
	return func(c *InvokeConfig) { c.QueueName = name; c.QueueConcurrencyLimit = concurrencyLimit }
}
func WithConcurrencyKey(key string) InvokeOption {
	return func(c *InvokeConfig) { c.ConcurrencyKey = key }
}

// WorkflowContext is passed to every Handler. It is owned by the executor;
// the handler borrows it for the duration of one run. Payload is the
// invocation's effective payload after onStart hooks have run (spec §4.3
// stages 4 and 7).
type WorkflowContext struct {
	ExecutionContext
	Step    Step
	Payload json.RawMessage

	mu    sync.RWMutex
	state map[string]any
}

func NewWorkflowContext(ec ExecutionContext, s Step, initialState map[string]any) *WorkflowContext {
	if initialState == nil {
		initialState = make(map[string]any)
	}
	return &WorkflowContext{ExecutionContext: ec, Step: s, state: initialState}
}

func (w *WorkflowContext) Get(key string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.state[key]
	return v, ok
}

func (w *WorkflowContext) Set(key string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state[key] = value
}

// State returns a shallow copy of the current state map, safe to marshal as
// the execution's finalState.
func (w *WorkflowContext) State() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]any, len(w.state))
	for k, v := range w.state {
		out[k] = v
	}
	return out
}

// AgentContext extends WorkflowContext with the fields an agent driver needs
// on every turn.
type AgentContext struct {
	*WorkflowContext
	AgentID         string
	Model           string
	Provider        string
	SystemPrompt    string
	Tools           []ToolDefinition
	Temperature     float64
	MaxOutputTokens int
	ConversationID  string
}

// ToolDefinition describes one callable tool. Registered as a sub-workflow
// of type tool so it inherits durability (its own retries are internal and
// it is a non-retryable leaf at the execution level).
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ConversationMessage mirrors one turn in a conversation. The orchestrator
// is the source of truth; it is transported as ordered sequences via
// client.Client's Add/Get operations.
type ConversationMessage struct {
	Role       string          `json:"role"` // user | assistant | system | tool
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ToolCall is one model-requested tool invocation attached to an assistant
// message.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage accumulates token counts across one or more LLM calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Event is one entry on the orchestrator's sequenced event bus.
type Event struct {
	ID         string          `json:"id"`
	SequenceID int64           `json:"sequence_id"`
	Topic      string          `json:"topic"`
	EventType  string          `json:"event_type"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  int64           `json:"created_at"`
}

// RunTopic returns the canonical per-run topic for a root execution.
func RunTopic(rootWorkflowID, rootExecutionID string) string {
	return "workflow/" + rootWorkflowID + "/" + rootExecutionID
}
