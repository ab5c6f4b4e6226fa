// Package agentrt implements the agent driver: the fixed handler bound to
// every workflow_type == agent Definition (spec §4.4), plus the guardrails
// (§4.4.1) it runs against final output.
package agentrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
	"github.com/polos-dev/polos-go/memory"
)

// LLMRequest is one turn's call to the configured model.
type LLMRequest struct {
	Model           string
	Messages        []polos.ConversationMessage
	Tools           []polos.ToolDefinition
	Temperature     float64
	MaxOutputTokens int
}

// LLMResponse is the aggregated result of one LLMRequest. onDelta (passed
// separately to Call) receives each streamed fragment as it arrives;
// Content is the final aggregate.
type LLMResponse struct {
	Content   string
	ToolCalls []polos.ToolCall
	Usage     polos.Usage
}

// LLMCaller invokes a model by name. Implementations live outside this
// package (provider SDKs); the driver only depends on this interface, the
// same split the teacher draws between agentcore.go and its Provider
// implementations.
type LLMCaller interface {
	Call(ctx context.Context, req LLMRequest, onDelta func(delta string)) (LLMResponse, error)
}

// Registry resolves a named LLMCaller, mirroring polos.Registry's
// lookup-by-string shape for provider selection.
type Registry struct {
	callers map[string]LLMCaller
}

func NewRegistry() *Registry { return &Registry{callers: make(map[string]LLMCaller)} }

func (r *Registry) Register(name string, c LLMCaller) { r.callers[name] = c }

func (r *Registry) Get(name string) (LLMCaller, bool) {
	c, ok := r.callers[name]
	return c, ok
}

// AgentInput is the payload shape a caller invokes an agent workflow with.
type AgentInput struct {
	ConversationID string          `json:"conversation_id"`
	Input          string          `json:"input"`
	ChannelContext json.RawMessage `json:"channel_context,omitempty"`
}

// AgentResult is the value an agent Handler returns (spec §4.4 step 5,
// "Emit agent_finish with the result, token totals, and the conversation
// identifier").
type AgentResult struct {
	Output           string      `json:"output"`
	Usage            polos.Usage `json:"usage"`
	ConversationID   string      `json:"conversation_id"`
	Steps            int         `json:"steps"`
	GuardrailFailure string      `json:"guardrail_failure,omitempty"`
}

// Option configures NewHandler.
type Option func(*driverConfig)

type driverConfig struct {
	logger    *slog.Logger
	memCfg    memory.Config
	summarize memory.Summarizer
	guardMax  int
}

func WithLogger(l *slog.Logger) Option           { return func(c *driverConfig) { c.logger = l } }
func WithMemoryConfig(cfg memory.Config) Option  { return func(c *driverConfig) { c.memCfg = cfg } }
func WithSummarizer(s memory.Summarizer) Option  { return func(c *driverConfig) { c.summarize = s } }

// NewHandler builds the fixed agent driver for one AgentOptions
// configuration. conv supplies conversation history and the event bus
// (ordinarily the same client.Client the worker registers with).
func NewHandler(llm LLMCaller, opts *polos.AgentOptions, conv client.Client, options ...Option) polos.Handler {
	cfg := driverConfig{
		logger:   slog.New(slog.DiscardHandler),
		guardMax: opts.GuardrailMaxRetries,
	}
	if cfg.guardMax <= 0 {
		cfg.guardMax = 2
	}
	for _, opt := range options {
		opt(&cfg)
	}

	return func(ctx context.Context, wCtx *polos.WorkflowContext) (any, error) {
		var input AgentInput
		if err := json.Unmarshal(wCtx.Payload, &input); err != nil {
			return nil, &polos.ValidationError{Field: "payload", Message: err.Error()}
		}
		if input.ConversationID == "" {
			input.ConversationID = wCtx.ExecutionID
		}

		topic := polos.RunTopic(wCtx.RootWorkflowID, wCtx.RootExecutionID)

		// Step 1: load conversation history, capped by conversationHistory.
		historyLimit := opts.ConversationHistory
		if historyLimit <= 0 {
			historyLimit = 10
		}
		history, err := conv.GetConversation(ctx, input.ConversationID, historyLimit)
		if err != nil {
			return nil, fmt.Errorf("agent: load conversation: %w", err)
		}

		// Step 2: compaction if the running estimate exceeds budget.
		if cfg.memCfg.MaxConversationTokens > 0 && cfg.summarize != nil {
			result := memory.CompactIfNeeded(ctx, cfg.memCfg, history, cfg.summarize)
			history = result.Messages
		}

		// Step 3: prepend system prompt, append the new input.
		messages := make([]polos.ConversationMessage, 0, len(history)+2)
		if opts.SystemPrompt != "" {
			messages = append(messages, polos.ConversationMessage{Role: "system", Content: opts.SystemPrompt})
		}
		messages = append(messages, history...)
		userMsg := polos.ConversationMessage{Role: "user", Content: input.Input}
		messages = append(messages, userMsg)
		if err := conv.AddConversationMessage(ctx, input.ConversationID, userMsg); err != nil {
			cfg.logger.Warn("agent: persist user message failed", "err", err)
		}

		var (
			stepCtx  polos.StopConditionContext
			total    polos.Usage
			lastText string
		)

		agentCtx := &polos.AgentContext{
			WorkflowContext: wCtx,
			Model:           opts.Model,
			Provider:        opts.Provider,
			SystemPrompt:    opts.SystemPrompt,
			Tools:           opts.Tools,
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxOutputTokens,
			ConversationID:  input.ConversationID,
		}

		n := 0
		for {
			n++
			if opts.OnAgentStepStart != nil {
				if herr := opts.OnAgentStepStart(ctx, agentCtx, n); herr != nil {
					return nil, herr
				}
			}
			llmKey := fmt.Sprintf("llm_%d", n)
			resp, rerr := runLLMStep(ctx, wCtx.Step, llmKey, llm, LLMRequest{
				Model:           opts.Model,
				Messages:        messages,
				Tools:           opts.Tools,
				Temperature:     opts.Temperature,
				MaxOutputTokens: opts.MaxOutputTokens,
			}, func(delta string) {
				publishDelta(ctx, conv, topic, delta)
			})
			if rerr != nil {
				return nil, rerr
			}

			total.Add(resp.Usage)
			assistantMsg := polos.ConversationMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
			messages = append(messages, assistantMsg)
			lastText = resp.Content

			step := polos.AgentStep{ModelOutput: resp.Content, ToolCalls: resp.ToolCalls, Usage: resp.Usage}

			if len(resp.ToolCalls) > 0 {
				for _, tc := range resp.ToolCalls {
					if opts.OnToolStart != nil {
						if herr := opts.OnToolStart(ctx, agentCtx, tc.Name, tc.Args); herr != nil {
							return nil, herr
						}
					}
				}
				results, terr := runToolBatch(ctx, wCtx.Step, n, resp.ToolCalls)
				if terr != nil {
					return nil, terr
				}
				step.ToolResults = results
				for i, tc := range resp.ToolCalls {
					content := ""
					if i < len(results) {
						content = results[i].Content
						if results[i].Error != "" {
							content = "error: " + results[i].Error
						}
					}
					toolMsg := polos.ConversationMessage{Role: "tool", Content: content, ToolCallID: tc.ID}
					messages = append(messages, toolMsg)
					if err := conv.AddConversationMessage(ctx, input.ConversationID, toolMsg); err != nil {
						cfg.logger.Warn("agent: persist tool message failed", "err", err)
					}
					publishToolCall(ctx, conv, topic, tc, results[i])
					if opts.OnToolEnd != nil {
						if herr := opts.OnToolEnd(ctx, agentCtx, tc.Name, results[i]); herr != nil {
							return nil, herr
						}
					}
				}
			}

			if err := conv.AddConversationMessage(ctx, input.ConversationID, assistantMsg); err != nil {
				cfg.logger.Warn("agent: persist assistant message failed", "err", err)
			}

			stepCtx.Steps = append(stepCtx.Steps, step)

			if opts.OnAgentStepEnd != nil {
				if herr := opts.OnAgentStepEnd(ctx, agentCtx, step); herr != nil {
					return nil, herr
				}
			}

			stop := false
			for _, cond := range opts.StopConditions {
				if cond(stepCtx) {
					stop = true
					break
				}
			}
			if stop {
				break
			}
		}

		// Step 4: output validation via guardrails when guardrails are
		// configured (schema-validated parse is left to the caller's
		// OutputSchema, applied here as an ordinary Schema.Validate check).
		finalText := lastText
		guardrailFailure := ""
		needsGuardrails := len(opts.Guardrails) > 0
		if needsGuardrails && opts.OutputSchema != nil && opts.OutputSchema.Validate != nil {
			needsGuardrails = opts.OutputSchema.Validate(json.RawMessage(finalText)) != nil
		}
		if needsGuardrails {
			text, failure, gerr := runGuardrails(ctx, guardrailParams{
				step:       wCtx.Step,
				llm:        llm,
				guardrails: opts.Guardrails,
				messages:   messages,
				req: LLMRequest{
					Model:           opts.Model,
					Tools:           opts.Tools,
					Temperature:     opts.Temperature,
					MaxOutputTokens: opts.MaxOutputTokens,
				},
				output:     finalText,
				maxRetries: cfg.guardMax,
				stepOffset: n,
				onDelta:    func(delta string) { publishDelta(ctx, conv, topic, delta) },
			})
			if gerr != nil {
				return nil, gerr
			}
			finalText = text
			guardrailFailure = failure
		}

		result := AgentResult{
			Output:           finalText,
			Usage:            total,
			ConversationID:   input.ConversationID,
			Steps:            len(stepCtx.Steps),
			GuardrailFailure: guardrailFailure,
		}
		return result, nil
	}
}

// runLLMStep wraps one LLM call as a durable step. Streaming deltas are
// only emitted the first time fn runs (a cache hit on replay skips the
// call entirely, so replay never re-streams).
func runLLMStep(ctx context.Context, s polos.Step, key string, llm LLMCaller, req LLMRequest, onDelta func(string)) (LLMResponse, error) {
	raw, err := s.Run(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		var resp LLMResponse
		traceErr := s.Trace(ctx, "llm.chat", map[string]any{
			"llm.model":    req.Model,
			"llm.messages": len(req.Messages),
			"llm.tools":    len(req.Tools),
		}, func(ctx context.Context) error {
			r, callErr := llm.Call(ctx, req, onDelta)
			resp = r
			return callErr
		})
		if traceErr != nil {
			return nil, traceErr
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return LLMResponse{}, err
	}
	var resp LLMResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return LLMResponse{}, fmt.Errorf("agent: decode llm response: %w", err)
	}
	return resp, nil
}

// runToolBatch dispatches every tool call from one LLM turn via
// BatchInvokeAndWait, keyed "tool_<n>" (spec §4.4 step 4b).
func runToolBatch(ctx context.Context, s polos.Step, step int, calls []polos.ToolCall) ([]polos.ToolResult, error) {
	items := make([]polos.BatchItem, len(calls))
	for i, tc := range calls {
		items[i] = polos.BatchItem{WorkflowRef: tc.Name, Payload: tc.Args}
	}
	key := fmt.Sprintf("tool_%d", step)
	batchResults, err := s.BatchInvokeAndWait(ctx, key, items)
	if err != nil {
		return nil, err
	}
	out := make([]polos.ToolResult, len(batchResults))
	for i, r := range batchResults {
		if r.Success {
			out[i] = polos.ToolResult{Content: string(r.Result)}
		} else {
			out[i] = polos.ToolResult{Error: r.Error}
		}
	}
	return out, nil
}

// guardrailParams bundles what runGuardrails needs to actually regenerate a
// failing response, rather than just re-checking the same fixed text.
type guardrailParams struct {
	step       polos.Step
	llm        LLMCaller
	guardrails []polos.Guardrail
	messages   []polos.ConversationMessage
	req        LLMRequest
	output     string
	maxRetries int
	stepOffset int
	onDelta    func(string)
}

// runGuardrails checks output against each guardrail in order. On failure it
// appends the guardrail's feedback to the conversation and re-invokes the
// model for a fresh attempt, up to maxRetries times (spec §4.4.1: "a
// guardrail may request a retry with feedback appended to the messages").
func runGuardrails(ctx context.Context, p guardrailParams) (string, string, error) {
	output := p.output
	messages := p.messages

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		ok, feedback, failedName, err := checkGuardrails(ctx, p.guardrails, output)
		if err != nil {
			return output, "", err
		}
		if ok {
			return output, "", nil
		}
		if attempt == p.maxRetries {
			return output, (&polos.GuardrailFailure{Guardrail: failedName, Feedback: feedback}).Error(), nil
		}

		messages = append(messages,
			polos.ConversationMessage{Role: "assistant", Content: output},
			polos.ConversationMessage{Role: "user", Content: feedback},
		)
		req := p.req
		req.Messages = messages
		key := fmt.Sprintf("guardrail_%d_%d", p.stepOffset, attempt)
		resp, rerr := runLLMStep(ctx, p.step, key, p.llm, req, p.onDelta)
		if rerr != nil {
			return output, "", rerr
		}
		output = resp.Content
	}
	return output, "", nil
}

// checkGuardrails runs every guardrail against output in order, stopping at
// the first failure.
func checkGuardrails(ctx context.Context, guardrails []polos.Guardrail, output string) (ok bool, feedback, failedName string, err error) {
	for _, g := range guardrails {
		pass, fb, gerr := g.Check(ctx, output)
		if gerr != nil {
			return false, "", "", gerr
		}
		if !pass {
			return false, fb, g.Name(), nil
		}
	}
	return true, "", "", nil
}

func publishDelta(ctx context.Context, conv client.Client, topic, delta string) {
	data, _ := json.Marshal(map[string]string{"content": delta})
	if _, err := conv.PublishEvent(ctx, topic, string(client.EventTextDelta), data); err != nil {
		_ = err // best-effort: streaming delivery never blocks the loop
	}
}

func publishToolCall(ctx context.Context, conv client.Client, topic string, call polos.ToolCall, result polos.ToolResult) {
	data, _ := json.Marshal(map[string]any{"tool_call": call, "result": result})
	if _, err := conv.PublishEvent(ctx, topic, string(client.EventToolCall), data); err != nil {
		_ = err
	}
}

// ErrNoCaller is returned when an agent's configured provider has no
// registered LLMCaller.
var ErrNoCaller = errors.New("agentrt: no LLMCaller registered for provider")
