// Package executor runs one workflow/agent/tool invocation end to end:
// replay load, state init, payload validation, context assembly, tracing,
// lifecycle events, hooks, handler invocation, and outcome classification.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
	"github.com/polos-dev/polos-go/step"
)

// Result is the executor's single return value, spec §4.3's
// {success, result|error, finalState, waiting?, retryable?}.
type Result struct {
	Success    bool
	Result     json.RawMessage
	Err        error
	FinalState json.RawMessage
	Waiting    bool
	Retryable  bool
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *slog.Logger) Option     { return func(e *Executor) { e.logger = l } }
func WithTracer(t polos.Tracer) Option     { return func(e *Executor) { e.tracer = t } }
func WithStepConfig(c step.Config) Option  { return func(e *Executor) { e.stepCfg = c } }

// Executor is stateless across calls; one instance serves every dispatch a
// worker handles.
type Executor struct {
	c       client.Client
	tracer  polos.Tracer
	logger  *slog.Logger
	stepCfg step.Config
}

func New(c client.Client, opts ...Option) *Executor {
	e := &Executor{
		c:      c,
		tracer: polos.NoopTracer(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs def's handler against payload under execCtx, per spec §4.3's
// eleven ordered stages. isCancelled is polled by the step helper on entry
// to Run and to the invoke, wait, event, suspend and resume operations;
// UUID, Now, Random and Trace do not poll it. Pass nil if the caller has no
// cancellation source.
func (e *Executor) Execute(ctx context.Context, def *polos.Definition, payload json.RawMessage, execCtx polos.ExecutionContext, isCancelled func() bool) Result {
	// Stage 1: replay load — constructing the step helper loads every
	// recorded output for this execution.
	helper, err := step.New(ctx, e.c, execCtx, e.stepCfg, isCancelled)
	if err != nil {
		return Result{Retryable: true, Err: fmt.Errorf("executor: replay load: %w", err)}
	}

	// Stage 2: state init.
	state := decodeState(execCtx.InitialState, def.StateSchema)

	// Stage 3: payload validation.
	if def.PayloadSchema != nil && def.PayloadSchema.Validate != nil {
		if verr := def.PayloadSchema.Validate(payload); verr != nil {
			valErr := &polos.ValidationError{Field: "payload", Message: verr.Error()}
			return Result{Err: valErr, Retryable: false}
		}
	}

	// Stage 4: context assembly.
	wCtx := polos.NewWorkflowContext(execCtx, helper, state)

	// Stage 5: tracing. The inbound trace context's IDs, if supplied, are
	// recorded as polos.parent_trace_id/polos.parent_span_id span attributes;
	// otherwise an identifier derived from the root execution is recorded as
	// polos.trace_id. These are attributes only: the span's own trace ID is
	// whatever the Tracer assigns.
	spanName := fmt.Sprintf("%s.%s", def.WorkflowType, def.ID)
	attrs := []polos.SpanAttr{
		polos.StringAttr("polos.execution_id", execCtx.ExecutionID),
		polos.StringAttr("polos.workflow_id", execCtx.WorkflowID),
	}
	if execCtx.TraceContext != nil {
		attrs = append(attrs,
			polos.StringAttr("polos.parent_trace_id", execCtx.TraceContext.TraceID),
			polos.StringAttr("polos.parent_span_id", execCtx.TraceContext.SpanID))
	} else {
		attrs = append(attrs, polos.StringAttr("polos.trace_id", deterministicTraceID(execCtx.RootExecutionID)))
	}
	spanCtx, span := e.tracer.Start(ctx, spanName, attrs...)
	defer span.End()

	// Stage 6: start event.
	topic := polos.RunTopic(execCtx.RootWorkflowID, execCtx.RootExecutionID)
	startType := string(def.WorkflowType) + "_start"
	if perr := e.publishLifecycleEvent(spanCtx, topic, startType, payload, execCtx); perr != nil {
		e.logger.Warn("executor: publish start event failed", "execution_id", execCtx.ExecutionID, "err", perr)
	}

	// Stage 7: onStart hooks.
	effectivePayload := payload
	for _, hook := range def.OnStart {
		next, herr := hook(spanCtx, wCtx, effectivePayload)
		if herr != nil {
			span.Error(herr)
			return e.classify(def, herr, wCtx)
		}
		if next != nil {
			effectivePayload = next
		}
	}
	wCtx.Payload = effectivePayload

	// Stage 8: handler invocation.
	result, herr := def.Handler(spanCtx, wCtx)

	// Stage 9: state capture — marshal the final state map, then validate
	// and freeze it against the workflow's state schema (defaults, if any,
	// were already applied at stage 2's state init).
	finalState, stateErr := json.Marshal(wCtx.State())
	if stateErr != nil {
		finalState = json.RawMessage(`{}`)
	}

	if herr != nil {
		span.Error(herr)
		outcome := e.classify(def, herr, wCtx)
		outcome.FinalState = finalState
		return outcome
	}

	if def.StateSchema != nil && def.StateSchema.Validate != nil {
		if verr := def.StateSchema.Validate(finalState); verr != nil {
			valErr := &polos.ValidationError{Field: "state", Message: verr.Error()}
			span.Error(valErr)
			return Result{Err: valErr, Retryable: false, FinalState: finalState}
		}
	}

	resultJSON, merr := marshalResult(result)
	if merr != nil {
		span.Error(merr)
		return Result{Err: merr, Retryable: false, FinalState: finalState}
	}

	// Stage 10: onEnd hooks.
	for _, hook := range def.OnEnd {
		next, herr := hook(spanCtx, wCtx, resultJSON)
		if herr != nil {
			span.Error(herr)
			outcome := e.classify(def, herr, wCtx)
			outcome.FinalState = finalState
			return outcome
		}
		if next != nil {
			resultJSON = next
		}
	}

	// Stage 11: finish event.
	finishType := string(def.WorkflowType) + "_finish"
	if perr := e.publishLifecycleEvent(spanCtx, topic, finishType, resultJSON, execCtx); perr != nil {
		e.logger.Warn("executor: publish finish event failed", "execution_id", execCtx.ExecutionID, "err", perr)
	}

	return Result{Success: true, Result: resultJSON, FinalState: finalState}
}

func (e *Executor) classify(def *polos.Definition, err error, wCtx *polos.WorkflowContext) Result {
	var wait *polos.WaitSignal
	if errors.As(err, &wait) {
		return Result{Success: false, Waiting: true, Err: err}
	}
	return Result{
		Success:   false,
		Err:       err,
		Retryable: polos.IsRetryable(err, def.WorkflowType),
	}
}

// decodeState adopts the context-supplied initial state when present;
// otherwise it applies the workflow's state schema defaults, if any
// (spec §4.3 stage 2).
func decodeState(initial json.RawMessage, schema *polos.Schema) map[string]any {
	if len(initial) > 0 {
		state := make(map[string]any)
		if err := json.Unmarshal(initial, &state); err == nil {
			return state
		}
	}
	if schema != nil && schema.Defaults != nil {
		if defaults := schema.Defaults(); defaults != nil {
			return defaults
		}
	}
	return make(map[string]any)
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return json.RawMessage(`null`), nil
	}
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(result)
}

type lifecycleEvent struct {
	Payload  json.RawMessage `json:"payload,omitempty"`
	Metadata eventMetadata   `json:"metadata"`
}

type eventMetadata struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
}

func (e *Executor) publishLifecycleEvent(ctx context.Context, topic, eventType string, payload json.RawMessage, execCtx polos.ExecutionContext) error {
	data, err := json.Marshal(lifecycleEvent{
		Payload: payload,
		Metadata: eventMetadata{
			ExecutionID: execCtx.ExecutionID,
			WorkflowID:  execCtx.WorkflowID,
		},
	})
	if err != nil {
		return err
	}
	_, err = e.c.PublishEvent(ctx, topic, eventType, data)
	return err
}

// deterministicTraceID derives a stable trace identifier from a root
// execution ID, so every run sharing that root records the same
// polos.trace_id span attribute (spec §4.3 stage 5). No Tracer in this
// module turns it into the span's trace context; runs under one root get
// separate OTel traces that share only this attribute value.
func deterministicTraceID(rootExecutionID string) string {
	sum := sha256.Sum256([]byte(rootExecutionID))
	return hex.EncodeToString(sum[:16])
}
