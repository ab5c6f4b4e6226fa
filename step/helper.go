// Package step implements the step helper: the primitive through which a
// workflow or agent handler performs memoized, replay-safe side effects
// (spec §4.2). Every operation first consults a local cache loaded once at
// executor entry; a cache hit returns the recorded outcome without
// repeating the side effect.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
)

// Config bounds wait behavior and supplies the logger and tracer for one
// Helper; Run's retry settings come from its RunOptions instead.
type Config struct {
	WaitThreshold time.Duration // short-wait/long-wait cutoff for WaitFor/WaitUntil
	Logger        *slog.Logger
	Tracer        polos.Tracer
}

func defaultConfig() Config {
	return Config{
		WaitThreshold: 10 * time.Second,
		Logger:        slog.New(slog.DiscardHandler),
		Tracer:        polos.NoopTracer(),
	}
}

// Helper is the concrete Step implementation bound to one execution.
type Helper struct {
	c           client.Client
	execCtx     polos.ExecutionContext
	cache       *cache
	cfg         Config
	isCancelled func() bool
	topic       string
}

var _ polos.Step = (*Helper)(nil)

// New constructs a Helper for one execution, loading its recorded step
// outputs from the orchestrator (the executor's "replay load" stage, spec
// §4.3 stage 1).
func New(ctx context.Context, c client.Client, execCtx polos.ExecutionContext, cfg Config, isCancelled func() bool) (*Helper, error) {
	if cfg.WaitThreshold == 0 {
		cfg.WaitThreshold = defaultConfig().WaitThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultConfig().Logger
	}
	if cfg.Tracer == nil {
		cfg.Tracer = defaultConfig().Tracer
	}
	ch, err := loadCache(ctx, c, execCtx.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("step: load cache: %w", err)
	}
	if isCancelled == nil {
		isCancelled = func() bool { return false }
	}
	return &Helper{
		c:           c,
		execCtx:     execCtx,
		cache:       ch,
		cfg:         cfg,
		isCancelled: isCancelled,
		topic:       polos.RunTopic(execCtx.RootWorkflowID, execCtx.RootExecutionID),
	}, nil
}

func (h *Helper) checkCancelled() error {
	if h.isCancelled() {
		return &polos.CancellationError{ExecutionID: h.execCtx.ExecutionID}
	}
	return nil
}

// Run executes fn, retrying any failure (up to RunConfig.MaxRetries) with capped exponential
// backoff, persisting the outcome exactly once per (execution, key).
func (h *Helper) Run(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error), opts ...polos.RunOption) (json.RawMessage, error) {
	if err := h.checkCancelled(); err != nil {
		return nil, err
	}
	if out, ok := h.cache.get(key); ok {
		return recordedOutcome(key, out)
	}

	cfg := polos.RunConfig{MaxRetries: 0, BaseDelay: 1000, MaxDelay: 30000}
	for _, opt := range opts {
		opt(&cfg)
	}

	var lastErr error
	attempts := cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			out := polos.StepOutput{StepKey: key, Success: true, Outputs: result, CompletedAt: polos.NowUnix()}
			if perr := h.persist(ctx, out); perr != nil {
				return nil, perr
			}
			return result, nil
		}
		lastErr = err
		if attempt < attempts-1 {
			delay := time.Duration(cfg.BaseDelay) * time.Millisecond * time.Duration(1<<attempt)
			if max := time.Duration(cfg.MaxDelay) * time.Millisecond; max > 0 && delay > max {
				delay = max
			}
			h.cfg.Logger.Warn("step run failed, retrying", "step", key, "attempt", attempt+1, "max_attempts", attempts, "err", err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	stepErr := &polos.StepExecutionError{StepKey: key, Err: lastErr}
	out := polos.StepOutput{StepKey: key, Success: false, Error: stepErr.Error(), CompletedAt: polos.NowUnix()}
	if perr := h.persist(ctx, out); perr != nil {
		return nil, perr
	}
	return nil, stepErr
}

func recordedOutcome(key string, out polos.StepOutput) (json.RawMessage, error) {
	if out.Success {
		return out.Outputs, nil
	}
	return nil, &polos.StepExecutionError{StepKey: key, Err: fmt.Errorf("%s", out.Error)}
}

func (h *Helper) persist(ctx context.Context, out polos.StepOutput) error {
	if err := h.c.StoreStepOutput(ctx, h.execCtx.ExecutionID, out); err != nil {
		return fmt.Errorf("step %s: store output: %w", out.StepKey, err)
	}
	h.cache.put(out)
	return nil
}

func (h *Helper) Invoke(ctx context.Context, key string, workflowRef string, payload json.RawMessage, opts ...polos.InvokeOption) (*polos.Handle, error) {
	if err := h.checkCancelled(); err != nil {
		return nil, err
	}
	if out, ok := h.cache.get(key); ok {
		var rec polos.Handle
		if err := json.Unmarshal(out.Outputs, &rec); err != nil {
			return nil, fmt.Errorf("step %s: decode cached handle: %w", key, err)
		}
		return &rec, nil
	}

	req := buildInvokeRequest(h.execCtx, key, payload, opts...)
	resp, err := h.c.Invoke(ctx, workflowRef, req)
	if err != nil {
		return nil, err
	}
	rec := polos.Handle{
		ID:                resp.ExecutionID,
		WorkflowID:        resp.WorkflowID,
		CreatedAt:         resp.CreatedAt,
		ParentExecutionID: h.execCtx.ExecutionID,
		RootExecutionID:   h.execCtx.RootExecutionID,
		SessionID:         req.SessionID,
		UserID:            req.UserID,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := h.persist(ctx, polos.StepOutput{StepKey: key, Success: true, Outputs: data, CompletedAt: polos.NowUnix(), SourceExecutionID: rec.ID}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (h *Helper) InvokeAndWait(ctx context.Context, key string, workflowRef string, payload json.RawMessage, opts ...polos.InvokeOption) (json.RawMessage, error) {
	if err := h.checkCancelled(); err != nil {
		return nil, err
	}
	if out, ok := h.cache.get(key); ok {
		return recordedOutcome(key, out)
	}

	req := buildInvokeRequest(h.execCtx, key, payload, opts...)
	resp, err := h.c.Invoke(ctx, workflowRef, req)
	if err != nil {
		return nil, err
	}
	topic := polos.RunTopic(resp.WorkflowID, resp.ExecutionID)
	if err := h.c.SetWaiting(ctx, h.execCtx.ExecutionID, client.WaitRequest{Type: "event", Topic: topic, StepKey: key}); err != nil {
		return nil, err
	}
	return nil, &polos.WaitSignal{Type: "event", Topic: topic, StepKey: key}
}

func (h *Helper) BatchInvoke(ctx context.Context, key string, items []polos.BatchItem, opts ...polos.InvokeOption) ([]*polos.Handle, error) {
	if err := h.checkCancelled(); err != nil {
		return nil, err
	}
	if out, ok := h.cache.get(key); ok {
		var recs []polos.Handle
		if err := json.Unmarshal(out.Outputs, &recs); err != nil {
			return nil, err
		}
		handles := make([]*polos.Handle, len(recs))
		for i := range recs {
			r := recs[i]
			handles[i] = &r
		}
		return handles, nil
	}

	batchReq := client.BatchInvokeRequest{}
	for _, item := range items {
		ic := polos.InvokeConfig{}
		for _, opt := range item.Opts {
			opt(&ic)
		}
		batchReq.Items = append(batchReq.Items, client.BatchInvokeItem{
			WorkflowID:    item.WorkflowRef,
			InvokeRequest: invokeRequestFromConfig(h.execCtx, key, item.Payload, ic),
		})
	}
	resp, err := h.c.BatchInvoke(ctx, batchReq)
	if err != nil {
		return nil, err
	}
	recs := make([]polos.Handle, len(resp.Results))
	for i, r := range resp.Results {
		recs[i] = polos.Handle{ID: r.WorkflowID, ParentExecutionID: h.execCtx.ExecutionID, RootExecutionID: h.execCtx.RootExecutionID, CreatedAt: polos.NowUnix()}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return nil, err
	}
	if err := h.persist(ctx, polos.StepOutput{StepKey: key, Success: true, Outputs: data, CompletedAt: polos.NowUnix()}); err != nil {
		return nil, err
	}
	handles := make([]*polos.Handle, len(recs))
	for i := range recs {
		r := recs[i]
		handles[i] = &r
	}
	return handles, nil
}

func (h *Helper) BatchInvokeAndWait(ctx context.Context, key string, items []polos.BatchItem, opts ...polos.InvokeOption) ([]polos.BatchResult, error) {
	if err := h.checkCancelled(); err != nil {
		return nil, err
	}
	if out, ok := h.cache.get(key); ok {
		if !out.Success {
			return nil, &polos.StepExecutionError{StepKey: key, Err: fmt.Errorf("%s", out.Error)}
		}
		var results []polos.BatchResult
		if err := json.Unmarshal(out.Outputs, &results); err != nil {
			return nil, err
		}
		return results, nil
	}

	batchReq := client.BatchInvokeRequest{}
	for _, item := range items {
		ic := polos.InvokeConfig{}
		for _, opt := range item.Opts {
			opt(&ic)
		}
		batchReq.Items = append(batchReq.Items, client.BatchInvokeItem{
			WorkflowID:    item.WorkflowRef,
			InvokeRequest: invokeRequestFromConfig(h.execCtx, key, item.Payload, ic),
		})
	}
	if _, err := h.c.BatchInvoke(ctx, batchReq); err != nil {
		return nil, err
	}
	if err := h.c.SetWaiting(ctx, h.execCtx.ExecutionID, client.WaitRequest{Type: "event", Topic: "invoke_result_" + key, StepKey: key}); err != nil {
		return nil, err
	}
	return nil, &polos.WaitSignal{Type: "event", Topic: "invoke_result_" + key, StepKey: key}
}

func (h *Helper) WaitFor(ctx context.Context, key string, d polos.DurationSpec) error {
	if err := h.checkCancelled(); err != nil {
		return err
	}
	if _, ok := h.cache.get(key); ok {
		return nil
	}
	dur := d.ToDuration()
	if dur <= h.cfg.WaitThreshold {
		timer := time.NewTimer(dur)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		return h.persist(ctx, polos.StepOutput{StepKey: key, Success: true, Outputs: []byte("true"), CompletedAt: polos.NowUnix()})
	}

	waitUntil := polos.NowUnix() + int64(dur.Seconds())
	if err := h.c.SetWaiting(ctx, h.execCtx.ExecutionID, client.WaitRequest{Type: "time", WaitUntil: waitUntil, StepKey: key}); err != nil {
		return err
	}
	return &polos.WaitSignal{Type: "time", WaitUntil: waitUntil, StepKey: key}
}

func (h *Helper) WaitUntil(ctx context.Context, key string, at int64) error {
	return h.WaitFor(ctx, key, polos.DurationSpec{Seconds: int(at - polos.NowUnix())})
}

func (h *Helper) WaitForEvent(ctx context.Context, key string, topic string, timeout polos.DurationSpec) (*polos.Event, error) {
	if err := h.checkCancelled(); err != nil {
		return nil, err
	}
	if out, ok := h.cache.get(key); ok {
		var ev polos.Event
		if err := json.Unmarshal(out.Outputs, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	}
	req := client.WaitRequest{Type: "event", Topic: topic, StepKey: key}
	if timeout.ToDuration() > 0 {
		req.WaitUntil = polos.NowUnix() + int64(timeout.ToDuration().Seconds())
	}
	if err := h.c.SetWaiting(ctx, h.execCtx.ExecutionID, req); err != nil {
		return nil, err
	}
	return nil, &polos.WaitSignal{Type: "event", Topic: topic, StepKey: key}
}

func (h *Helper) PublishEvent(ctx context.Context, key string, topic string, eventType string, data json.RawMessage) error {
	if err := h.checkCancelled(); err != nil {
		return err
	}
	if _, ok := h.cache.get(key); ok {
		return nil
	}
	ev, err := h.c.PublishEvent(ctx, topic, eventType, data)
	if err != nil {
		return err
	}
	out, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.persist(ctx, polos.StepOutput{StepKey: key, Success: true, Outputs: out, CompletedAt: polos.NowUnix()})
}

func (h *Helper) Suspend(ctx context.Context, key string, data json.RawMessage, timeout polos.DurationSpec) (json.RawMessage, error) {
	if err := h.checkCancelled(); err != nil {
		return nil, err
	}
	if out, ok := h.cache.get(key); ok {
		return recordedOutcome(key, out)
	}

	suspendType := client.EventType(client.SuspendEventType(key))
	if _, err := h.c.PublishEvent(ctx, h.topic, string(suspendType), data); err != nil {
		return nil, err
	}
	resumeTopic := client.ResumeEventType(key)
	req := client.WaitRequest{Type: "suspend", Topic: resumeTopic, StepKey: key}
	if timeout.ToDuration() > 0 {
		req.WaitUntil = polos.NowUnix() + int64(timeout.ToDuration().Seconds())
	}
	if err := h.c.SetWaiting(ctx, h.execCtx.ExecutionID, req); err != nil {
		return nil, err
	}
	return nil, &polos.WaitSignal{Type: "suspend", Topic: resumeTopic, StepKey: key}
}

func (h *Helper) Resume(ctx context.Context, key string, workflowID, executionID, stepKey string, data json.RawMessage) error {
	if err := h.checkCancelled(); err != nil {
		return err
	}
	if _, ok := h.cache.get(key); ok {
		return nil
	}
	topic := polos.RunTopic(workflowID, executionID)
	if _, err := h.c.PublishEvent(ctx, topic, client.ResumeEventType(stepKey), data); err != nil {
		return err
	}
	return h.persist(ctx, polos.StepOutput{StepKey: key, Success: true, Outputs: []byte("true"), CompletedAt: polos.NowUnix()})
}

func (h *Helper) UUID(ctx context.Context, key string) (string, error) {
	if out, ok := h.cache.get(key); ok {
		var id string
		if err := json.Unmarshal(out.Outputs, &id); err != nil {
			return "", err
		}
		return id, nil
	}
	id := polos.NewID()
	data, _ := json.Marshal(id)
	if err := h.persist(ctx, polos.StepOutput{StepKey: key, Success: true, Outputs: data, CompletedAt: polos.NowUnix()}); err != nil {
		return "", err
	}
	return id, nil
}

func (h *Helper) Now(ctx context.Context, key string) (int64, error) {
	if out, ok := h.cache.get(key); ok {
		var ts int64
		if err := json.Unmarshal(out.Outputs, &ts); err != nil {
			return 0, err
		}
		return ts, nil
	}
	ts := polos.NowUnix()
	data, _ := json.Marshal(ts)
	if err := h.persist(ctx, polos.StepOutput{StepKey: key, Success: true, Outputs: data, CompletedAt: polos.NowUnix()}); err != nil {
		return 0, err
	}
	return ts, nil
}

func (h *Helper) Random(ctx context.Context, key string) (float64, error) {
	if out, ok := h.cache.get(key); ok {
		var v float64
		if err := json.Unmarshal(out.Outputs, &v); err != nil {
			return 0, err
		}
		return v, nil
	}
	v := rand.Float64()
	data, _ := json.Marshal(v)
	if err := h.persist(ctx, polos.StepOutput{StepKey: key, Success: true, Outputs: data, CompletedAt: polos.NowUnix()}); err != nil {
		return 0, err
	}
	return v, nil
}

// AgentInvoke/AgentInvokeAndWait/BatchAgentInvokeAndWait specialize the
// workflow invocation primitives for agent sub-workflows (spec §4.2): an
// agent registered as workflow_type agent is just a workflow as far as the
// orchestrator's invoke endpoint is concerned.
func (h *Helper) AgentInvoke(ctx context.Context, key string, agentRef string, payload json.RawMessage, opts ...polos.InvokeOption) (*polos.Handle, error) {
	return h.Invoke(ctx, key, agentRef, payload, opts...)
}

func (h *Helper) AgentInvokeAndWait(ctx context.Context, key string, agentRef string, payload json.RawMessage, opts ...polos.InvokeOption) (json.RawMessage, error) {
	return h.InvokeAndWait(ctx, key, agentRef, payload, opts...)
}

func (h *Helper) BatchAgentInvokeAndWait(ctx context.Context, key string, items []polos.BatchItem, opts ...polos.InvokeOption) ([]polos.BatchResult, error) {
	return h.BatchInvokeAndWait(ctx, key, items, opts...)
}

// Trace opens a span around fn. Not a durable step: it is not persisted and
// runs on every replay, matching spec §4.2's explicit carve-out.
func (h *Helper) Trace(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) error) error {
	spanAttrs := make([]polos.SpanAttr, 0, len(attrs))
	for k, v := range attrs {
		spanAttrs = append(spanAttrs, polos.SpanAttr{Key: k, Value: v})
	}
	spanCtx, span := h.cfg.Tracer.Start(ctx, name, spanAttrs...)
	defer span.End()
	if err := fn(spanCtx); err != nil {
		span.Error(err)
		return err
	}
	return nil
}

func buildInvokeRequest(execCtx polos.ExecutionContext, stepKey string, payload json.RawMessage, opts ...polos.InvokeOption) client.InvokeRequest {
	ic := polos.InvokeConfig{}
	for _, opt := range opts {
		opt(&ic)
	}
	return invokeRequestFromConfig(execCtx, stepKey, payload, ic)
}

func invokeRequestFromConfig(execCtx polos.ExecutionContext, stepKey string, payload json.RawMessage, ic polos.InvokeConfig) client.InvokeRequest {
	return client.InvokeRequest{
		Payload:               payload,
		SessionID:             ic.SessionID,
		UserID:                ic.UserID,
		InitialState:          ic.InitialState,
		RunTimeoutSeconds:     ic.RunTimeoutSeconds,
		ParentExecutionID:     execCtx.ExecutionID,
		RootExecutionID:       execCtx.RootExecutionID,
		StepKey:               stepKey,
		ChannelContext:        ic.ChannelContext,
		ConcurrencyKey:        ic.ConcurrencyKey,
		QueueName:             ic.QueueName,
		QueueConcurrencyLimit: ic.QueueConcurrencyLimit,
	}
}
