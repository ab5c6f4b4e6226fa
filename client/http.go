package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/polos-dev/polos-go"
)

// HTTPOption configures an httpClient.
type HTTPOption func(*httpClient)

func WithHTTPClient(hc *http.Client) HTTPOption { return func(c *httpClient) { c.hc = hc } }
func WithRetryPolicy(p RetryPolicy) HTTPOption  { return func(c *httpClient) { c.retry = p } }
func WithLogger(l *slog.Logger) HTTPOption      { return func(c *httpClient) { c.logger = l } }

// WithRateLimit caps outbound requests per second, smoothing bursts against
// the orchestrator with a token-bucket limiter, the way
// features/model/middleware/ratelimit.go in the goa-ai example shapes
// request rates with rate.NewLimiter.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// httpClient implements Client over plain JSON HTTP: snake_case bodies, an
// Authorization: Bearer header, and X-Project-ID when a project ID is
// configured. It sends no X-Worker-ID header.
type httpClient struct {
	baseURL   string
	apiKey    string
	projectID string

	hc      *http.Client
	retry   RetryPolicy
	logger  *slog.Logger
	limiter *rate.Limiter
}

var _ Client = (*httpClient)(nil)

// NewHTTP builds a Client bound to cfg. Functional options follow the
// teacher's WithRetry/WithLogger convention (retry.go, guardrail.go).
func NewHTTP(cfg polos.Config, opts ...HTTPOption) Client {
	c := &httpClient{
		baseURL:   cfg.APIURL,
		apiKey:    cfg.APIKey,
		projectID: cfg.ProjectID,
		hc:        &http.Client{Timeout: 30 * time.Second},
		retry:     DefaultRetryPolicy(),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	_, err := retryCall(ctx, c.retry, method+" "+path, func() (struct{}, error) {
		return struct{}{}, c.doOnce(ctx, method, path, body, out)
	})
	return err
}

func (c *httpClient) doOnce(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &polos.NetworkError{Op: path, Err: err}
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &polos.NetworkError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.projectID != "" {
		req.Header.Set("X-Project-ID", c.projectID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return &polos.NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &polos.NetworkError{Op: path, Err: err}
	}

	if resp.StatusCode >= 300 {
		apiErr := &polos.ApiError{Status: resp.StatusCode, Body: string(respBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				apiErr.RetryAfter = secs
			}
		}
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *httpClient) RegisterDeployment(ctx context.Context, req RegisterDeploymentRequest) (RegisterDeploymentResponse, error) {
	var out RegisterDeploymentResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/deployments/register", req, &out)
	return out, err
}

func (c *httpClient) RegisterQueues(ctx context.Context, deploymentID string, queues []QueueSpec) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/deployments/"+deploymentID+"/queues", queues, nil)
}

func (c *httpClient) RegisterWorkflows(ctx context.Context, deploymentID string, defs []WorkflowSpec) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/deployments/"+deploymentID+"/workflows", defs, nil)
}

func (c *httpClient) RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (RegisterWorkerResponse, error) {
	var out RegisterWorkerResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/workers/register", req, &out)
	return out, err
}

func (c *httpClient) MarkOnline(ctx context.Context, workerID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/workers/"+workerID+"/online", nil, nil)
}

func (c *httpClient) Heartbeat(ctx context.Context, workerID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/workers/"+workerID+"/heartbeat", nil, nil)
}

func (c *httpClient) ActiveWorkerIDs(ctx context.Context) ([]string, error) {
	var out struct {
		WorkerIDs []string `json:"worker_ids"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/workers/active", nil, &out)
	return out.WorkerIDs, err
}

func (c *httpClient) Invoke(ctx context.Context, workflowID string, req InvokeRequest) (InvokeResponse, error) {
	var out InvokeResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/workflows/"+workflowID+"/run", req, &out)
	return out, err
}

func (c *httpClient) BatchInvoke(ctx context.Context, req BatchInvokeRequest) (BatchInvokeResponse, error) {
	var out BatchInvokeResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/workflows/batch_run", req, &out)
	return out, err
}

func (c *httpClient) StoreStepOutput(ctx context.Context, executionID string, o polos.StepOutput) error {
	return c.doJSON(ctx, http.MethodPost, "/internal/executions/"+executionID+"/steps", o, nil)
}

func (c *httpClient) GetStepOutput(ctx context.Context, executionID, stepKey string) (polos.StepOutput, bool, error) {
	var out polos.StepOutput
	err := c.doJSON(ctx, http.MethodGet, "/internal/executions/"+executionID+"/steps/"+url.PathEscape(stepKey), nil, &out)
	if apiErr, ok := err.(*polos.ApiError); ok && apiErr.Status == http.StatusNotFound {
		return polos.StepOutput{}, false, nil
	}
	if err != nil {
		return polos.StepOutput{}, false, err
	}
	return out, true, nil
}

func (c *httpClient) GetAllStepOutputs(ctx context.Context, executionID string) ([]polos.StepOutput, error) {
	var out []polos.StepOutput
	err := c.doJSON(ctx, http.MethodGet, "/internal/executions/"+executionID+"/steps", nil, &out)
	return out, err
}

func (c *httpClient) Complete(ctx context.Context, executionID string, result, finalState json.RawMessage) error {
	body := map[string]json.RawMessage{"result": result, "final_state": finalState}
	return c.doJSON(ctx, http.MethodPost, "/internal/executions/"+executionID+"/complete", body, nil)
}

func (c *httpClient) Fail(ctx context.Context, executionID, message string, retryable bool, finalState json.RawMessage) error {
	body := map[string]any{"message": message, "retryable": retryable, "final_state": finalState}
	return c.doJSON(ctx, http.MethodPost, "/internal/executions/"+executionID+"/fail", body, nil)
}

func (c *httpClient) ConfirmCancellation(ctx context.Context, executionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/internal/executions/"+executionID+"/cancel_confirm", nil, nil)
}

func (c *httpClient) GetExecution(ctx context.Context, executionID string) (ExecutionInfo, error) {
	var out ExecutionInfo
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/executions/"+executionID, nil, &out)
	return out, err
}

func (c *httpClient) CancelExecution(ctx context.Context, executionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/executions/"+executionID+"/cancel", nil, nil)
}

func (c *httpClient) SetWaiting(ctx context.Context, executionID string, req WaitRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/internal/executions/"+executionID+"/wait", req, nil)
}

func (c *httpClient) PublishEvent(ctx context.Context, topic, eventType string, data json.RawMessage) (polos.Event, error) {
	body := map[string]any{"topic": topic, "event_type": eventType, "data": data}
	var out polos.Event
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/events/publish", body, &out)
	return out, err
}

func (c *httpClient) StreamEvents(ctx context.Context, opts StreamOptions) (EventStream, error) {
	q := url.Values{}
	if opts.Topic != "" {
		q.Set("topic", opts.Topic)
	}
	if opts.WorkflowID != "" {
		q.Set("workflow_id", opts.WorkflowID)
	}
	if opts.WorkflowRunID != "" {
		q.Set("workflow_run_id", opts.WorkflowRunID)
	}
	if opts.FromSequenceID > 0 {
		q.Set("from_sequence_id", strconv.FormatInt(opts.FromSequenceID, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, &polos.NetworkError{Op: "stream_events", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")
	if c.projectID != "" {
		req.Header.Set("X-Project-ID", c.projectID)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &polos.NetworkError{Op: "stream_events", Err: err}
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &polos.ApiError{Status: resp.StatusCode, Body: string(body)}
	}
	return newSSEStream(resp.Body), nil
}

func (c *httpClient) CreateSchedule(ctx context.Context, req ScheduleRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/schedules", req, nil)
}

func (c *httpClient) AddConversationMessage(ctx context.Context, conversationID string, msg polos.ConversationMessage) error {
	return c.doJSON(ctx, http.MethodPost, "/internal/conversation/"+conversationID+"/add", msg, nil)
}

func (c *httpClient) GetConversation(ctx context.Context, conversationID string, limit int) ([]polos.ConversationMessage, error) {
	path := "/api/v1/conversation/" + conversationID + "/get"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []polos.ConversationMessage
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
