// Package client is a typed facade over the orchestrator's HTTP/SSE API. It
// owns retries, backoff, and the wire protocol; callers (package step,
// package executor, package worker) never construct HTTP requests
// themselves.
package client

import (
	"context"
	"encoding/json"

	"github.com/polos-dev/polos-go"
)

// Client is the full set of orchestrator operations consumed by the SDK
// (spec §4.1 and §6's endpoint list).
type Client interface {
	// Worker lifecycle.
	RegisterDeployment(ctx context.Context, req RegisterDeploymentRequest) (RegisterDeploymentResponse, error)
	RegisterQueues(ctx context.Context, deploymentID string, queues []QueueSpec) error
	RegisterWorkflows(ctx context.Context, deploymentID string, defs []WorkflowSpec) error
	RegisterWorker(ctx context.Context, req RegisterWorkerRequest) (RegisterWorkerResponse, error)
	MarkOnline(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, workerID string) error
	ActiveWorkerIDs(ctx context.Context) ([]string, error)

	// Workflow invocation.
	Invoke(ctx context.Context, workflowID string, req InvokeRequest) (InvokeResponse, error)
	BatchInvoke(ctx context.Context, req BatchInvokeRequest) (BatchInvokeResponse, error)

	// Step persistence.
	StoreStepOutput(ctx context.Context, executionID string, out polos.StepOutput) error
	GetStepOutput(ctx context.Context, executionID, stepKey string) (polos.StepOutput, bool, error)
	GetAllStepOutputs(ctx context.Context, executionID string) ([]polos.StepOutput, error)

	// Execution lifecycle.
	Complete(ctx context.Context, executionID string, result json.RawMessage, finalState json.RawMessage) error
	Fail(ctx context.Context, executionID string, message string, retryable bool, finalState json.RawMessage) error
	ConfirmCancellation(ctx context.Context, executionID string) error
	GetExecution(ctx context.Context, executionID string) (ExecutionInfo, error)
	CancelExecution(ctx context.Context, executionID string) error
	SetWaiting(ctx context.Context, executionID string, req WaitRequest) error

	// Event bus.
	PublishEvent(ctx context.Context, topic, eventType string, data json.RawMessage) (polos.Event, error)
	StreamEvents(ctx context.Context, opts StreamOptions) (EventStream, error)

	// Schedules.
	CreateSchedule(ctx context.Context, req ScheduleRequest) error

	// Conversation history.
	AddConversationMessage(ctx context.Context, conversationID string, msg polos.ConversationMessage) error
	GetConversation(ctx context.Context, conversationID string, limit int) ([]polos.ConversationMessage, error)
}

// EventStream yields events lazily and is restartable from a sequence
// cursor (callers construct a new stream with StreamOptions.FromSequenceID
// set instead of resuming an existing value).
type EventStream interface {
	Next(ctx context.Context) (polos.Event, bool, error)
	Close() error
}

type RegisterDeploymentRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type RegisterDeploymentResponse struct {
	DeploymentID string `json:"deployment_id"`
}

type QueueSpec struct {
	Name             string `json:"name"`
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
}

type WorkflowSpec struct {
	ID           string          `json:"id"`
	WorkflowType polos.WorkflowType `json:"workflow_type"`
	Queue        string          `json:"queue,omitempty"`
}

type RegisterWorkerRequest struct {
	DeploymentID    string   `json:"deployment_id"`
	Runtime         string   `json:"runtime"`
	AgentIDs        []string `json:"agent_ids"`
	ToolIDs         []string `json:"tool_ids"`
	WorkflowIDs     []string `json:"workflow_ids"`
	PushEndpointURL string   `json:"push_endpoint_url,omitempty"`
}

type RegisterWorkerResponse struct {
	WorkerID string `json:"worker_id"`
}

type InvokeRequest struct {
	Payload               json.RawMessage `json:"payload"`
	SessionID             string          `json:"session_id,omitempty"`
	UserID                string          `json:"user_id,omitempty"`
	InitialState          json.RawMessage `json:"initial_state,omitempty"`
	RunTimeoutSeconds     int             `json:"run_timeout_seconds,omitempty"`
	ParentExecutionID     string          `json:"parent_execution_id,omitempty"`
	RootExecutionID       string          `json:"root_execution_id,omitempty"`
	StepKey               string          `json:"step_key,omitempty"`
	ChannelContext        json.RawMessage `json:"channel_context,omitempty"`
	ConcurrencyKey        string          `json:"concurrency_key,omitempty"`
	QueueName             string          `json:"queue_name,omitempty"`
	QueueConcurrencyLimit int             `json:"queue_concurrency_limit,omitempty"`
}

type InvokeResponse struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	CreatedAt   int64  `json:"created_at"`
}

type BatchInvokeRequest struct {
	Items []BatchInvokeItem `json:"items"`
}

type BatchInvokeItem struct {
	WorkflowID string `json:"workflow_id"`
	InvokeRequest
}

type BatchInvokeResponse struct {
	Results []polos.BatchResult `json:"results"`
}

type WaitRequest struct {
	Type      string `json:"type"` // time | event | suspend
	WaitUntil int64  `json:"wait_until,omitempty"`
	Topic     string `json:"topic,omitempty"`
	StepKey   string `json:"step_key"`
}

type StreamOptions struct {
	Topic          string
	WorkflowID     string
	WorkflowRunID  string
	FromSequenceID int64
}

type ScheduleRequest struct {
	WorkflowID string          `json:"workflow_id"`
	Schedule   string          `json:"schedule"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type ExecutionInfo struct {
	ExecutionID string          `json:"execution_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	Cancelled   bool            `json:"cancelled"`
}
