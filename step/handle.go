package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
)

// State is the execution state of a sub-workflow started via Invoke,
// generalizing the teacher's AgentHandle.state machine (handle.go) from an
// in-process goroutine's lifecycle to a remotely-tracked execution's.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func stateFromStatus(status string) State {
	switch status {
	case "running", "pending", "waiting":
		if status == "pending" {
			return StatePending
		}
		return StateRunning
	case "completed", "succeeded":
		return StateCompleted
	case "failed":
		return StateFailed
	case "cancelled":
		return StateCancelled
	default:
		return StateRunning
	}
}

// Handle is the live, rehydratable form of polos.Handle (spec §9 design
// note: sub-workflow handles returned from invoke must be serializable so
// the orchestrator can persist them in step outputs). Record() returns the
// flat, JSON-serializable form actually persisted as the step's output;
// Rehydrate rebuilds a Handle from that record plus a Client to poll
// status, rather than holding a live goroutine the way the teacher's
// AgentHandle does.
type Handle struct {
	record polos.Handle
	c      client.Client
}

// NewHandle wraps a freshly-started invocation.
func NewHandle(c client.Client, record polos.Handle) *Handle {
	return &Handle{record: record, c: c}
}

// Rehydrate reconstructs a Handle from a previously-persisted flat record,
// e.g. after loading it back out of a replayed step output.
func Rehydrate(c client.Client, record polos.Handle) *Handle {
	return &Handle{record: record, c: c}
}

// Record returns the flat, serializable form persisted as the step output.
func (h *Handle) Record() polos.Handle { return h.record }

func (h *Handle) ID() string         { return h.record.ID }
func (h *Handle) WorkflowID() string { return h.record.WorkflowID }

// Status polls the orchestrator for the sub-workflow's current state.
func (h *Handle) Status(ctx context.Context) (State, error) {
	info, err := h.c.GetExecution(ctx, h.record.ID)
	if err != nil {
		return StatePending, fmt.Errorf("handle %s: get execution: %w", h.record.ID, err)
	}
	if info.Cancelled {
		return StateCancelled, nil
	}
	return stateFromStatus(info.Status), nil
}

// Result fetches the sub-workflow's execution record once and returns its
// result payload, or an error if it recorded one. It does not wait for a
// terminal state: for a sub-workflow still running, the payload is empty.
func (h *Handle) Result(ctx context.Context) (json.RawMessage, error) {
	info, err := h.c.GetExecution(ctx, h.record.ID)
	if err != nil {
		return nil, err
	}
	if len(info.Error) > 0 {
		return nil, fmt.Errorf("sub-workflow %s failed: %s", h.record.ID, string(info.Error))
	}
	return info.Result, nil
}
