// Package sandbox implements the sandbox manager (spec §4.6): per-execution
// or per-session isolated containers, created lazily, destroyed by scope
// rules or idle/orphan reaping.
package sandbox

import (
	"context"
	"time"
)

// ManagedLabel marks a container as owned by this sandbox manager, used to
// scope both normal lookups and the orphan sweep's container listing.
const ManagedLabel = "polos.managed"

// WorkerIDLabel records which worker process created a container, so the
// orphan sweep (spec §4.6 phase 2) can tell a container apart from one
// belonging to a worker that is still active.
const WorkerIDLabel = "polos.worker-id"

// ScopeLabel records the sandbox's scope for the orphan sweep's own
// bookkeeping and for operator debugging.
const ScopeLabel = "polos.scope"

// Spec describes the container a Provisioner should create for one
// sandbox.
type Spec struct {
	Image   string
	Labels  map[string]string
	Env     map[string]string
	Command []string
}

// ContainerInfo is the provisioner-neutral view of a managed container,
// used by the orphan sweep. CreatedAt lets the sweep tell a container that
// just appeared (its worker may still be mid-startup) from one old enough
// to have outlived any plausible heartbeat gap.
type ContainerInfo struct {
	ID        string
	WorkerID  string
	Labels    map[string]string
	CreatedAt time.Time
}

// Provisioner creates, removes, and lists the containers backing sandboxes.
// Declared here rather than constructed directly by Manager so the docker
// backend can be swapped (tests use an in-memory fake).
type Provisioner interface {
	Create(ctx context.Context, spec Spec) (containerID string, err error)
	Remove(ctx context.Context, containerID string) error
	ListManaged(ctx context.Context) ([]ContainerInfo, error)
}
