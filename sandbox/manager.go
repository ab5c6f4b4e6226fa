package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/polos-dev/polos-go/client"
)

// Scope distinguishes per-execution from per-session sandboxes (spec §4.6).
type Scope string

const (
	ScopeExecution Scope = "execution"
	ScopeSession   Scope = "session"
)

// Sandbox is the manager's live record of one container (spec §4 "Sandbox"
// type): identifier, scope, idle timeout, last activity, attached
// executions, and destroyed flag.
type Sandbox struct {
	ID                 string
	ContainerID        string
	Scope              Scope
	SessionID          string
	IdleDestroyTimeout time.Duration
	LastActivityAt     time.Time
	Executions         map[string]bool
	Destroyed          bool
}

// Request identifies the caller of GetOrCreateSandbox.
type Request struct {
	ExecutionID string
	SessionID   string
}

// Config bounds one Manager's behavior. Fields named after the spec's own
// vocabulary (sweepInterval, idleDestroyTimeout, ORPHAN_GRACE_PERIOD).
type Config struct {
	Image              string
	IdleDestroyTimeout time.Duration
	SweepInterval      time.Duration
	OrphanGracePeriod  time.Duration
	WorkerID           string
}

func (c Config) withDefaults() Config {
	if c.IdleDestroyTimeout <= 0 {
		c.IdleDestroyTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.OrphanGracePeriod <= 0 {
		c.OrphanGracePeriod = 30 * time.Minute
	}
	return c
}

// Manager creates, reuses, and reaps sandboxes. Grounded on the teacher's
// sessionManager (session.go): a map of live entries guarded by one mutex,
// a TTL-driven background sweep goroutine, and a start/close pair — here
// generalized from a single filesystem-workspace TTL map to scope-aware
// container sandboxes with a second sweep phase for orphan containers the
// manager itself never created (because the worker that created them
// crashed, spec §4.6 phase 2).
type Manager struct {
	provisioner Provisioner
	orch        client.Client
	cfg         Config
	logger      *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox      // sandbox ID -> sandbox
	bySession map[string]string        // session ID -> sandbox ID
	creating  map[string]chan struct{} // session ID -> in-flight creation gate

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewManager(provisioner Provisioner, orch client.Client, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		provisioner: provisioner,
		orch:        orch,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		sandboxes:   make(map[string]*Sandbox),
		bySession:   make(map[string]string),
		creating:    make(map[string]chan struct{}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the periodic sweep goroutine (spec §4.6 "Periodic sweep").
func (m *Manager) Start() { go m.runSweep() }

// Close stops the sweep goroutine and waits for it to exit. It does not
// destroy any sandbox; callers destroy remaining sandboxes explicitly
// (worker shutdown calls DestroyAll).
func (m *Manager) Close() {
	close(m.stopCh)
	<-m.doneCh
}

// GetOrCreateSandbox implements spec §4.6's lifecycle: scope "execution"
// always creates a fresh sandbox; scope "session" reuses the existing
// non-destroyed sandbox for that session if any, else acquires a
// per-session creation lock so concurrent callers coalesce onto one
// container instead of racing to create two.
func (m *Manager) GetOrCreateSandbox(ctx context.Context, req Request) (*Sandbox, error) {
	if req.SessionID == "" {
		return m.createSandbox(ctx, ScopeExecution, req)
	}
	return m.getOrCreateSessionSandbox(ctx, req)
}

func (m *Manager) getOrCreateSessionSandbox(ctx context.Context, req Request) (*Sandbox, error) {
	for {
		m.mu.Lock()
		if id, ok := m.bySession[req.SessionID]; ok {
			sb := m.sandboxes[id]
			if sb != nil && !sb.Destroyed {
				sb.Executions[req.ExecutionID] = true
				sb.LastActivityAt = time.Now()
				m.mu.Unlock()
				return sb, nil
			}
		}
		if gate, inProgress := m.creating[req.SessionID]; inProgress {
			m.mu.Unlock()
			select {
			case <-gate:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		gate := make(chan struct{})
		m.creating[req.SessionID] = gate
		m.mu.Unlock()

		sb, err := m.createSandbox(ctx, ScopeSession, req)

		m.mu.Lock()
		delete(m.creating, req.SessionID)
		m.mu.Unlock()
		close(gate)

		return sb, err
	}
}

func (m *Manager) createSandbox(ctx context.Context, scope Scope, req Request) (*Sandbox, error) {
	labels := map[string]string{ScopeLabel: string(scope)}
	if req.SessionID != "" {
		labels["polos.session-id"] = req.SessionID
	}
	containerID, err := m.provisioner.Create(ctx, Spec{Image: m.cfg.Image, Labels: labels})
	if err != nil {
		return nil, fmt.Errorf("sandbox: provision container: %w", err)
	}

	sb := &Sandbox{
		ID:                 containerID,
		ContainerID:        containerID,
		Scope:              scope,
		SessionID:          req.SessionID,
		IdleDestroyTimeout: m.cfg.IdleDestroyTimeout,
		LastActivityAt:     time.Now(),
		Executions:         map[string]bool{req.ExecutionID: true},
	}

	m.mu.Lock()
	m.sandboxes[sb.ID] = sb
	if scope == ScopeSession {
		m.bySession[req.SessionID] = sb.ID
	}
	m.mu.Unlock()

	return sb, nil
}

// Touch refreshes a sandbox's last-activity timestamp, called on every tool
// invocation that touches it (spec §4.6 "Activity is refreshed on every
// tool invocation").
func (m *Manager) Touch(sandboxID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[sandboxID]; ok {
		sb.LastActivityAt = time.Now()
	}
}

// OnExecutionComplete detaches executionID from every sandbox it is
// attached to. Execution-scoped sandboxes are destroyed immediately on
// detach; session-scoped sandboxes survive until idle (spec §4.6).
func (m *Manager) OnExecutionComplete(ctx context.Context, executionID string) {
	var toDestroy []*Sandbox

	m.mu.Lock()
	for _, sb := range m.sandboxes {
		if !sb.Executions[executionID] {
			continue
		}
		delete(sb.Executions, executionID)
		if sb.Scope == ScopeExecution {
			toDestroy = append(toDestroy, sb)
		}
	}
	m.mu.Unlock()

	for _, sb := range toDestroy {
		m.destroy(ctx, sb)
	}
}

func (m *Manager) destroy(ctx context.Context, sb *Sandbox) {
	m.mu.Lock()
	if sb.Destroyed {
		m.mu.Unlock()
		return
	}
	sb.Destroyed = true
	delete(m.sandboxes, sb.ID)
	if sb.Scope == ScopeSession && m.bySession[sb.SessionID] == sb.ID {
		delete(m.bySession, sb.SessionID)
	}
	m.mu.Unlock()

	if err := m.provisioner.Remove(ctx, sb.ContainerID); err != nil {
		m.logger.Warn("sandbox: destroy failed", "sandbox_id", sb.ID, "err", err)
	}
}

// DestroyAll removes every managed sandbox, used by worker shutdown.
func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		all = append(all, sb)
	}
	m.mu.Unlock()

	for _, sb := range all {
		m.destroy(ctx, sb)
	}
}

func (m *Manager) runSweep() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.idleSweep(context.Background())
			m.orphanSweep(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// idleSweep is sweep phase 1: destroy any managed sandbox whose last
// activity exceeds its idle timeout. This covers both execution sandboxes
// orphaned by a handler crash (which never reached OnExecutionComplete)
// and session sandboxes past their idle TTL.
func (m *Manager) idleSweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var expired []*Sandbox
	for _, sb := range m.sandboxes {
		if now.Sub(sb.LastActivityAt) > sb.IdleDestroyTimeout {
			expired = append(expired, sb)
		}
	}
	m.mu.Unlock()

	for _, sb := range expired {
		m.destroy(ctx, sb)
	}
}

// orphanSweep is sweep phase 2: list every container tagged
// ManagedLabel=true, compare its worker-id label against the orchestrator's
// set of currently active workers, and remove any whose owning worker is
// gone and whose age exceeds OrphanGracePeriod. The age gate is what
// protects a worker that is mid-startup or in a heartbeat gap: its
// containers are younger than the grace period, so they're left alone
// until either the worker reappears in the active set or they age past it.
func (m *Manager) orphanSweep(ctx context.Context) {
	containers, err := m.provisioner.ListManaged(ctx)
	if err != nil {
		m.logger.Warn("sandbox: orphan sweep list failed", "err", err)
		return
	}

	active, err := m.orch.ActiveWorkerIDs(ctx)
	if err != nil {
		m.logger.Warn("sandbox: orphan sweep active-worker lookup failed", "err", err)
		return
	}
	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	m.mu.Lock()
	tracked := make(map[string]bool, len(m.sandboxes))
	for id := range m.sandboxes {
		tracked[id] = true
	}
	m.mu.Unlock()

	now := time.Now()
	for _, c := range containers {
		if tracked[c.ID] {
			continue
		}
		if activeSet[c.WorkerID] {
			continue
		}
		if !c.CreatedAt.IsZero() && now.Sub(c.CreatedAt) < m.cfg.OrphanGracePeriod {
			continue
		}
		if err := m.provisioner.Remove(ctx, c.ID); err != nil {
			m.logger.Warn("sandbox: orphan removal failed", "container_id", c.ID, "err", err)
		}
	}
}

// ParseDuration accepts the Nm/Nh/Nd forms spec §4.6 requires for sandbox
// duration configuration (idleDestroyTimeout, sweepInterval,
// ORPHAN_GRACE_PERIOD), in addition to anything time.ParseDuration accepts.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("sandbox: empty duration")
	}
	unit := s[len(s)-1]
	var multiplier time.Duration
	switch unit {
	case 'm':
		multiplier = time.Minute
	case 'h':
		multiplier = time.Hour
	case 'd':
		multiplier = 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("sandbox: invalid duration %q: %w", s, err)
	}
	return time.Duration(n) * multiplier, nil
}
