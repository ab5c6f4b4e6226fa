package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/polos-dev/polos-go/client/clienttest"
)

type fakeProvisioner struct {
	mu      sync.Mutex
	nextID  int
	created []string
	removed []string
	managed []ContainerInfo
}

func (f *fakeProvisioner) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "container-" + itoa(f.nextID)
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeProvisioner) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeProvisioner) ListManaged(ctx context.Context) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.managed, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestOrphanSweepSparesContainerYoungerThanGracePeriod(t *testing.T) {
	prov := &fakeProvisioner{managed: []ContainerInfo{
		{ID: "c-young", WorkerID: "worker-dead", CreatedAt: time.Now().Add(-time.Minute)},
	}}
	mgr := NewManager(prov, clienttest.New(), Config{
		Image:             "polos/sandbox",
		OrphanGracePeriod: 30 * time.Minute,
	}, nil)

	mgr.orphanSweep(context.Background())

	if len(prov.removed) != 0 {
		t.Fatalf("expected young orphan to be spared, got removed=%v", prov.removed)
	}
}

func TestOrphanSweepRemovesContainerOlderThanGracePeriod(t *testing.T) {
	prov := &fakeProvisioner{managed: []ContainerInfo{
		{ID: "c-old", WorkerID: "worker-dead", CreatedAt: time.Now().Add(-time.Hour)},
	}}
	mgr := NewManager(prov, clienttest.New(), Config{
		Image:             "polos/sandbox",
		OrphanGracePeriod: 30 * time.Minute,
	}, nil)

	mgr.orphanSweep(context.Background())

	if len(prov.removed) != 1 || prov.removed[0] != "c-old" {
		t.Fatalf("expected c-old to be removed, got removed=%v", prov.removed)
	}
}

func TestOrphanSweepSparesContainerOwnedByActiveWorker(t *testing.T) {
	prov := &fakeProvisioner{managed: []ContainerInfo{
		{ID: "c-active", WorkerID: "worker-1", CreatedAt: time.Now().Add(-time.Hour)},
	}}
	mgr := NewManager(prov, clienttest.New(), Config{
		Image:             "polos/sandbox",
		OrphanGracePeriod: 30 * time.Minute,
	}, nil)

	mgr.orphanSweep(context.Background())

	if len(prov.removed) != 0 {
		t.Fatalf("expected active worker's container to be spared, got removed=%v", prov.removed)
	}
}

func TestGetOrCreateSandboxExecutionScopeAlwaysCreatesNew(t *testing.T) {
	prov := &fakeProvisioner{}
	mgr := NewManager(prov, clienttest.New(), Config{Image: "polos/sandbox"}, nil)

	sb1, err := mgr.GetOrCreateSandbox(context.Background(), Request{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	sb2, err := mgr.GetOrCreateSandbox(context.Background(), Request{ExecutionID: "exec-2"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if sb1.ID == sb2.ID {
		t.Fatal("expected distinct sandboxes for distinct execution-scoped requests")
	}
	if len(prov.created) != 2 {
		t.Fatalf("expected 2 containers created, got %d", len(prov.created))
	}
}

func TestGetOrCreateSandboxSessionScopeReusesExisting(t *testing.T) {
	prov := &fakeProvisioner{}
	mgr := NewManager(prov, clienttest.New(), Config{Image: "polos/sandbox"}, nil)

	sb1, err := mgr.GetOrCreateSandbox(context.Background(), Request{ExecutionID: "exec-1", SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	sb2, err := mgr.GetOrCreateSandbox(context.Background(), Request{ExecutionID: "exec-2", SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if sb1.ID != sb2.ID {
		t.Fatal("expected the same sandbox to be reused for the same session")
	}
	if len(prov.created) != 1 {
		t.Fatalf("expected 1 container created, got %d", len(prov.created))
	}
}

func TestOnExecutionCompleteDestroysExecutionScopedSandbox(t *testing.T) {
	prov := &fakeProvisioner{}
	mgr := NewManager(prov, clienttest.New(), Config{Image: "polos/sandbox"}, nil)

	sb, err := mgr.GetOrCreateSandbox(context.Background(), Request{ExecutionID: "exec-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mgr.OnExecutionComplete(context.Background(), "exec-1")

	if len(prov.removed) != 1 || prov.removed[0] != sb.ContainerID {
		t.Fatalf("expected container %q removed, got %v", sb.ContainerID, prov.removed)
	}
}

func TestOnExecutionCompleteKeepsSessionScopedSandboxAlive(t *testing.T) {
	prov := &fakeProvisioner{}
	mgr := NewManager(prov, clienttest.New(), Config{Image: "polos/sandbox"}, nil)

	if _, err := mgr.GetOrCreateSandbox(context.Background(), Request{ExecutionID: "exec-1", SessionID: "sess-a"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	mgr.OnExecutionComplete(context.Background(), "exec-1")

	if len(prov.removed) != 0 {
		t.Fatalf("expected session sandbox to survive detach, got removed=%v", prov.removed)
	}
}

func TestIdleSweepDestroysSandboxPastTimeout(t *testing.T) {
	prov := &fakeProvisioner{}
	mgr := NewManager(prov, clienttest.New(), Config{Image: "polos/sandbox", IdleDestroyTimeout: time.Millisecond}, nil)

	sb, err := mgr.GetOrCreateSandbox(context.Background(), Request{ExecutionID: "exec-1", SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	mgr.idleSweep(context.Background())

	if len(prov.removed) != 1 || prov.removed[0] != sb.ContainerID {
		t.Fatalf("expected idle sandbox removed, got %v", prov.removed)
	}
}

func TestParseDurationAcceptsShorthandUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"30m": 30 * time.Minute,
		"2h":  2 * time.Hour,
		"1d":  24 * time.Hour,
	}
	for input, want := range cases {
		got, err := ParseDuration(input)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", input, got, want)
		}
	}
}
