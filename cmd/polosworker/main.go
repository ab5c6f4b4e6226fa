// Command polosworker is a reference wiring of the SDK into a runnable
// worker process: load config, build the orchestrator client, register a
// Registry of Definitions, and run until the process receives a shutdown
// signal.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/agentrt"
	"github.com/polos-dev/polos-go/client"
	"github.com/polos-dev/polos-go/executor"
	"github.com/polos-dev/polos-go/sandbox"
	"github.com/polos-dev/polos-go/telemetry"
	"github.com/polos-dev/polos-go/worker"
)

func main() {
	// 1. Load connection config.
	cfg := polos.LoadConfig()
	workerCfg, err := polos.LoadWorkerConfig(envOr("POLOS_WORKER_CONFIG", "polos.toml"))
	if err != nil {
		log.Fatalf("polosworker: load worker config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// 2. Observability (opt-in via OTEL_EXPORTER_OTLP_ENDPOINT).
	var tracer polos.Tracer = polos.NoopTracer()
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		_, shutdown, err := telemetry.Init(context.Background(), "polos-worker", nil)
		if err != nil {
			log.Fatalf("polosworker: telemetry init: %v", err)
		}
		defer shutdown(context.Background())
		tracer = telemetry.NewTracer()
		logger.Info("telemetry enabled")
	}

	// 3. Orchestrator client.
	c := client.NewHTTP(cfg, client.WithLogger(logger))

	// 4. Registry of Definitions. A real deployment registers its
	// workflows/agents/tools here; this reference wiring registers none —
	// callers import this package's ideas, not its empty registry.
	registry := polos.NewRegistry()

	// 5. Executor bound to the client and tracer.
	exec := executor.New(c, executor.WithTracer(tracer), executor.WithLogger(logger))

	// 6. Sandbox manager, only if the worker config declares an image.
	var sandboxMgr *sandbox.Manager
	if workerCfg.Sandbox.Image != "" {
		dc, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			log.Fatalf("polosworker: docker client: %v", err)
		}
		provisioner := sandbox.NewDockerProvisioner(dc, cfg.DeploymentID)
		sandboxMgr = sandbox.NewManager(provisioner, c, sandboxConfig(workerCfg.Sandbox), logger)
	}

	// 7. Worker.
	w := worker.New(c, registry, exec, sandboxMgr, worker.Config{
		ProjectID:              cfg.ProjectID,
		DeploymentName:         cfg.DeploymentID,
		Runtime:                "go",
		Queues:                 queueSpecs(workerCfg.Queues),
		MaxConcurrentWorkflows: cfg.MaxConcurrentWorkflows,
		HeartbeatInterval:      15 * time.Second,
	}, worker.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := w.Run(ctx); err != nil {
			logger.Error("worker run failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker shutdown failed", "err", err)
	}
}

func sandboxConfig(sc polos.SandboxConfig) sandbox.Config {
	cfg := sandbox.Config{Image: sc.Image}
	if sc.IdleDestroyTimeout != "" {
		if d, err := sandbox.ParseDuration(sc.IdleDestroyTimeout); err == nil {
			cfg.IdleDestroyTimeout = d
		}
	}
	if sc.SweepInterval != "" {
		if d, err := sandbox.ParseDuration(sc.SweepInterval); err == nil {
			cfg.SweepInterval = d
		}
	}
	if sc.OrphanGracePeriod != "" {
		if d, err := sandbox.ParseDuration(sc.OrphanGracePeriod); err == nil {
			cfg.OrphanGracePeriod = d
		}
	}
	return cfg
}

func queueSpecs(queues []polos.QueueConfig) []client.QueueSpec {
	specs := make([]client.QueueSpec, 0, len(queues))
	for _, q := range queues {
		specs = append(specs, client.QueueSpec{Name: q.Name, ConcurrencyLimit: q.ConcurrencyLimit})
	}
	return specs
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ensure the agentrt package stays wired into this binary's import graph —
// a real deployment registers agent Definitions built with
// agentrt.NewHandler; this reference main has none, so reference the
// package's zero-value error to avoid an unused import.
var _ = agentrt.ErrNoCaller
