// Package polos is a client-side SDK for running durable workflows, agents,
// and tools against the Polos orchestrator. The orchestrator owns queuing,
// scheduling, and persistence; this package owns deterministic execution
// with replay-safe side effects.
//
// # Quick Start
//
//	reg := polos.NewRegistry()
//	reg.Register(&polos.Definition{
//	    ID:           "send-welcome-email",
//	    WorkflowType: polos.WorkflowTypeWorkflow,
//	    Handler:      handler,
//	})
//
//	c := client.NewHTTP(cfg)
//	w := worker.New(c, reg, executor.New(c), nil, worker.Config{MaxConcurrentWorkflows: 50})
//	if err := w.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Core Interfaces
//
// A [Definition] pairs a handler with registration metadata. A [Step]
// implementation (see package step) is threaded through a [WorkflowContext]
// to every handler invocation; calling a step operation twice with the same
// key during replay returns the recorded outcome instead of re-running the
// side effect.
//
// # Included Implementations
//
// Package client implements the orchestrator HTTP/SSE facade. Package step
// implements the step helper. Package executor drives one execution through
// its lifecycle. Package agentrt implements the agent loop, stop conditions,
// and guardrails on top of the step helper. Package memory implements
// conversation compaction. Package sandbox manages container lifecycles.
// Package worker ties registration, dispatch, and concurrency together.
package polos
