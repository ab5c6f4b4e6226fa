package step

import (
	"context"
	"sync"

	"github.com/polos-dev/polos-go"
	"github.com/polos-dev/polos-go/client"
)

// cache is the local, per-execution step-output cache. On executor entry
// the helper loads every recorded step output for the execution; every
// operation checks here first (spec §4.2 "Cache discipline"). Exclusive to
// one execution; never shared across executions (spec §5).
type cache struct {
	mu   sync.RWMutex
	byKey map[string]polos.StepOutput
}

func loadCache(ctx context.Context, c client.Client, executionID string) (*cache, error) {
	outputs, err := c.GetAllStepOutputs(ctx, executionID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]polos.StepOutput, len(outputs))
	for _, o := range outputs {
		m[o.StepKey] = o
	}
	return &cache{byKey: m}, nil
}

func (c *cache) get(key string) (polos.StepOutput, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.byKey[key]
	return o, ok
}

func (c *cache) put(o polos.StepOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[o.StepKey] = o
}
