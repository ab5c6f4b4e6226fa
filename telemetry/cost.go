package telemetry

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing covers the models agent handlers commonly target. Callers
// override or extend via the pricing map passed to Init.
var DefaultPricing = map[string]ModelPricing{
	"gemini-2.0-flash":     {0.10, 0.40},
	"gemini-2.5-flash":     {0.15, 0.60},
	"gemini-2.5-pro":       {1.25, 10.00},
	"gpt-4o":               {2.50, 10.00},
	"gpt-4o-mini":          {0.15, 0.60},
	"gpt-4.1":              {2.00, 8.00},
	"gpt-4.1-mini":         {0.40, 1.60},
	"gpt-4.1-nano":         {0.10, 0.40},
	"o3-mini":              {1.10, 4.40},
	"claude-sonnet-4-5":    {3.00, 15.00},
	"claude-haiku-3-5":     {0.80, 4.00},
	"claude-opus-4":        {15.00, 75.00},
}

// CostCalculator computes USD cost from token counts. Init exposes one as
// Instruments.Cost, next to the polos.llm.cost.total counter.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CostCalculator{pricing: merged}
}

// Calculate returns the cost in USD for the given model and token counts.
// Returns 0 for unpriced models rather than erroring, since cost is an
// observability nicety, not a billing source of truth.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}
