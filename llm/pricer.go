package llm

import "github.com/localrouter/gateway/llm/observability"

// Pricing is the per-1K-token cost of one model, in USD.
type Pricing struct {
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// Pricer is an optional capability a Provider can implement to expose
// per-model pricing (§4.6 step 5's "fetch pricing and compute cost").
// It's kept separate from Provider itself — rather than a required method —
// because provider adapters don't expose pricing directly;
// CostTablePricer below gives every provider a working implementation via
// the same default price table llm/observability.CostCalculator already
// ships, without forcing every Provider implementation to grow a new method.
type Pricer interface {
	GetPricing(model string) (Pricing, bool)
}

// CostTablePricer adapts observability.CostCalculator's provider:model price
// table to the Pricer interface, so gateway.LLMRouter can look up pricing by
// provider name without depending on the observability package's own types.
type CostTablePricer struct {
	provider string
	calc     *observability.CostCalculator
}

// NewCostTablePricer builds a Pricer scoped to one provider name, backed by
// calc's default price table (or one updated via calc.UpdatePrices/SetPrice
// from operator configuration).
func NewCostTablePricer(provider string, calc *observability.CostCalculator) *CostTablePricer {
	return &CostTablePricer{provider: provider, calc: calc}
}

// GetPricing implements Pricer.
func (p *CostTablePricer) GetPricing(model string) (Pricing, bool) {
	price := p.calc.GetPrice(p.provider, model)
	if price == nil {
		return Pricing{}, false
	}
	return Pricing{InputCostPer1K: price.PriceInput, OutputCostPer1K: price.PriceOutput}, true
}
