package policy

import "github.com/agentcompany/agentcompany/internal/domain"

// Price is USD per 1k tokens for one provider.
type Price struct {
	Input           float64 `yaml:"input"`
	CachedInput     float64 `yaml:"cached_input"`
	Output          float64 `yaml:"output"`
	ReasoningOutput float64 `yaml:"reasoning_output"`
}

// PricingTable maps provider name to its price card.
type PricingTable map[string]Price

// DefaultPricing is used when company/policy.yaml carries no pricing
// section. Values are deliberately conservative.
func DefaultPricing() PricingTable {
	return PricingTable{
		"codex":  {Input: 0.00125, CachedInput: 0.000125, Output: 0.01, ReasoningOutput: 0.01},
		"claude": {Input: 0.003, CachedInput: 0.0003, Output: 0.015, ReasoningOutput: 0.015},
		"gemini": {Input: 0.00125, CachedInput: 0.0003125, Output: 0.01, ReasoningOutput: 0.01},
	}
}

// TokenCounts is a provider-reported token breakdown.
type TokenCounts struct {
	Input           int64 `json:"input"`
	CachedInput     int64 `json:"cached_input"`
	Output          int64 `json:"output"`
	ReasoningOutput int64 `json:"reasoning_output"`
}

// Total sums all buckets.
func (t TokenCounts) Total() int64 {
	return t.Input + t.CachedInput + t.Output + t.ReasoningOutput
}

// CostUSD prices a token breakdown for one provider. Unknown providers
// cost zero with cost_source left empty by the caller.
func (p PricingTable) CostUSD(provider string, t TokenCounts) (float64, bool) {
	price, ok := p[provider]
	if !ok {
		return 0, false
	}
	cost := float64(t.Input)/1000*price.Input +
		float64(t.CachedInput)/1000*price.CachedInput +
		float64(t.Output)/1000*price.Output +
		float64(t.ReasoningOutput)/1000*price.ReasoningOutput
	return cost, true
}

// UsageFromProvider builds a high-confidence usage record from
// provider-reported token counts.
func (p PricingTable) UsageFromProvider(provider string, t TokenCounts) domain.Usage {
	cost, priced := p.CostUSD(provider, t)
	u := domain.Usage{
		Source:     "provider_reported",
		Confidence: "high",
		Tokens:     t.Total(),
		CostUSD:    cost,
	}
	if priced {
		u.CostSource = "pricing_table"
	}
	return u
}

// UsageFromChars estimates usage from raw character counts when the
// provider reports nothing. Four characters per token, low confidence.
func (p PricingTable) UsageFromChars(provider string, inputChars, outputChars int64) domain.Usage {
	t := TokenCounts{Input: inputChars / 4, Output: outputChars / 4}
	cost, priced := p.CostUSD(provider, t)
	u := domain.Usage{
		Source:     "estimated_chars",
		Confidence: "low",
		Tokens:     t.Total(),
		CostUSD:    cost,
	}
	if priced {
		u.CostSource = "pricing_table"
	}
	return u
}
