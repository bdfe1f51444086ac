// Package modelcost provides a static per-token pricing table used to
// estimate cost_usd when an agent adapter's result omits it.
// Entries mirror the shape of kilroy's modeldb.Catalog/ModelEntry (provider,
// input/output cost per token), but the table here is a small static map
// rather than a catalog loaded from a live OpenRouter/LiteLLM snapshot —
// ProjectScylla only needs enough pricing data to produce a non-zero
// estimate for the handful of models an experiment actually configures.
package modelcost

import "strings"

// Entry is one model's per-token pricing.
type Entry struct {
	Provider           string
	InputCostPerToken  float64
	OutputCostPerToken float64
}

// table is keyed by canonical "provider/model" id, lowercase. Prices are
// illustrative list prices as of this table's construction and are meant
// for relative cost estimation, not billing reconciliation.
var table = map[string]Entry{
	"anthropic/claude-opus-4-6":   {Provider: "anthropic", InputCostPerToken: 0.000015, OutputCostPerToken: 0.000075},
	"anthropic/claude-sonnet-4-5": {Provider: "anthropic", InputCostPerToken: 0.000003, OutputCostPerToken: 0.000015},
	"anthropic/claude-haiku-4-5":  {Provider: "anthropic", InputCostPerToken: 0.0000008, OutputCostPerToken: 0.000004},
	"openai/gpt-5":                {Provider: "openai", InputCostPerToken: 0.00000125, OutputCostPerToken: 0.00001},
	"openai/gpt-5-mini":           {Provider: "openai", InputCostPerToken: 0.00000025, OutputCostPerToken: 0.000002},
}

// Lookup returns the pricing entry for modelID, trying the id verbatim and
// then its lowercased, provider-stripped form (so callers may pass either
// "anthropic/claude-sonnet-4-5" or the bare "claude-sonnet-4-5").
func Lookup(modelID string) (Entry, bool) {
	key := strings.ToLower(strings.TrimSpace(modelID))
	if e, ok := table[key]; ok {
		return e, true
	}
	for id, e := range table {
		if strings.HasSuffix(id, "/"+key) {
			return e, true
		}
	}
	return Entry{}, false
}

// Estimate returns a cost estimate in USD for the given token counts, or
// (0, false) if modelID has no pricing entry — callers should then record
// cost_usd=0 with cost_estimated=true per the missing-cost convention.
func Estimate(modelID string, inputTokens, outputTokens int64) (float64, bool) {
	e, ok := Lookup(modelID)
	if !ok {
		return 0, false
	}
	return float64(inputTokens)*e.InputCostPerToken + float64(outputTokens)*e.OutputCostPerToken, true
}
