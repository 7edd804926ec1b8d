// Package tools implements built-in tools the gateway serves directly
// rather than routing through the decision pipeline. cloud.estimate is the
// only one today: a static price book lookup that is never gated for
// approval (spec.md §6), ported from original_source's
// app/tools/cost_estimator.py.
package tools

import (
	"encoding/json"
	"fmt"
	"math"
)

// PriceEntry is one (provider, action) price point.
type PriceEntry struct {
	USDPerUnit float64
	Unit       string
}

// PriceBook is a static provider/action -> price lookup. Grounded on the
// shape of cost_estimator.py's PRICES dict; the original's data file was
// not part of the retrieved source, so these are representative published
// list-price figures for common cloud operations, not live pricing.
var PriceBook = map[string]map[string]PriceEntry{
	"aws": {
		"compute_hour":    {USDPerUnit: 0.096, Unit: "hour"},
		"storage_gb_month": {USDPerUnit: 0.023, Unit: "gb_month"},
		"egress_gb":       {USDPerUnit: 0.09, Unit: "gb"},
		"lambda_invoke":   {USDPerUnit: 0.0000002, Unit: "invocation"},
	},
	"gcp": {
		"compute_hour":    {USDPerUnit: 0.0475, Unit: "hour"},
		"storage_gb_month": {USDPerUnit: 0.02, Unit: "gb_month"},
		"egress_gb":       {USDPerUnit: 0.12, Unit: "gb"},
	},
	"azure": {
		"compute_hour":    {USDPerUnit: 0.0496, Unit: "hour"},
		"storage_gb_month": {USDPerUnit: 0.0184, Unit: "gb_month"},
		"egress_gb":       {USDPerUnit: 0.087, Unit: "gb"},
	},
}

// EstimateArgs is cloud.estimate's input shape.
type EstimateArgs struct {
	Provider string  `json:"provider"`
	Action   string  `json:"action"`
	Units    float64 `json:"units"`
}

// EstimateResult is cloud.estimate's output shape.
type EstimateResult struct {
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	Unit             string  `json:"unit"`
	USDPerUnit       float64 `json:"usd_per_unit"`
	Source           string  `json:"source"`
}

// Estimate computes a cost estimate from the static price book. It never
// consults policy, budget, or approval state — cloud.estimate is read-only
// and always answerable synchronously.
func Estimate(raw json.RawMessage) (EstimateResult, error) {
	var args EstimateArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return EstimateResult{}, fmt.Errorf("cloud.estimate: invalid arguments: %w", err)
	}
	if args.Units < 0 {
		return EstimateResult{}, fmt.Errorf("cloud.estimate: units must be >= 0")
	}
	byProvider, ok := PriceBook[args.Provider]
	if !ok {
		return EstimateResult{}, fmt.Errorf("cloud.estimate: no price mapping for provider %q", args.Provider)
	}
	entry, ok := byProvider[args.Action]
	if !ok {
		return EstimateResult{}, fmt.Errorf("cloud.estimate: no price mapping for %s.%s", args.Provider, args.Action)
	}
	cost := entry.USDPerUnit * args.Units
	return EstimateResult{
		EstimatedCostUSD: math.Round(cost*1e4) / 1e4,
		Unit:             entry.Unit,
		USDPerUnit:       entry.USDPerUnit,
		Source:           "static-pricebook",
	}, nil
}
