package failover

import (
	"math"

	"llmharness/pkg/llm"
	"llmharness/pkg/utils"
)

// CostFunc computes the rate-limit cost of a request.
type CostFunc func(req *llm.Request) float64

// DefaultCost uses the request's explicit cost, or 1.
func DefaultCost(req *llm.Request) float64 {
	if req.Cost > 0 {
		return req.Cost
	}
	return 1
}

// TokenWeightedCost charges one unit per tokensPerUnit prompt tokens, rounded up, with a
// minimum of 1. An explicit Request.Cost still wins. A non-positive tokensPerUnit
// falls back to DefaultCost.
func TokenWeightedCost(tokensPerUnit float64) CostFunc {
	if tokensPerUnit <= 0 {
		return DefaultCost
	}
	return func(req *llm.Request) float64 {
		if req.Cost > 0 {
			return req.Cost
		}
		tokens := utils.CountTokensSimple(req.PromptText())
		return math.Max(1, math.Ceil(float64(tokens)/tokensPerUnit))
	}
}
