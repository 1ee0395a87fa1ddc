package sira

import (
	"context"

	"github.com/shopspring/decimal"
)

var (
	priorityAmountFloor  = decimal.NewFromInt(10000)
	riskAmountFloor      = decimal.NewFromInt(50000)
	multiBankAmountFloor = decimal.NewFromInt(100000)
	sliceChunk           = decimal.NewFromInt(50000)
)

// FallbackClient scores payouts deterministically when the oracle is unreachable.
// Identical queries always produce identical recommendations.
type FallbackClient struct{}

// NewFallback returns the deterministic fallback client
func NewFallback() Client {
	return &FallbackClient{}
}

// RecommendPayout computes the fallback recommendation
func (c *FallbackClient) RecommendPayout(ctx context.Context, query PayoutQuery) (*Recommendation, error) {
	priority := 50
	reasons := []string{"fallback_base"}
	if query.Mode == "instant" {
		priority += 30
		reasons = append(reasons, "instant_mode")
	}
	if query.Amount.GreaterThan(priorityAmountFloor) {
		priority += 20
		reasons = append(reasons, "large_amount")
	}

	risk := 0
	if query.Amount.GreaterThan(riskAmountFloor) {
		risk += 30
		reasons = append(reasons, "high_value")
	}

	rec := &Recommendation{
		SellerRef:         query.SellerRef,
		PriorityScore:     clampScore(priority),
		RiskScore:         clampScore(risk),
		RecommendedAction: ActionBatch,
		Reasons:           reasons,
		ModelVersion:      "fallback-v1",
	}
	if query.Mode == "instant" {
		rec.RecommendedAction = ActionInstant
	}

	if query.Amount.GreaterThan(multiBankAmountFloor) {
		rec.MultiBank = true
		rec.Slices = chunkAmount(query.Amount)
	}

	return rec, nil
}

// chunkAmount splits the amount into equal legs of at most 50k each,
// rounding differences absorbed by the final leg so the legs always
// sum back to the amount
func chunkAmount(amount decimal.Decimal) []Slice {
	n := amount.Div(sliceChunk).Ceil().IntPart()
	if n < 1 {
		n = 1
	}
	leg := amount.Div(decimal.NewFromInt(n)).RoundDown(2)

	slices := make([]Slice, 0, n)
	allocated := decimal.Zero
	for i := int64(1); i <= n; i++ {
		a := leg
		if i == n {
			a = amount.Sub(allocated)
		}
		slices = append(slices, Slice{
			Amount: a,
			Order:  int(i),
		})
		allocated = allocated.Add(a)
	}
	return slices
}

func clampScore(s int) int {
	if s > 100 {
		return 100
	}
	if s < 0 {
		return 0
	}
	return s
}
