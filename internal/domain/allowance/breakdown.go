package allowance

import (
	"math"

	"github.com/shopspring/decimal"
)

// Breakdown is the derived set of allowance totals for a trip
type Breakdown struct {
	TotalTransportAllowance float64 `json:"total_transport_allowance"`
	TotalMealAllowance      float64 `json:"total_meal_allowance"`
	TotalPocketAllowance    float64 `json:"total_pocket_allowance"`
	TotalLocalTransport     float64 `json:"total_local_transport"`
	TotalApprovedAmount     float64 `json:"total_approved_amount"`
}

// ComputeBreakdown applies the allowance formulas to the normalized inputs.
// The FX snapshot plays no part here; the result is in the trip's home currency.
func ComputeBreakdown(in TripAllowanceInputs) Breakdown {
	in = in.Normalized()

	// Explicit float64 conversions round each step and keep the compiler
	// from fusing multiply-adds, so results match across platforms.
	transport := float64(in.TransportMultiplier * in.LocalTransportAllowance)
	meal := float64(float64(in.MealAllowance*in.MealMultiplier) * in.MealPercentage)
	pocket := float64(in.PocketAllowance * in.PocketMultiplier)
	local := float64(float64(in.LocalTransportAllowance*in.LocalTransportMultiplier) * in.LocalTransportPercentage)

	return Breakdown{
		TotalTransportAllowance: transport,
		TotalMealAllowance:      meal,
		TotalPocketAllowance:    pocket,
		TotalLocalTransport:     local,
		TotalApprovedAmount:     float64(float64(float64(transport+meal)+pocket) + local),
	}
}

// Rounded returns the breakdown as it is persisted: every total rounded to
// the nearest whole currency unit.
func (b Breakdown) Rounded() Breakdown {
	return Breakdown{
		TotalTransportAllowance: RoundHalfUp(b.TotalTransportAllowance),
		TotalMealAllowance:      RoundHalfUp(b.TotalMealAllowance),
		TotalPocketAllowance:    RoundHalfUp(b.TotalPocketAllowance),
		TotalLocalTransport:     RoundHalfUp(b.TotalLocalTransport),
		TotalApprovedAmount:     RoundHalfUp(b.TotalApprovedAmount),
	}
}

var half = decimal.NewFromFloat(0.5)

// RoundHalfUp rounds to the nearest integer with ties toward +Inf
// (2.5 -> 3, -2.5 -> -2).
func RoundHalfUp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 0) {
		return v
	}
	r, _ := decimal.NewFromFloat(v).Add(half).Floor().Float64()
	return r
}
