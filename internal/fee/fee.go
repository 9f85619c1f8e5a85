// Package fee computes and collects platform fees on hold settlement.
package fee

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculate returns amount * pct / 100, clamped to [0, amount]. Pure and
// deterministic; decimal arithmetic throughout so repeated settlement math
// never drifts.
func Calculate(amount, pct decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 || pct.Sign() <= 0 {
		return decimal.Zero
	}
	f := amount.Mul(pct).Div(hundred)
	if f.GreaterThan(amount) {
		return amount
	}
	return f
}

// Schedule is the platform fee policy applied to a hold: a percentage of the
// locked amount with a minimum charge in USD. The fee always comes out of the
// hold amount, never on top of it.
type Schedule struct {
	Percent    decimal.Decimal
	MinimumUSD decimal.Decimal
}

// DefaultSchedule charges 2% with a $0.50 floor.
func DefaultSchedule() Schedule {
	return Schedule{
		Percent:    decimal.NewFromInt(2),
		MinimumUSD: decimal.RequireFromString("0.50"),
	}
}

// FeeUSD returns the USD fee for a hold of amountUSD, applying the minimum
// and clamping to the amount itself.
func (s Schedule) FeeUSD(amountUSD decimal.Decimal) decimal.Decimal {
	f := Calculate(amountUSD, s.Percent)
	if f.LessThan(s.MinimumUSD) {
		f = s.MinimumUSD
	}
	if f.GreaterThan(amountUSD) {
		f = amountUSD
	}
	if f.IsNegative() {
		return decimal.Zero
	}
	return f
}

// FeeUnits converts the scheduled fee to asset units. When a positive
// priceUSD is supplied the USD floor applies and is converted back at that
// price; otherwise the percentage is taken directly on the unit amount.
func (s Schedule) FeeUnits(amountUnits, amountUSD, priceUSD decimal.Decimal) decimal.Decimal {
	if priceUSD.Sign() <= 0 || amountUSD.Sign() <= 0 {
		return Calculate(amountUnits, s.Percent)
	}
	f := s.FeeUSD(amountUSD).Div(priceUSD)
	if f.GreaterThan(amountUnits) {
		return amountUnits
	}
	return f
}
