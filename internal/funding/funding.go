// Package funding derives mark prices, intrinsic values and perpetual
// funding rates from the pool's own implied distribution.
//
// The deriver holds no mutable state: every result is a pure function of
// the engine's current distribution, the grid geometry, and the oracle
// spot price. Funding is the perpetual-option analogue of a basis payment:
// amortizing mark-minus-intrinsic over time keeps long/short incentives
// aligned with the market-implied price without periodic expiry.
package funding

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/grid"
	"github.com/clumfi/pricing-engine/internal/model"
	"github.com/clumfi/pricing-engine/internal/oracle"
)

// USDCScale is the fixed-point convention for funding balances: 6
// fractional digits.
const USDCScale int32 = 6

// MarketView is the read-only slice of the cost-function engine the
// deriver consumes.
type MarketView interface {
	ImpliedDistribution() ([]decimal.Decimal, error)
	Grid() *grid.Grid
}

// Params configures the funding schedule.
type Params struct {
	// RateFactor converts a mark/intrinsic gap into a per-second rate.
	RateFactor decimal.Decimal

	// MaxRatePerSecond caps the per-unit funding rate.
	MaxRatePerSecond decimal.Decimal
}

// Deriver computes funding quantities against a market view and a spot
// price source.
type Deriver struct {
	view   MarketView
	source oracle.PriceSource
	params Params
}

// NewDeriver creates a funding deriver.
func NewDeriver(view MarketView, source oracle.PriceSource, params Params) *Deriver {
	return &Deriver{view: view, source: source, params: params}
}

// payoff evaluates the option leg at a single price point.
func payoff(typ model.OptionType, price, strike decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if typ == model.TypeCall {
		v = price.Sub(strike)
	} else {
		v = strike.Sub(price)
	}
	if v.Sign() < 0 {
		return decimal.Zero
	}
	return v
}

// MarkPrice returns the risk-neutral expected payoff of the option leg:
// Σ_i p_i · payoff(type, midpoint_i, strike), an option price consistent
// with the pool's implied distribution.
func (f *Deriver) MarkPrice(typ model.OptionType, strike decimal.Decimal) (decimal.Decimal, error) {
	if !typ.Valid() {
		return decimal.Zero, fmt.Errorf("funding: unknown option type %q", typ)
	}
	probs, err := f.view.ImpliedDistribution()
	if err != nil {
		return decimal.Zero, err
	}
	g := f.view.Grid()

	mark := decimal.Zero
	for i, p := range probs {
		mid, err := g.BucketMidpoint(i)
		if err != nil {
			return decimal.Zero, err
		}
		mark = mark.Add(p.Mul(payoff(typ, mid, strike)))
	}
	return mark, nil
}

// IntrinsicValue returns the payoff evaluated at the current spot price,
// what the option is worth exercised now, not in expectation.
func (f *Deriver) IntrinsicValue(ctx context.Context, typ model.OptionType, strike decimal.Decimal) (decimal.Decimal, error) {
	if !typ.Valid() {
		return decimal.Zero, fmt.Errorf("funding: unknown option type %q", typ)
	}
	spot, err := f.source.GetSpotPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return payoff(typ, spot, strike), nil
}

// FundingPerSecond returns the funding a position of `size` pays per
// second:
//
//	clamp((mark − intrinsic) × rateFactor, 0, maxRate) × size
//
// rounded to 6 decimals (USDC convention). Longs pay when the mark sits
// above intrinsic; funding never goes negative.
func (f *Deriver) FundingPerSecond(ctx context.Context, typ model.OptionType, strike, size decimal.Decimal) (decimal.Decimal, error) {
	if size.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("funding: size must be non-negative")
	}
	mark, err := f.MarkPrice(typ, strike)
	if err != nil {
		return decimal.Zero, err
	}
	intrinsic, err := f.IntrinsicValue(ctx, typ, strike)
	if err != nil {
		return decimal.Zero, err
	}

	rate := mark.Sub(intrinsic).Mul(f.params.RateFactor)
	if rate.Sign() < 0 {
		rate = decimal.Zero
	}
	if rate.GreaterThan(f.params.MaxRatePerSecond) {
		rate = f.params.MaxRatePerSecond
	}
	return rate.Mul(size).Round(USDCScale), nil
}
