package funding_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/clum"
	"github.com/clumfi/pricing-engine/internal/funding"
	"github.com/clumfi/pricing-engine/internal/grid"
	"github.com/clumfi/pricing-engine/internal/model"
	"github.com/clumfi/pricing-engine/internal/oracle"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newFixture builds an untraded engine (uniform distribution over 7
// buckets with midpoints 1700..2300) plus a deriver fed by a static spot.
func newFixture(t *testing.T, spot float64) (*clum.Engine, *funding.Deriver, *oracle.StaticSource) {
	t.Helper()
	g, err := grid.New(d(2000), d(100), 5, 2)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	e, err := clum.NewEngine(g, d(1000), decimal.Zero, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	src := oracle.NewStaticSource(time.Minute)
	src.SetPrice(d(spot))

	f := funding.NewDeriver(e, src, funding.Params{
		RateFactor:       d(0.0001),
		MaxRatePerSecond: d(0.01),
	})
	return e, f, src
}

// --- Mark price ---

func TestMarkPrice_UniformDistribution(t *testing.T) {
	_, f, _ := newFixture(t, 2000)

	// Uniform 1/7 over midpoints 1700..2300; call struck at 2000 pays
	// 100, 200, 300 in the top three buckets → mark = 600/7.
	mark, err := f.MarkPrice(model.TypeCall, d(2000))
	if err != nil {
		t.Fatalf("mark price: %v", err)
	}
	want := d(600).DivRound(d(7), 18)
	if mark.Sub(want).Abs().GreaterThan(d(0.0001)) {
		t.Errorf("mark price should be 600/7 ≈ %s, got %s", want, mark)
	}
}

func TestMarkPrice_PutCallSymmetryAtCenter(t *testing.T) {
	_, f, _ := newFixture(t, 2000)

	call, err := f.MarkPrice(model.TypeCall, d(2000))
	if err != nil {
		t.Fatalf("call mark: %v", err)
	}
	put, err := f.MarkPrice(model.TypePut, d(2000))
	if err != nil {
		t.Fatalf("put mark: %v", err)
	}
	// The untraded grid is symmetric around 2000.
	if !call.Sub(put).Abs().LessThan(d(0.0001)) {
		t.Errorf("call and put marks should match at the center: call=%s put=%s", call, put)
	}
}

func TestMarkPrice_RisesWithBoughtExposure(t *testing.T) {
	e, f, _ := newFixture(t, 2000)

	before, err := f.MarkPrice(model.TypeCall, d(2000))
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := e.ExecuteBuy(model.TypeCall, d(2000), d(500)); err != nil {
		t.Fatalf("trade: %v", err)
	}
	after, err := f.MarkPrice(model.TypeCall, d(2000))
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if after.LessThanOrEqual(before) {
		t.Errorf("buying calls should raise the call mark: %s -> %s", before, after)
	}
}

func TestMarkPrice_UnknownType(t *testing.T) {
	_, f, _ := newFixture(t, 2000)
	if _, err := f.MarkPrice("BUTTERFLY", d(2000)); err == nil {
		t.Error("expected error for unknown option type")
	}
}

// --- Intrinsic value ---

func TestIntrinsicValue(t *testing.T) {
	_, f, _ := newFixture(t, 2050)
	ctx := context.Background()

	call, err := f.IntrinsicValue(ctx, model.TypeCall, d(2000))
	if err != nil {
		t.Fatalf("intrinsic: %v", err)
	}
	if !call.Equal(d(50)) {
		t.Errorf("call intrinsic at spot 2050, strike 2000 should be 50, got %s", call)
	}

	put, err := f.IntrinsicValue(ctx, model.TypePut, d(2000))
	if err != nil {
		t.Fatalf("intrinsic: %v", err)
	}
	if !put.IsZero() {
		t.Errorf("OTM put intrinsic should be 0, got %s", put)
	}
}

func TestIntrinsicValue_NoSpotPrice(t *testing.T) {
	g, _ := grid.New(d(2000), d(100), 5, 2)
	e, _ := clum.NewEngine(g, d(1000), decimal.Zero, nil)
	src := oracle.NewStaticSource(time.Minute) // never fed
	f := funding.NewDeriver(e, src, funding.Params{RateFactor: d(0.0001), MaxRatePerSecond: d(0.01)})

	if _, err := f.IntrinsicValue(context.Background(), model.TypeCall, d(2000)); err == nil {
		t.Error("expected error when no spot price has been published")
	}
}

// --- Funding ---

func TestFundingPerSecond_AmortizesMarkMinusIntrinsic(t *testing.T) {
	_, f, _ := newFixture(t, 2000)
	ctx := context.Background()

	// mark = 600/7 ≈ 85.71, intrinsic = 0 → rate = 85.71 * 1e-4 ≈
	// 0.008571 < cap; size 10 → ≈ 0.085714.
	got, err := f.FundingPerSecond(ctx, model.TypeCall, d(2000), d(10))
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	want := d(0.085714)
	if got.Sub(want).Abs().GreaterThan(d(0.000002)) {
		t.Errorf("funding should be ≈ %s, got %s", want, got)
	}
	if got.Exponent() < -funding.USDCScale {
		t.Errorf("funding must be rounded to 6 decimals, got %s", got)
	}
}

func TestFundingPerSecond_CappedAtMaxRate(t *testing.T) {
	g, _ := grid.New(d(2000), d(100), 5, 2)
	e, _ := clum.NewEngine(g, d(1000), decimal.Zero, nil)
	src := oracle.NewStaticSource(time.Minute)
	src.SetPrice(d(2000))
	// Tiny cap: any positive gap saturates it.
	f := funding.NewDeriver(e, src, funding.Params{RateFactor: d(1), MaxRatePerSecond: d(0.001)})

	got, err := f.FundingPerSecond(context.Background(), model.TypeCall, d(2000), d(3))
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if !got.Equal(d(0.003)) {
		t.Errorf("funding should be capped at maxRate*size = 0.003, got %s", got)
	}
}

func TestFundingPerSecond_NeverNegative(t *testing.T) {
	e, f, _ := newFixture(t, 1500)
	ctx := context.Background()

	// Deep-ITM put at a spot far below the grid: intrinsic exceeds mark,
	// so the clamp floors funding at zero.
	if _, err := e.ExecuteSell(model.TypePut, d(2200), d(200)); err != nil {
		t.Fatalf("trade: %v", err)
	}
	got, err := f.FundingPerSecond(ctx, model.TypePut, d(2200), d(5))
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if got.Sign() < 0 {
		t.Errorf("funding must never be negative, got %s", got)
	}
}

func TestFundingPerSecond_RejectsNegativeSize(t *testing.T) {
	_, f, _ := newFixture(t, 2000)
	if _, err := f.FundingPerSecond(context.Background(), model.TypeCall, d(2000), d(-1)); err == nil {
		t.Error("expected error for negative size")
	}
}
