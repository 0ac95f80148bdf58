package solver_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/clum"
	"github.com/clumfi/pricing-engine/internal/grid"
	"github.com/clumfi/pricing-engine/internal/model"
	"github.com/clumfi/pricing-engine/internal/risk"
	"github.com/clumfi/pricing-engine/internal/solver"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newEngine(t *testing.T) *clum.Engine {
	t.Helper()
	g, err := grid.New(d(2000), d(100), 5, 2)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	e, err := clum.NewEngine(g, d(1000), decimal.Zero, risk.NewLimiter(d(1e6), d(1e9)))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return e
}

func TestPropose_VerifiableByEngine(t *testing.T) {
	e := newEngine(t)
	trades := []clum.DeclaredTrade{
		{Type: model.TypeCall, Strike: d(2000), Size: d(40), Side: model.SideBuy},
		{Type: model.TypePut, Strike: d(1900), Size: d(15), Side: model.SideBuy},
	}

	p, err := solver.Propose(e.State(), trades)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := e.VerifyAndSetCost(p); err != nil {
		t.Fatalf("engine rejected honest solver proposal: %v", err)
	}
	if !e.CachedCost().Equal(p.ProposedCost) {
		t.Errorf("cached cost %s != proposed %s", e.CachedCost(), p.ProposedCost)
	}
}

func TestPropose_MatchesDirectExecution(t *testing.T) {
	// Settling a trade through the verified path must land on the same
	// state as executing it directly.
	direct := newEngine(t)
	if _, err := direct.ExecuteBuy(model.TypeCall, d(2000), d(40)); err != nil {
		t.Fatalf("direct execute: %v", err)
	}

	verified := newEngine(t)
	p, err := solver.Propose(verified.State(), []clum.DeclaredTrade{
		{Type: model.TypeCall, Strike: d(2000), Size: d(40), Side: model.SideBuy},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := verified.VerifyAndSetCost(p); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if !direct.CachedCost().Equal(verified.CachedCost()) {
		t.Errorf("cost diverged: direct=%s verified=%s", direct.CachedCost(), verified.CachedCost())
	}
	for i := 0; i < direct.NumBuckets(); i++ {
		dq, _ := direct.Quantity(i)
		vq, _ := verified.Quantity(i)
		if !dq.Equal(vq) {
			t.Errorf("bucket %d diverged: direct=%s verified=%s", i, dq, vq)
		}
	}
}

func TestPropose_EmptyBatch(t *testing.T) {
	e := newEngine(t)
	if _, err := solver.Propose(e.State(), nil); !errors.Is(err, solver.ErrNoTrades) {
		t.Errorf("expected ErrNoTrades, got %v", err)
	}
}

func TestPropose_OversizedBatch(t *testing.T) {
	e := newEngine(t)
	trades := make([]clum.DeclaredTrade, clum.MaxBatchTrades+1)
	for i := range trades {
		trades[i] = clum.DeclaredTrade{Type: model.TypeCall, Strike: d(2000), Size: d(1), Side: model.SideBuy}
	}
	if _, err := solver.Propose(e.State(), trades); err == nil {
		t.Error("expected error for oversized batch")
	}
}

func TestPropose_InvalidTrade(t *testing.T) {
	e := newEngine(t)
	_, err := solver.Propose(e.State(), []clum.DeclaredTrade{
		{Type: "STRANGLE", Strike: d(2000), Size: d(1), Side: model.SideBuy},
	})
	if err == nil {
		t.Error("expected error for invalid trade")
	}
}
