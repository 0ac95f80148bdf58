package clum

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/model"
	"github.com/clumfi/pricing-engine/internal/wadmath"
)

// honestProposal builds the proposal an honest solver would submit for the
// given pending trades against the engine's committed state.
func honestProposal(t *testing.T, e *Engine, trades []DeclaredTrade) Proposal {
	t.Helper()
	st := e.State()
	newQ := append([]decimal.Decimal(nil), st.Quantities...)
	for _, tr := range trades {
		delta, err := TradeDelta(st.Grid, tr)
		if err != nil {
			t.Fatalf("trade delta: %v", err)
		}
		for i := range newQ {
			newQ[i] = newQ[i].Add(delta[i])
		}
	}
	cost, err := costOf(newQ, st.B, wadmath.ExactTerms)
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	return Proposal{ProposedCost: cost, NewQuantities: newQ, Trades: trades}
}

func checkOf(t *testing.T, err error) VerificationCheck {
	t.Helper()
	verr, ok := err.(*VerificationError)
	if !ok {
		t.Fatalf("expected *VerificationError, got %T: %v", err, err)
	}
	return verr.Check
}

// --- Accepting honest proposals ---

func TestVerifyAndSetCost_AcceptsHonestProposal(t *testing.T) {
	e := testEngine(t)
	p := honestProposal(t, e, []DeclaredTrade{
		{Type: model.TypeCall, Strike: d(2000), Size: d(40), Side: model.SideBuy},
	})

	rec, err := e.VerifyAndSetCost(p)
	if err != nil {
		t.Fatalf("honest proposal rejected: %v", err)
	}
	if !e.CachedCost().Equal(p.ProposedCost) {
		t.Errorf("cached cost should equal proposed cost: %s vs %s", e.CachedCost(), p.ProposedCost)
	}
	if rec.NumTrades != 1 {
		t.Errorf("record should count 1 trade, got %d", rec.NumTrades)
	}
	for i := range p.NewQuantities {
		q, _ := e.Quantity(i)
		if !q.Equal(p.NewQuantities[i]) {
			t.Errorf("bucket %d: committed %s, want %s", i, q, p.NewQuantities[i])
		}
	}
}

func TestVerifyAndSetCost_AcceptsBatchedSettlement(t *testing.T) {
	e := testEngine(t)
	if _, err := e.ExecuteBuy(model.TypePut, d(2100), d(60)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	p := honestProposal(t, e, []DeclaredTrade{
		{Type: model.TypeCall, Strike: d(2000), Size: d(25), Side: model.SideBuy},
		{Type: model.TypePut, Strike: d(2100), Size: d(10), Side: model.SideSell},
		{Type: model.TypeCall, Strike: d(2150), Size: d(5), Side: model.SideBuy},
	})
	if _, err := e.VerifyAndSetCost(p); err != nil {
		t.Fatalf("honest batch rejected: %v", err)
	}
	if !e.CachedCost().Equal(p.ProposedCost) {
		t.Errorf("cached cost should equal proposed cost after batch")
	}
}

// --- Check 1: delta validity ---

func TestVerify_RejectsTamperedQuantities(t *testing.T) {
	e := testEngine(t)
	p := honestProposal(t, e, []DeclaredTrade{
		{Type: model.TypeCall, Strike: d(2000), Size: d(40), Side: model.SideBuy},
	})
	// Rewrite a bucket the declared trade does not touch.
	p.NewQuantities[1] = p.NewQuantities[1].Add(d(7))

	_, err := e.VerifyAndSetCost(p)
	if got := checkOf(t, err); got != CheckDelta {
		t.Errorf("expected delta check failure, got %s", got)
	}
}

func TestVerify_RejectsUndeclaredProposal(t *testing.T) {
	e := testEngine(t)
	st := e.State()
	p := Proposal{
		ProposedCost:  st.CachedCost.Add(d(1)),
		NewQuantities: st.Quantities,
		Trades:        nil,
	}
	_, err := e.VerifyAndSetCost(p)
	if got := checkOf(t, err); got != CheckDelta {
		t.Errorf("expected delta check failure for undeclared proposal, got %s", got)
	}
}

func TestVerify_RejectsOversizedBatch(t *testing.T) {
	e := testEngine(t)
	trades := make([]DeclaredTrade, MaxBatchTrades+1)
	for i := range trades {
		trades[i] = DeclaredTrade{Type: model.TypeCall, Strike: d(2000), Size: d(1), Side: model.SideBuy}
	}
	p := honestProposal(t, e, trades[:1])
	p.Trades = trades

	_, err := e.VerifyAndSetCost(p)
	if got := checkOf(t, err); got != CheckDelta {
		t.Errorf("expected delta check failure for oversized batch, got %s", got)
	}
}

// --- Check 2: monotonicity ---

func TestVerify_RejectsCostMovingAgainstTradeDirection(t *testing.T) {
	e := testEngine(t)
	p := honestProposal(t, e, []DeclaredTrade{
		{Type: model.TypeCall, Strike: d(2000), Size: d(40), Side: model.SideBuy},
	})
	// A buy must raise the cost; propose a decrease instead.
	p.ProposedCost = e.CachedCost().Sub(d(1))

	_, err := e.VerifyAndSetCost(p)
	if got := checkOf(t, err); got != CheckMonotonicity {
		t.Errorf("expected monotonicity check failure, got %s", got)
	}
}

func TestVerify_AcceptsMixedBatchWithCostAgainstNetFlow(t *testing.T) {
	e := testEngine(t)
	// Load the low buckets heavily so that trimming them dominates the
	// cost even when the batch adds more exposure than it removes.
	if _, err := e.ExecuteBuy(model.TypePut, d(2100), d(3000)); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Net delta is +9 yet the exact cost falls: selling 3 puts out of the
	// loaded buckets outweighs buying 5 calls into the empty ones. The
	// direction check must not reject a mixed batch for that.
	p := honestProposal(t, e, []DeclaredTrade{
		{Type: model.TypeCall, Strike: d(2000), Size: d(5), Side: model.SideBuy},
		{Type: model.TypePut, Strike: d(1900), Size: d(3), Side: model.SideSell},
	})
	if !p.ProposedCost.LessThan(e.CachedCost()) {
		t.Fatalf("scenario should price below the committed cost: %s vs %s",
			p.ProposedCost, e.CachedCost())
	}

	if _, err := e.VerifyAndSetCost(p); err != nil {
		t.Fatalf("honest mixed batch rejected: %v", err)
	}
	if !e.CachedCost().Equal(p.ProposedCost) {
		t.Errorf("cached cost should equal proposed cost: %s vs %s", e.CachedCost(), p.ProposedCost)
	}
}

// --- Check 3: bounded approximation ---

func TestVerify_RejectsCostOutsideBound(t *testing.T) {
	e := testEngine(t)
	p := honestProposal(t, e, []DeclaredTrade{
		{Type: model.TypeCall, Strike: d(2000), Size: d(40), Side: model.SideBuy},
	})
	// Still increasing (passes monotonicity) but far outside the
	// approximation envelope.
	p.ProposedCost = p.ProposedCost.Add(d(1))

	costBefore := e.CachedCost()
	_, err := e.VerifyAndSetCost(p)
	if got := checkOf(t, err); got != CheckBound {
		t.Errorf("expected bound check failure, got %s", got)
	}
	if !e.CachedCost().Equal(costBefore) {
		t.Error("rejected proposal must leave cached cost unchanged")
	}
	for i := 0; i < e.NumBuckets(); i++ {
		q, _ := e.Quantity(i)
		if !q.IsZero() {
			t.Errorf("rejected proposal must leave quantities unchanged: bucket %d = %s", i, q)
		}
	}
}

// --- Check 4: probability simplex ---

func TestCheckSimplex_OverflowingQuantitiesRejected(t *testing.T) {
	e := testEngine(t)
	st := e.State()
	// b=1 makes the shifted exponent arguments overflow MaxExpArg, so the
	// simplex cannot be evaluated and the check must reject.
	st.B = d(1)
	bad := make([]decimal.Decimal, len(st.Quantities))
	bad[3] = d(1000)

	err := checkSimplex(st, Proposal{NewQuantities: bad})
	if got := checkOf(t, err); got != CheckSimplex {
		t.Errorf("expected simplex check failure, got %s", got)
	}
}

// --- Error surface ---

func TestVerificationError_NamesCheck(t *testing.T) {
	err := &VerificationError{Check: CheckBound, Reason: "out of envelope"}
	want := "clum: verification failed (bound): out of envelope"
	if err.Error() != want {
		t.Errorf("error string %q, want %q", err.Error(), want)
	}
}
