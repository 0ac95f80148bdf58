package clum

// Trusted verification path for off-path cost submissions.
//
// Exact evaluation of C(q) takes high-precision exponential sums that are
// expensive on the trusted boundary. An untrusted solver computes
// (proposedCost, newQuantities) off-path and submits them; the engine
// accepts only after four ordered checks, each cheap relative to the exact
// evaluation. VerifyProposal is a pure function of (state, proposal) so it
// can be tested against adversarial proposals in isolation.

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/grid"
	"github.com/clumfi/pricing-engine/internal/model"
	"github.com/clumfi/pricing-engine/internal/wadmath"
)

// MaxBatchTrades bounds the number of pending trades a single proposal may
// settle. Anything larger is indistinguishable from an arbitrary rewrite
// of the quantity vector.
const MaxBatchTrades = 16

// VerificationCheck names the verification step that rejected a proposal.
type VerificationCheck string

const (
	CheckDelta        VerificationCheck = "delta"
	CheckMonotonicity VerificationCheck = "monotonicity"
	CheckBound        VerificationCheck = "bound"
	CheckSimplex      VerificationCheck = "simplex"
)

// VerificationError identifies which check a rejected proposal failed.
type VerificationError struct {
	Check  VerificationCheck
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("clum: verification failed (%s): %s", e.Check, e.Reason)
}

// DeclaredTrade is one pending trade a proposal claims to settle.
type DeclaredTrade struct {
	Type   model.OptionType `json:"type"`
	Strike decimal.Decimal  `json:"strike"`
	Size   decimal.Decimal  `json:"size"`
	Side   model.Side       `json:"side"`
}

// Proposal is an off-path cost submission: the exact cost the solver
// computed, the quantity vector it applies to, and the trades that explain
// the difference from the committed vector.
type Proposal struct {
	ProposedCost  decimal.Decimal   `json:"proposed_cost"`
	NewQuantities []decimal.Decimal `json:"new_quantities"`
	Trades        []DeclaredTrade   `json:"trades"`
}

// State is the committed pricing state a proposal is verified against.
type State struct {
	Grid       *grid.Grid
	B          decimal.Decimal
	Quantities []decimal.Decimal
	CachedCost decimal.Decimal
}

// VerifyProposal runs the four ordered checks and returns nil only if the
// proposal may be committed. The first failing check aborts with a
// *VerificationError naming it; the state is never touched.
func VerifyProposal(s State, p Proposal) error {
	// 1. Delta validity: the new vector must differ from the committed
	// one by exactly the declared trades, never by arbitrary rewrites.
	if err := checkDelta(s, p); err != nil {
		return err
	}

	// 2. Monotonicity: when every bucket delta points the same way, the
	// cost must move with it. Added exposure raises C; removed exposure
	// lowers it.
	if err := checkMonotonicity(s, p); err != nil {
		return err
	}

	// 3. Bounded approximation: a cheap low-degree recomputation of
	// C(newQuantities) must bracket the proposed cost.
	if err := checkBound(s, p); err != nil {
		return err
	}

	// 4. Probability simplex: the gradient at the new vector must be a
	// valid distribution.
	return checkSimplex(s, p)
}

func checkDelta(s State, p Proposal) error {
	if len(p.NewQuantities) != len(s.Quantities) {
		return &VerificationError{CheckDelta, fmt.Sprintf(
			"quantity vector length %d, want %d", len(p.NewQuantities), len(s.Quantities))}
	}
	if len(p.Trades) == 0 {
		return &VerificationError{CheckDelta, "no declared trades"}
	}
	if len(p.Trades) > MaxBatchTrades {
		return &VerificationError{CheckDelta, fmt.Sprintf(
			"%d declared trades exceeds batch bound %d", len(p.Trades), MaxBatchTrades)}
	}

	expected := make([]decimal.Decimal, len(s.Quantities))
	for _, tr := range p.Trades {
		delta, err := TradeDelta(s.Grid, tr)
		if err != nil {
			return &VerificationError{CheckDelta, err.Error()}
		}
		for i := range expected {
			expected[i] = expected[i].Add(delta[i])
		}
	}

	for i := range expected {
		want := s.Quantities[i].Add(expected[i])
		if !p.NewQuantities[i].Equal(want) {
			return &VerificationError{CheckDelta, fmt.Sprintf(
				"bucket %d: got %s, declared trades imply %s", i, p.NewQuantities[i], want)}
		}
	}
	return nil
}

// TradeDelta mirrors the engine's delta derivation for a declared trade,
// signed by its side.
func TradeDelta(g *grid.Grid, tr DeclaredTrade) ([]decimal.Decimal, error) {
	if !tr.Type.Valid() {
		return nil, fmt.Errorf("unknown option type %q", tr.Type)
	}
	if tr.Size.Sign() <= 0 {
		return nil, fmt.Errorf("trade size must be positive")
	}

	delta := make([]decimal.Decimal, g.NumBuckets())
	hit := false
	for i := range delta {
		mid, err := g.BucketMidpoint(i)
		if err != nil {
			return nil, err
		}
		var in bool
		if tr.Type == model.TypeCall {
			in = mid.GreaterThan(tr.Strike)
		} else {
			in = mid.LessThan(tr.Strike)
		}
		if !in {
			continue
		}
		hit = true
		if tr.Side == model.SideSell {
			delta[i] = tr.Size.Neg()
		} else {
			delta[i] = tr.Size
		}
	}
	if !hit {
		return nil, ErrEmptyDelta
	}
	return delta, nil
}

func checkMonotonicity(s State, p Proposal) error {
	var pos, neg bool
	for i := range s.Quantities {
		switch p.NewQuantities[i].Sub(s.Quantities[i]).Sign() {
		case 1:
			pos = true
		case -1:
			neg = true
		}
	}
	// A mixed batch (buys and sells hitting disjoint buckets) has no
	// single direction: C can legitimately move either way depending on
	// where the exposure sits. The bound check still constrains the value.
	if pos == neg {
		return nil
	}

	diff := p.ProposedCost.Sub(s.CachedCost)
	switch {
	case pos && diff.Sign() <= 0:
		return &VerificationError{CheckMonotonicity, fmt.Sprintf(
			"all bucket deltas non-negative but proposed cost moved %s", diff)}
	case neg && diff.Sign() >= 0:
		return &VerificationError{CheckMonotonicity, fmt.Sprintf(
			"all bucket deltas non-positive but proposed cost moved %s", diff)}
	}
	return nil
}

func checkBound(s State, p Proposal) error {
	approx, err := costOf(p.NewQuantities, s.B, wadmath.BoundTerms)
	if err != nil {
		return &VerificationError{CheckBound, err.Error()}
	}

	// Two-sided envelope: the low-degree approximant's documented
	// relative error (the log-sum-exp error scales with b even when the
	// cost itself is near zero), plus additive rounding slack.
	slack := approx.Abs().Add(s.B.Abs()).Mul(wadmath.BoundRelErr).Add(CostTolerance)
	lower := approx.Sub(slack)
	upper := approx.Add(slack)

	if p.ProposedCost.LessThan(lower) || p.ProposedCost.GreaterThan(upper) {
		return &VerificationError{CheckBound, fmt.Sprintf(
			"proposed cost %s outside [%s, %s]", p.ProposedCost, lower, upper)}
	}
	return nil
}

func checkSimplex(s State, p Proposal) error {
	xs := make([]decimal.Decimal, len(p.NewQuantities))
	for i, qi := range p.NewQuantities {
		xs[i] = qi.DivRound(s.B, 36)
	}
	probs, err := wadmath.Softmax(xs, wadmath.BoundTerms)
	if err != nil {
		return &VerificationError{CheckSimplex, err.Error()}
	}

	sum := decimal.Zero
	for i, pr := range probs {
		if pr.IsNegative() {
			return &VerificationError{CheckSimplex, fmt.Sprintf(
				"bucket %d probability %s is negative", i, pr)}
		}
		sum = sum.Add(pr)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(SimplexTolerance) {
		return &VerificationError{CheckSimplex, fmt.Sprintf(
			"probabilities sum to %s", sum)}
	}
	return nil
}

// VerifyAndSetCost verifies a proposal against the committed state and, on
// success, atomically commits q ← newQuantities and
// cachedCost ← proposedCost. On any failure the state is unchanged.
func (e *Engine) VerifyAndSetCost(p Proposal) (model.CostUpdateRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := State{
		Grid:       e.g,
		B:          e.b,
		Quantities: e.q,
		CachedCost: e.cachedCost,
	}
	if err := VerifyProposal(s, p); err != nil {
		return model.CostUpdateRecord{}, err
	}
	if e.limiter != nil {
		if err := e.limiter.Check(p.NewQuantities, p.ProposedCost, e.initialCost); err != nil {
			return model.CostUpdateRecord{}, err
		}
	}

	rec := model.CostUpdateRecord{
		OldCost:   e.cachedCost,
		NewCost:   p.ProposedCost,
		NumTrades: len(p.Trades),
	}

	// Commit point.
	e.q = append([]decimal.Decimal(nil), p.NewQuantities...)
	e.cachedCost = p.ProposedCost

	return rec, nil
}
