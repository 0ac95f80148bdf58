// Package clum implements the Constant-Log-Utility Market Maker: a
// cost-function automated market maker over a bucketed price grid, used to
// price and make markets in discretized perpetual options.
//
// The cost function is the logarithmic market scoring rule
//
//	C(q) = b · ln(Σ_i exp(q_i / b))
//
// over all N buckets. Its gradient is a valid probability simplex (the
// pool's implied risk-neutral distribution) and its convexity bounds the
// market maker's worst-case loss by b·ln(N).
//
// All monetary values use shopspring/decimal — never float64 for money.
// Transcendental math goes through internal/wadmath so the untrusted
// off-path solver and the trusted on-path verifier reproduce identical
// digits.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package clum

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/grid"
	"github.com/clumfi/pricing-engine/internal/model"
	"github.com/clumfi/pricing-engine/internal/risk"
	"github.com/clumfi/pricing-engine/internal/wadmath"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("clum: liquidity parameter b must be positive")

	// ErrInvalidOption is returned for quotes/trades with an unknown
	// option type, a non-positive size, or a negative strike.
	ErrInvalidOption = errors.New("clum: invalid option leg")

	// ErrNumericOverflow is returned when an intermediate exponential or
	// cost value leaves the representable range. The operation aborts;
	// silent saturation would corrupt the solvency guarantees.
	ErrNumericOverflow = errors.New("clum: numeric overflow in cost evaluation")

	// ErrEmptyDelta is returned when an option leg implicates no bucket
	// (e.g. a call struck above every bucket midpoint).
	ErrEmptyDelta = errors.New("clum: option leg implicates no bucket")
)

// QuoteScale is the number of decimal places quoted costs and revenues
// are rounded to. Buy costs round up and sell revenues round down, so a
// buy/sell round trip never pays out more than it took in.
const QuoteScale int32 = 8

// SimplexTolerance is ε for the probability-simplex invariant: derived
// per-bucket probabilities must sum to 1 within this bound.
var SimplexTolerance = decimal.New(1, -9) // 1e-9

// CostTolerance is the additive slack on cost comparisons, covering the
// final rounding of C(q) to WAD scale.
var CostTolerance = decimal.New(1, -8) // 1e-8

// Trade is the result of a quote or an executed trade against the pool.
type Trade struct {
	Type   model.OptionType
	Strike decimal.Decimal
	Size   decimal.Decimal
	Side   model.Side
	// Cost is the amount paid to the pool (buy) or by the pool (sell).
	// Always reported non-negative; Side carries the direction.
	Cost decimal.Decimal
	// NewCost is the cached cost after the trade (zero for pure quotes
	// against current state — quotes never mutate).
	NewCost decimal.Decimal
}

// Engine owns the quantity vector and cached cost. It is the only writer
// of both; every mutation is a single atomic commit-or-abort under the
// engine lock.
type Engine struct {
	mu sync.Mutex

	g           *grid.Grid
	b           decimal.Decimal
	q           []decimal.Decimal
	cachedCost  decimal.Decimal
	initialCost decimal.Decimal
	utility     decimal.Decimal
	limiter     *risk.Limiter
}

// NewEngine creates an engine over g with liquidity depth b and utility
// level utility. The quantity vector starts at zero and the cached cost at
// C(0) = b·ln(N).
func NewEngine(g *grid.Grid, b, utility decimal.Decimal, limiter *risk.Limiter) (*Engine, error) {
	if b.Sign() <= 0 {
		return nil, ErrInvalidLiquidity
	}
	e := &Engine{
		g:       g,
		b:       b,
		q:       make([]decimal.Decimal, g.NumBuckets()),
		utility: utility,
		limiter: limiter,
	}
	c0, err := costOf(e.q, b, wadmath.ExactTerms)
	if err != nil {
		return nil, err
	}
	e.cachedCost = c0
	e.initialCost = c0
	return e, nil
}

// Restore rebuilds an engine from a persisted snapshot. The cached cost is
// recomputed rather than trusted, so a corrupted snapshot cannot smuggle
// in an inconsistent cost.
func Restore(g *grid.Grid, b, utility decimal.Decimal, limiter *risk.Limiter, q []decimal.Decimal) (*Engine, error) {
	if b.Sign() <= 0 {
		return nil, ErrInvalidLiquidity
	}
	if len(q) != g.NumBuckets() {
		return nil, fmt.Errorf("clum: snapshot has %d buckets, grid has %d", len(q), g.NumBuckets())
	}
	e := &Engine{
		g:       g,
		b:       b,
		q:       append([]decimal.Decimal(nil), q...),
		utility: utility,
		limiter: limiter,
	}
	c0, err := costOf(make([]decimal.Decimal, g.NumBuckets()), b, wadmath.ExactTerms)
	if err != nil {
		return nil, err
	}
	c, err := costOf(e.q, b, wadmath.ExactTerms)
	if err != nil {
		return nil, err
	}
	e.initialCost = c0
	e.cachedCost = c
	return e, nil
}

// costOf computes C(q) = b·ln(Σ exp(q_i/b)) with log-sum-exp
// stabilization, rounded to WAD scale.
func costOf(q []decimal.Decimal, b decimal.Decimal, terms int) (decimal.Decimal, error) {
	xs := make([]decimal.Decimal, len(q))
	for i, qi := range q {
		xs[i] = qi.DivRound(b, 36)
	}
	lse, err := wadmath.LogSumExp(xs, terms)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNumericOverflow, err)
	}
	return b.Mul(lse).Round(wadmath.Scale), nil
}

// ExactCost is the solver-grade exact evaluation of C(q): the same
// deterministic routines the verifier's bound check uses, run at the full
// series degree.
func ExactCost(q []decimal.Decimal, b decimal.Decimal) (decimal.Decimal, error) {
	return costOf(q, b, wadmath.ExactTerms)
}

// deltaFor translates an option leg into a quantity delta over buckets:
// size added to every bucket whose midpoint lies above the strike for a
// call, below it for a put.
func (e *Engine) deltaFor(typ model.OptionType, strike, size decimal.Decimal) ([]decimal.Decimal, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOption, typ)
	}
	if size.Sign() <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidOption)
	}
	if strike.Sign() < 0 {
		return nil, fmt.Errorf("%w: strike must be non-negative", ErrInvalidOption)
	}

	delta := make([]decimal.Decimal, e.g.NumBuckets())
	hit := false
	for i := range delta {
		mid, err := e.g.BucketMidpoint(i)
		if err != nil {
			return nil, err
		}
		var in bool
		if typ == model.TypeCall {
			in = mid.GreaterThan(strike)
		} else {
			in = mid.LessThan(strike)
		}
		if in {
			delta[i] = size
			hit = true
		}
	}
	if !hit {
		return nil, ErrEmptyDelta
	}
	return delta, nil
}

func addVec(a, b []decimal.Decimal, sign int) []decimal.Decimal {
	out := make([]decimal.Decimal, len(a))
	for i := range a {
		if sign >= 0 {
			out[i] = a[i].Add(b[i])
		} else {
			out[i] = a[i].Sub(b[i])
		}
	}
	return out
}

// QuoteBuy prices opening `size` of exposure at `strike`: the cost is
// C(q+Δ) − C(q). Pure: no state is touched.
func (e *Engine) QuoteBuy(typ model.OptionType, strike, size decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quoteBuyLocked(typ, strike, size)
}

func (e *Engine) quoteBuyLocked(typ model.OptionType, strike, size decimal.Decimal) (decimal.Decimal, error) {
	delta, err := e.deltaFor(typ, strike, size)
	if err != nil {
		return decimal.Zero, err
	}
	after, err := costOf(addVec(e.q, delta, +1), e.b, wadmath.ExactTerms)
	if err != nil {
		return decimal.Zero, err
	}
	return after.Sub(e.cachedCost).RoundCeil(QuoteScale), nil
}

// QuoteSell prices closing `size` of exposure at `strike`: the revenue is
// C(q) − C(q−Δ). Pure: no state is touched.
func (e *Engine) QuoteSell(typ model.OptionType, strike, size decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quoteSellLocked(typ, strike, size)
}

func (e *Engine) quoteSellLocked(typ model.OptionType, strike, size decimal.Decimal) (decimal.Decimal, error) {
	delta, err := e.deltaFor(typ, strike, size)
	if err != nil {
		return decimal.Zero, err
	}
	after, err := costOf(addVec(e.q, delta, -1), e.b, wadmath.ExactTerms)
	if err != nil {
		return decimal.Zero, err
	}
	return e.cachedCost.Sub(after).RoundFloor(QuoteScale), nil
}

// ExecuteBuy re-derives the quote's delta and cost, then atomically
// commits q ← q+Δ and cachedCost ← C(q+Δ). Authorization is the hosting
// layer's responsibility; numerical correctness is re-verified here.
func (e *Engine) ExecuteBuy(typ model.OptionType, strike, size decimal.Decimal) (Trade, error) {
	return e.execute(typ, strike, size, model.SideBuy)
}

// ExecuteSell is the sell-side counterpart of ExecuteBuy: commits q ← q−Δ.
func (e *Engine) ExecuteSell(typ model.OptionType, strike, size decimal.Decimal) (Trade, error) {
	return e.execute(typ, strike, size, model.SideSell)
}

func (e *Engine) execute(typ model.OptionType, strike, size decimal.Decimal, side model.Side) (Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delta, err := e.deltaFor(typ, strike, size)
	if err != nil {
		return Trade{}, err
	}

	sign := +1
	if side == model.SideSell {
		sign = -1
	}
	newQ := addVec(e.q, delta, sign)

	newCost, err := costOf(newQ, e.b, wadmath.ExactTerms)
	if err != nil {
		return Trade{}, err
	}
	if e.limiter != nil {
		if err := e.limiter.Check(newQ, newCost, e.initialCost); err != nil {
			return Trade{}, err
		}
	}

	// Same rounding as the quote path, so an execution matches its quote.
	var cost decimal.Decimal
	if side == model.SideBuy {
		cost = newCost.Sub(e.cachedCost).RoundCeil(QuoteScale)
	} else {
		cost = e.cachedCost.Sub(newCost).RoundFloor(QuoteScale) // revenue paid out by the pool
	}

	// Commit point: both or neither.
	e.q = newQ
	e.cachedCost = newCost

	return Trade{
		Type:    typ,
		Strike:  strike,
		Size:    size,
		Side:    side,
		Cost:    cost,
		NewCost: newCost,
	}, nil
}

// RiskNeutralPrices returns the gradient of C at the current q: the
// per-bucket risk-neutral probability p_i = exp(q_i/b) / Σ exp(q_j/b).
func (e *Engine) RiskNeutralPrices() ([]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	xs := make([]decimal.Decimal, len(e.q))
	for i, qi := range e.q {
		xs[i] = qi.DivRound(e.b, 36)
	}
	probs, err := wadmath.Softmax(xs, wadmath.ExactTerms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNumericOverflow, err)
	}
	return probs, nil
}

// ImpliedDistribution is the engine's probability distribution over
// outcome buckets: identical to RiskNeutralPrices, named for consumers
// that read it as a distribution rather than as prices.
func (e *Engine) ImpliedDistribution() ([]decimal.Decimal, error) {
	return e.RiskNeutralPrices()
}

// RecenterResult reports a committed grid recentering.
type RecenterResult struct {
	OldCenter decimal.Decimal
	NewCenter decimal.Decimal
	NewCost   decimal.Decimal
}

// Recenter re-anchors the grid on newCenter, remaps the quantity vector
// into the new bucket space, recomputes the cost under the new geometry,
// and commits all three together. Recentering is never free of a cost
// recomputation: the remapped vector prices differently against the new
// midpoints.
func (e *Engine) Recenter(newCenter decimal.Decimal) (RecenterResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	newGrid, err := e.g.Recenter(newCenter)
	if err != nil {
		return RecenterResult{}, err
	}
	newQ, err := grid.RemapQuantities(e.g, newGrid, e.q)
	if err != nil {
		return RecenterResult{}, err
	}
	newCost, err := costOf(newQ, e.b, wadmath.ExactTerms)
	if err != nil {
		return RecenterResult{}, err
	}

	res := RecenterResult{
		OldCenter: e.g.CenterPrice(),
		NewCenter: newCenter,
		NewCost:   newCost,
	}

	// Commit point.
	e.g = newGrid
	e.q = newQ
	e.cachedCost = newCost

	return res, nil
}

// --- Read-only accessors ---

// Grid returns the current (immutable) grid.
func (e *Engine) Grid() *grid.Grid {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.g
}

// B returns the liquidity depth parameter.
func (e *Engine) B() decimal.Decimal { return e.b }

// NumBuckets returns the bucket count of the current grid.
func (e *Engine) NumBuckets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.g.NumBuckets()
}

// Quantity returns the committed inventory of bucket i.
func (e *Engine) Quantity(i int) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.q) {
		return decimal.Zero, fmt.Errorf("clum: bucket index %d out of range", i)
	}
	return e.q[i], nil
}

// CachedCost returns the committed C(q).
func (e *Engine) CachedCost() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cachedCost
}

// UtilityLevel returns the fixed utility level U set at initialization.
func (e *Engine) UtilityLevel() decimal.Decimal { return e.utility }

// State returns a consistent copy of the committed pricing state, suitable
// for the off-path solver and for persistence.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{
		Grid:       e.g,
		B:          e.b,
		Quantities: append([]decimal.Decimal(nil), e.q...),
		CachedCost: e.cachedCost,
	}
}
