// Package wadmath provides deterministic fixed-point exponential and
// logarithm routines on shopspring/decimal values.
//
// The trusted verification path compares a cost proposed by an untrusted
// off-path solver against a bound recomputed on-path. That comparison is
// only sound if both sides evaluate the same deterministic algorithm:
// float64 transcendentals vary across platforms and compiler flags, so
// everything here is integer/decimal arithmetic with explicit rounding at
// a fixed guard scale.
//
// Exp uses argument halving into |r| <= 1/4 followed by a truncated Taylor
// series; Ln uses power-of-two range reduction into [1, 2) followed by the
// atanh series. The truncation degree is the caller's precision/cost dial:
// ExactTerms for the solver-grade evaluation, BoundTerms for the cheap
// on-path approximation.
package wadmath

import (
	"errors"

	"github.com/shopspring/decimal"
)

const (
	// Scale is the WAD convention: 18 fractional decimal digits.
	Scale int32 = 18

	// guardScale is the internal working precision. Results are computed
	// at guard scale and only rounded to Scale by callers that need it.
	guardScale int32 = 36

	// ExactTerms is the series degree used by the off-path solver. At
	// |r| <= 1/4 the degree-24 Taylor remainder is below 1e-36, so the
	// result is exact at guard scale.
	ExactTerms = 24

	// BoundTerms is the series degree used by the cheap on-path bound
	// recomputation in the verification path.
	BoundTerms = 8

	// maxHalvings caps the argument-halving loop. exp arguments are
	// rejected long before this is reached.
	maxHalvings = 64
)

var (
	// ErrExpOverflow is returned when an exponent argument exceeds
	// MaxExpArg and the result would be economically meaningless.
	ErrExpOverflow = errors.New("wadmath: exp argument out of range")

	// ErrLnDomain is returned for Ln of a non-positive value.
	ErrLnDomain = errors.New("wadmath: ln argument must be positive")

	// MaxExpArg bounds exp arguments. exp(120) ~ 1.3e52, far beyond any
	// meaningful cost value; larger arguments indicate a corrupted
	// quantity vector or a misconfigured liquidity parameter.
	MaxExpArg = decimal.NewFromInt(120)

	// BoundRelErr is the relative error envelope of the BoundTerms
	// evaluation. Derivation: the degree-8 Taylor remainder at |r| <= 1/4
	// is below r^9/9! * e^(1/4) < 1.4e-11; up to 10 squarings amplify the
	// relative error by at most 2^10, and the atanh series at degree 8
	// contributes less than 1e-12. 1e-7 covers both with margin.
	BoundRelErr = decimal.New(1, -7) // 1e-7

	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
	four = decimal.NewFromInt(4)

	// ln(2) to guard scale.
	ln2 = decimal.RequireFromString("0.693147180559945309417232121458176568")
)

// Exp computes e^x to guard scale using `terms` Taylor terms after
// argument halving. Deterministic: identical inputs yield identical digits
// on every platform.
func Exp(x decimal.Decimal, terms int) (decimal.Decimal, error) {
	if x.Abs().GreaterThan(MaxExpArg) {
		return decimal.Zero, ErrExpOverflow
	}

	// Halve until |r| <= 1/4, then exp(x) = exp(r)^(2^k).
	r := x
	k := 0
	quarter := one.DivRound(four, guardScale)
	for r.Abs().GreaterThan(quarter) {
		r = r.DivRound(two, guardScale)
		k++
		if k > maxHalvings {
			return decimal.Zero, ErrExpOverflow
		}
	}

	// Truncated Taylor series Σ r^n / n!.
	sum := one
	term := one
	for n := 1; n <= terms; n++ {
		term = term.Mul(r).DivRound(decimal.NewFromInt(int64(n)), guardScale)
		sum = sum.Add(term)
	}

	// Undo the halvings by repeated squaring.
	for i := 0; i < k; i++ {
		sum = sum.Mul(sum).Round(guardScale)
	}
	return sum, nil
}

// Ln computes the natural logarithm of x > 0 to guard scale using `terms`
// atanh-series terms after power-of-two range reduction.
func Ln(x decimal.Decimal, terms int) (decimal.Decimal, error) {
	if x.Sign() <= 0 {
		return decimal.Zero, ErrLnDomain
	}

	// Reduce into m ∈ [1, 2): x = m * 2^k.
	m := x
	k := int64(0)
	for m.GreaterThanOrEqual(two) {
		m = m.DivRound(two, guardScale)
		k++
	}
	for m.LessThan(one) {
		m = m.Mul(two)
		k--
	}

	// ln(m) = 2 * atanh(t) with t = (m-1)/(m+1) ∈ [0, 1/3).
	t := m.Sub(one).DivRound(m.Add(one), guardScale)
	t2 := t.Mul(t).Round(guardScale)

	sum := decimal.Zero
	power := t
	for n := 0; n < terms; n++ {
		sum = sum.Add(power.DivRound(decimal.NewFromInt(int64(2*n+1)), guardScale))
		power = power.Mul(t2).Round(guardScale)
	}

	return ln2.Mul(decimal.NewFromInt(k)).Add(two.Mul(sum)).Round(guardScale), nil
}

// LogSumExp computes ln(Σ exp(x_i)) with max-shift stabilization so every
// exp argument is non-positive and the sum stays in [1, n].
//
//	LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
func LogSumExp(xs []decimal.Decimal, terms int) (decimal.Decimal, error) {
	if len(xs) == 0 {
		return decimal.Zero, ErrLnDomain
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x.GreaterThan(maxVal) {
			maxVal = x
		}
	}

	sum := decimal.Zero
	for _, x := range xs {
		e, err := Exp(x.Sub(maxVal), terms)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(e)
	}

	l, err := Ln(sum, terms)
	if err != nil {
		return decimal.Zero, err
	}
	return maxVal.Add(l), nil
}

// Softmax returns exp(x_i - max) / Σ exp(x_j - max) for each i: a valid
// probability vector (non-negative, sums to 1 up to rounding at Scale).
func Softmax(xs []decimal.Decimal, terms int) ([]decimal.Decimal, error) {
	if len(xs) == 0 {
		return nil, ErrLnDomain
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x.GreaterThan(maxVal) {
			maxVal = x
		}
	}

	exps := make([]decimal.Decimal, len(xs))
	total := decimal.Zero
	for i, x := range xs {
		e, err := Exp(x.Sub(maxVal), terms)
		if err != nil {
			return nil, err
		}
		exps[i] = e
		total = total.Add(e)
	}

	out := make([]decimal.Decimal, len(xs))
	for i, e := range exps {
		out[i] = e.DivRound(total, Scale)
	}
	return out, nil
}
