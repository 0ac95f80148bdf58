// Package risk enforces the engine's solvency envelope.
//
// The market maker's loss is bounded only while the quantity vector stays
// inside a configured region: a per-bucket inventory bound keeps exponent
// arguments representable, and a worst-case-loss ceiling keeps the pool's
// maximum payout affordable. A trade that would leave the region is
// rejected before anything commits.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrBucketBoundExceeded is returned when a trade would push a single
	// bucket's inventory beyond the per-bucket maximum.
	ErrBucketBoundExceeded = errors.New("risk: per-bucket inventory bound exceeded")

	// ErrWorstCaseLossExceeded is returned when a trade would push the
	// pool's worst-case loss past the configured ceiling.
	ErrWorstCaseLossExceeded = errors.New("risk: worst-case loss ceiling exceeded")
)

// Limiter validates candidate post-trade states against the solvency
// envelope. It holds configuration only; all state is passed per call.
type Limiter struct {
	// MaxPerBucket is the maximum absolute inventory in any single bucket.
	MaxPerBucket decimal.Decimal

	// MaxWorstCaseLoss is the ceiling on the pool's worst-case loss. The
	// theoretical floor for this value is b·ln(N): no reachable state can
	// lose less in the worst case than the cost function's own bound.
	MaxWorstCaseLoss decimal.Decimal
}

// NewLimiter creates a limiter with the given per-bucket and worst-case
// loss bounds.
func NewLimiter(maxPerBucket, maxWorstCaseLoss decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerBucket:     maxPerBucket,
		MaxWorstCaseLoss: maxWorstCaseLoss,
	}
}

// Check validates a candidate post-trade state.
//
// The worst-case loss from state q with cost C(q) is the largest single
// payout minus the cash collected since inception:
//
//	loss = max_i q_i − (C(q) − C(0))
//
// Parameters:
//   - newQ: the candidate quantity vector
//   - newCost: C(newQ)
//   - initialCost: C(0), fixed at engine initialization
//
// Returns nil if the state is inside the envelope, or an error naming the
// violated bound.
func (l *Limiter) Check(newQ []decimal.Decimal, newCost, initialCost decimal.Decimal) error {
	maxQ := decimal.Zero
	for _, q := range newQ {
		if q.Abs().GreaterThan(l.MaxPerBucket) {
			return ErrBucketBoundExceeded
		}
		if q.GreaterThan(maxQ) {
			maxQ = q
		}
	}

	worstLoss := maxQ.Sub(newCost.Sub(initialCost))
	if worstLoss.GreaterThan(l.MaxWorstCaseLoss) {
		return ErrWorstCaseLossExceeded
	}
	return nil
}
