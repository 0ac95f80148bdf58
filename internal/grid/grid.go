// Package grid defines the discretized price-bucket outcome space for the
// pricing engine: a fixed-width grid of regular buckets flanked by two
// open-ended tail buckets, keyed to a center price that follows spot.
//
// A Grid value is immutable. Recenter returns a fresh Grid; committing it
// (together with the remapped quantity vector) is the engine's job, which
// keeps the geometry change and the cost recomputation atomic.
package grid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidGeometry is returned when construction or recentering
	// would produce non-positive, non-monotonic or out-of-range bounds.
	ErrInvalidGeometry = errors.New("grid: invalid bucket geometry")

	// ErrNegativePrice is returned for bucket lookups of negative prices.
	ErrNegativePrice = errors.New("grid: price must be non-negative")

	// ErrBucketIndex is returned for out-of-range bucket indices.
	ErrBucketIndex = errors.New("grid: bucket index out of range")

	// MaxPrice is the grid ceiling. Regular bounds beyond this are
	// rejected rather than silently represented; the upper tail bucket
	// covers everything above the last regular bound.
	MaxPrice = decimal.New(1, 15) // 1e15

	two = decimal.NewFromInt(2)
)

// Grid is a discretized price axis: numRegular fixed-width buckets centered
// on center, plus a lower tail (index 0) and an upper tail (last index).
type Grid struct {
	center        decimal.Decimal
	width         decimal.Decimal
	numRegular    int
	rebalanceBand int // bucket widths spot may drift from center before rebalance
}

// New constructs a grid. The regular range spans
// [center - numRegular*width/2, center + numRegular*width/2) and must sit
// inside [0, MaxPrice].
func New(center, width decimal.Decimal, numRegular, rebalanceBand int) (*Grid, error) {
	if width.Sign() <= 0 {
		return nil, fmt.Errorf("%w: width %s must be positive", ErrInvalidGeometry, width)
	}
	if numRegular < 1 {
		return nil, fmt.Errorf("%w: need at least one regular bucket", ErrInvalidGeometry)
	}
	if rebalanceBand < 1 {
		rebalanceBand = 1
	}

	g := &Grid{
		center:        center,
		width:         width,
		numRegular:    numRegular,
		rebalanceBand: rebalanceBand,
	}
	if g.regularLower().Sign() < 0 {
		return nil, fmt.Errorf("%w: regular range extends below zero (center %s, width %s)",
			ErrInvalidGeometry, center, width)
	}
	if g.regularUpper().GreaterThan(MaxPrice) {
		return nil, fmt.Errorf("%w: regular range exceeds price ceiling %s",
			ErrInvalidGeometry, MaxPrice)
	}
	return g, nil
}

func (g *Grid) regularLower() decimal.Decimal {
	half := g.width.Mul(decimal.NewFromInt(int64(g.numRegular))).DivRound(two, 18)
	return g.center.Sub(half)
}

func (g *Grid) regularUpper() decimal.Decimal {
	half := g.width.Mul(decimal.NewFromInt(int64(g.numRegular))).DivRound(two, 18)
	return g.center.Add(half)
}

// NumBuckets returns the total bucket count: regular buckets plus two tails.
func (g *Grid) NumBuckets() int { return g.numRegular + 2 }

// NumRegular returns the number of regular (finite-width) buckets.
func (g *Grid) NumRegular() int { return g.numRegular }

// CenterPrice returns the current grid center.
func (g *Grid) CenterPrice() decimal.Decimal { return g.center }

// BucketWidth returns the regular bucket width.
func (g *Grid) BucketWidth() decimal.Decimal { return g.width }

// BucketBounds returns the [lower, upper) bounds of bucket i. The lower
// tail reports [0, regularLower); the upper tail [regularUpper, MaxPrice).
func (g *Grid) BucketBounds(i int) (decimal.Decimal, decimal.Decimal, error) {
	switch {
	case i < 0 || i >= g.NumBuckets():
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: %d", ErrBucketIndex, i)
	case i == 0:
		return decimal.Zero, g.regularLower(), nil
	case i == g.NumBuckets()-1:
		return g.regularUpper(), MaxPrice, nil
	default:
		lower := g.regularLower().Add(g.width.Mul(decimal.NewFromInt(int64(i - 1))))
		return lower, lower.Add(g.width), nil
	}
}

// BucketMidpoint returns the representative price of bucket i. Tails are
// open-ended, so their representative sits half a width beyond the regular
// range (clamped above zero for the lower tail).
func (g *Grid) BucketMidpoint(i int) (decimal.Decimal, error) {
	switch {
	case i < 0 || i >= g.NumBuckets():
		return decimal.Zero, fmt.Errorf("%w: %d", ErrBucketIndex, i)
	case i == 0:
		half := g.width.DivRound(two, 18)
		mid := g.regularLower().Sub(half)
		if mid.Sign() < 0 {
			mid = g.regularLower().DivRound(two, 18)
		}
		return mid, nil
	case i == g.NumBuckets()-1:
		return g.regularUpper().Add(g.width.DivRound(two, 18)), nil
	default:
		lower, upper, _ := g.BucketBounds(i)
		return lower.Add(upper).DivRound(two, 18), nil
	}
}

// BucketIndex maps a non-negative price to the unique bucket containing it.
func (g *Grid) BucketIndex(price decimal.Decimal) (int, error) {
	if price.Sign() < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNegativePrice, price)
	}
	lower := g.regularLower()
	if price.LessThan(lower) {
		return 0, nil
	}
	if price.GreaterThanOrEqual(g.regularUpper()) {
		return g.NumBuckets() - 1, nil
	}
	// Truncating division. Div rounds at a fixed precision, which can
	// carry a price sitting just below a bucket edge across it.
	offset, _ := price.Sub(lower).QuoRem(g.width, 0)
	idx := offset.IntPart()
	if int(idx) >= g.numRegular {
		idx = int64(g.numRegular - 1)
	}
	return 1 + int(idx), nil
}

// NeedsRebalance reports whether spot has drifted outside the inner band
// around the center (rebalanceBand bucket widths), signaling that liquidity
// concentration has gone stale relative to spot.
func (g *Grid) NeedsRebalance(spot decimal.Decimal) bool {
	band := g.width.Mul(decimal.NewFromInt(int64(g.rebalanceBand)))
	return spot.Sub(g.center).Abs().GreaterThan(band)
}

// Recenter returns a new grid with the same width, bucket count and band
// but re-anchored on newCenter. The caller must remap its quantity vector
// with RemapQuantities and recompute the cost before committing the result.
func (g *Grid) Recenter(newCenter decimal.Decimal) (*Grid, error) {
	return New(newCenter, g.width, g.numRegular, g.rebalanceBand)
}

// RemapQuantities migrates a quantity vector from oldGrid bucket space to
// newGrid bucket space: each old bucket's exposure moves whole to the new
// bucket containing the old bucket's midpoint, with the tails absorbing
// anything outside the new regular range. Total signed exposure is
// conserved exactly: the remap only relabels, never scales.
func RemapQuantities(oldGrid, newGrid *Grid, q []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(q) != oldGrid.NumBuckets() {
		return nil, fmt.Errorf("%w: quantity vector length %d != %d buckets",
			ErrInvalidGeometry, len(q), oldGrid.NumBuckets())
	}

	newQ := make([]decimal.Decimal, newGrid.NumBuckets())
	for i, qty := range q {
		if qty.IsZero() {
			continue
		}
		mid, err := oldGrid.BucketMidpoint(i)
		if err != nil {
			return nil, err
		}
		j, err := newGrid.BucketIndex(mid)
		if err != nil {
			return nil, err
		}
		newQ[j] = newQ[j].Add(qty)
	}
	return newQ, nil
}
