// Package solver is the reference off-path proposer for the verification
// pipeline.
//
// The solver is untrusted by design: it computes (proposedCost,
// newQuantities) for a batch of pending trades using the solver-grade
// exact evaluation, and submits the pair to the engine's VerifyAndSetCost,
// which re-checks everything on the trusted side. Running this reference
// implementation is convenient, not required; any proposer that produces
// verifiable pairs works.
package solver

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/clum"
)

// ErrNoTrades is returned when a proposal is requested for an empty batch.
var ErrNoTrades = errors.New("solver: no pending trades")

// Propose applies the pending trades to the committed state and computes
// the exact cost of the resulting quantity vector.
func Propose(s clum.State, trades []clum.DeclaredTrade) (clum.Proposal, error) {
	if len(trades) == 0 {
		return clum.Proposal{}, ErrNoTrades
	}
	if len(trades) > clum.MaxBatchTrades {
		return clum.Proposal{}, fmt.Errorf("solver: batch of %d exceeds bound %d",
			len(trades), clum.MaxBatchTrades)
	}

	newQ := append([]decimal.Decimal(nil), s.Quantities...)
	for _, tr := range trades {
		delta, err := clum.TradeDelta(s.Grid, tr)
		if err != nil {
			return clum.Proposal{}, fmt.Errorf("solver: %w", err)
		}
		for i := range newQ {
			newQ[i] = newQ[i].Add(delta[i])
		}
	}

	cost, err := clum.ExactCost(newQ, s.B)
	if err != nil {
		return clum.Proposal{}, fmt.Errorf("solver: %w", err)
	}

	return clum.Proposal{
		ProposedCost:  cost,
		NewQuantities: newQ,
		Trades:        trades,
	}, nil
}
