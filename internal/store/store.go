// Package store defines the persistence interface for the pricing engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/clumfi/pricing-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Engine state ---

	// SaveSnapshot persists the committed pricing state. There is a
	// single snapshot; saving replaces it.
	SaveSnapshot(ctx context.Context, snap *model.EngineSnapshot) error

	// GetSnapshot retrieves the committed pricing state.
	GetSnapshot(ctx context.Context) (*model.EngineSnapshot, error)

	// --- Immutable ledgers ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, tr *model.TradeRecord) error

	// ListTrades returns all trades, oldest first.
	ListTrades(ctx context.Context) ([]model.TradeRecord, error)

	// InsertCostUpdate appends a verified cost-update record.
	InsertCostUpdate(ctx context.Context, cu *model.CostUpdateRecord) error

	// ListCostUpdates returns all cost updates, oldest first.
	ListCostUpdates(ctx context.Context) ([]model.CostUpdateRecord, error)

	// InsertRecenterEvent appends a grid recenter event.
	InsertRecenterEvent(ctx context.Context, ev *model.RecenterEvent) error

	// ListRecenterEvents returns all recenter events, oldest first.
	ListRecenterEvents(ctx context.Context) ([]model.RecenterEvent, error)
}
