package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Scalar monetary values are stored as NUMERIC for exact decimal
// precision; the quantity vector is stored as a JSONB array of decimal
// strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.EngineSnapshot) error {
	qty, err := json.Marshal(snap.Quantities)
	if err != nil {
		return fmt.Errorf("marshal quantities: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO engine_state (id, center_price, bucket_width, num_regular, liquidity, quantities, cached_cost, utility, updated_at)
		 VALUES ('engine', $1::NUMERIC, $2::NUMERIC, $3, $4::NUMERIC, $5::JSONB, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   center_price = EXCLUDED.center_price,
		   bucket_width = EXCLUDED.bucket_width,
		   num_regular  = EXCLUDED.num_regular,
		   liquidity    = EXCLUDED.liquidity,
		   quantities   = EXCLUDED.quantities,
		   cached_cost  = EXCLUDED.cached_cost,
		   utility      = EXCLUDED.utility,
		   updated_at   = EXCLUDED.updated_at`,
		snap.CenterPrice.String(), snap.BucketWidth.String(), snap.NumRegular,
		snap.Liquidity.String(), qty, snap.CachedCost.String(), snap.Utility.String(),
		snap.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSnapshot(ctx context.Context) (*model.EngineSnapshot, error) {
	var snap model.EngineSnapshot
	var center, width, liquidity, cost, utility string
	var qty []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, center_price::TEXT, bucket_width::TEXT, num_regular,
		        liquidity::TEXT, quantities, cached_cost::TEXT, utility::TEXT, updated_at
		 FROM engine_state WHERE id = 'engine'`).
		Scan(&snap.ID, &center, &width, &snap.NumRegular,
			&liquidity, &qty, &cost, &utility, &snap.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	snap.CenterPrice, _ = decimal.NewFromString(center)
	snap.BucketWidth, _ = decimal.NewFromString(width)
	snap.Liquidity, _ = decimal.NewFromString(liquidity)
	snap.CachedCost, _ = decimal.NewFromString(cost)
	snap.Utility, _ = decimal.NewFromString(utility)
	if err := json.Unmarshal(qty, &snap.Quantities); err != nil {
		return nil, fmt.Errorf("unmarshal quantities: %w", err)
	}

	return &snap, nil
}

func (s *PostgresStore) InsertTrade(ctx context.Context, tr *model.TradeRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, instrument, type, strike, size, side, cost, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8)`,
		tr.ID, tr.Instrument, string(tr.Type),
		tr.Strike.String(), tr.Size.String(), string(tr.Side), tr.Cost.String(),
		tr.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListTrades(ctx context.Context) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, instrument, type, strike::TEXT, size::TEXT, side, cost::TEXT, timestamp
		 FROM trades ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var tr model.TradeRecord
		var typ, side, strike, size, cost string
		if err := rows.Scan(&tr.ID, &tr.Instrument, &typ,
			&strike, &size, &side, &cost, &tr.Timestamp); err != nil {
			return nil, err
		}
		tr.Type = model.OptionType(typ)
		tr.Side = model.Side(side)
		tr.Strike, _ = decimal.NewFromString(strike)
		tr.Size, _ = decimal.NewFromString(size)
		tr.Cost, _ = decimal.NewFromString(cost)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertCostUpdate(ctx context.Context, cu *model.CostUpdateRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cost_updates (id, old_cost, new_cost, num_trades, timestamp)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)`,
		cu.ID, cu.OldCost.String(), cu.NewCost.String(), cu.NumTrades, cu.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListCostUpdates(ctx context.Context) ([]model.CostUpdateRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, old_cost::TEXT, new_cost::TEXT, num_trades, timestamp
		 FROM cost_updates ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []model.CostUpdateRecord
	for rows.Next() {
		var cu model.CostUpdateRecord
		var oldCost, newCost string
		if err := rows.Scan(&cu.ID, &oldCost, &newCost, &cu.NumTrades, &cu.Timestamp); err != nil {
			return nil, err
		}
		cu.OldCost, _ = decimal.NewFromString(oldCost)
		cu.NewCost, _ = decimal.NewFromString(newCost)
		updates = append(updates, cu)
	}
	return updates, rows.Err()
}

func (s *PostgresStore) InsertRecenterEvent(ctx context.Context, ev *model.RecenterEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recenter_events (id, old_center, new_center, timestamp)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)`,
		ev.ID, ev.OldCenter.String(), ev.NewCenter.String(), ev.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListRecenterEvents(ctx context.Context) ([]model.RecenterEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, old_center::TEXT, new_center::TEXT, timestamp
		 FROM recenter_events ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.RecenterEvent
	for rows.Next() {
		var ev model.RecenterEvent
		var oldCenter, newCenter string
		if err := rows.Scan(&ev.ID, &oldCenter, &newCenter, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.OldCenter, _ = decimal.NewFromString(oldCenter)
		ev.NewCenter, _ = decimal.NewFromString(newCenter)
		events = append(events, ev)
	}
	return events, rows.Err()
}
