// Package model defines the core domain types shared across the pricing engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OptionType identifies the payoff shape of a perpetual option leg.
type OptionType string

const (
	TypeCall OptionType = "CALL"
	TypePut  OptionType = "PUT"
)

// Valid reports whether t is a recognized option type.
func (t OptionType) Valid() bool {
	return t == TypeCall || t == TypePut
}

// Side is the direction of a trade against the pool.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeRecord is an immutable record of a trade executed against the pool.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID         string          `json:"id" db:"id"`
	Instrument string          `json:"instrument" db:"instrument"`
	Type       OptionType      `json:"type" db:"type"`
	Strike     decimal.Decimal `json:"strike" db:"strike"`
	Size       decimal.Decimal `json:"size" db:"size"`
	Side       Side            `json:"side" db:"side"`
	Cost       decimal.Decimal `json:"cost" db:"cost"` // signed: +paid to pool, -paid out
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// CostUpdateRecord records a verified off-path cost submission committed
// through the trusted verification path.
type CostUpdateRecord struct {
	ID        string          `json:"id" db:"id"`
	OldCost   decimal.Decimal `json:"old_cost" db:"old_cost"`
	NewCost   decimal.Decimal `json:"new_cost" db:"new_cost"`
	NumTrades int             `json:"num_trades" db:"num_trades"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// RecenterEvent records a grid recentering: the old and new center price.
type RecenterEvent struct {
	ID        string          `json:"id" db:"id"`
	OldCenter decimal.Decimal `json:"old_center" db:"old_center"`
	NewCenter decimal.Decimal `json:"new_center" db:"new_center"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// EngineSnapshot is a persistable copy of the engine's committed state:
// grid geometry plus the quantity vector and cached cost. It is written
// after every commit point so the engine can be rehydrated on restart.
type EngineSnapshot struct {
	ID          string            `json:"id" db:"id"`
	CenterPrice decimal.Decimal   `json:"center_price" db:"center_price"`
	BucketWidth decimal.Decimal   `json:"bucket_width" db:"bucket_width"`
	NumRegular  int               `json:"num_regular" db:"num_regular"`
	Liquidity   decimal.Decimal   `json:"liquidity" db:"liquidity"` // depth parameter b
	Quantities  []decimal.Decimal `json:"quantities" db:"quantities"`
	CachedCost  decimal.Decimal   `json:"cached_cost" db:"cached_cost"`
	Utility     decimal.Decimal   `json:"utility" db:"utility"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}
