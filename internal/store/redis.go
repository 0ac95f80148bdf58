package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clumfi/pricing-engine/internal/model"
)

const snapshotKey = "clum:engine_state"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the engine snapshot, the one record read on every quote and
// funding query. Writes go to the primary store and refresh the cache;
// ledger reads pass through.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.EngineSnapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

func (s *CachedStore) GetSnapshot(ctx context.Context) (*model.EngineSnapshot, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, snapshotKey).Bytes()
	if err == nil {
		var snap model.EngineSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

// --- Ledger writes invalidate nothing: the snapshot is written by the
// same commit, so the SaveSnapshot refresh covers it. ---

func (s *CachedStore) InsertTrade(ctx context.Context, tr *model.TradeRecord) error {
	return s.primary.InsertTrade(ctx, tr)
}

func (s *CachedStore) ListTrades(ctx context.Context) ([]model.TradeRecord, error) {
	return s.primary.ListTrades(ctx)
}

func (s *CachedStore) InsertCostUpdate(ctx context.Context, cu *model.CostUpdateRecord) error {
	return s.primary.InsertCostUpdate(ctx, cu)
}

func (s *CachedStore) ListCostUpdates(ctx context.Context) ([]model.CostUpdateRecord, error) {
	return s.primary.ListCostUpdates(ctx)
}

func (s *CachedStore) InsertRecenterEvent(ctx context.Context, ev *model.RecenterEvent) error {
	return s.primary.InsertRecenterEvent(ctx, ev)
}

func (s *CachedStore) ListRecenterEvents(ctx context.Context) ([]model.RecenterEvent, error) {
	return s.primary.ListRecenterEvents(ctx)
}

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.EngineSnapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey, data, s.ttl)
	}
}
