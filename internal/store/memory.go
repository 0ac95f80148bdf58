package store

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/model"
)

// ErrNoSnapshot is returned when no engine snapshot has been saved yet.
var ErrNoSnapshot = errors.New("store: no engine snapshot")

// MemoryStore implements Store with in-memory state. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	snapshot    *model.EngineSnapshot
	trades      []model.TradeRecord
	costUpdates []model.CostUpdateRecord
	recenters   []model.RecenterEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.EngineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Deep-copy to avoid external mutation of the stored vector.
	cp := *snap
	cp.Quantities = append([]decimal.Decimal(nil), snap.Quantities...)
	s.snapshot = &cp
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context) (*model.EngineSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return nil, ErrNoSnapshot
	}
	cp := *s.snapshot
	cp.Quantities = append([]decimal.Decimal(nil), s.snapshot.Quantities...)
	return &cp, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, tr *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *tr)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.TradeRecord(nil), s.trades...), nil
}

func (s *MemoryStore) InsertCostUpdate(_ context.Context, cu *model.CostUpdateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.costUpdates = append(s.costUpdates, *cu)
	return nil
}

func (s *MemoryStore) ListCostUpdates(_ context.Context) ([]model.CostUpdateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.CostUpdateRecord(nil), s.costUpdates...), nil
}

func (s *MemoryStore) InsertRecenterEvent(_ context.Context, ev *model.RecenterEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recenters = append(s.recenters, *ev)
	return nil
}

func (s *MemoryStore) ListRecenterEvents(_ context.Context) ([]model.RecenterEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.RecenterEvent(nil), s.recenters...), nil
}
