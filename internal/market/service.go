// Package market provides the HTTP handlers for quoting, executing and
// settling trades against the pricing engine, plus read-only state,
// distribution and funding queries.
//
// All monetary values use shopspring/decimal — never float64 for money.
package market

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/clum"
	"github.com/clumfi/pricing-engine/internal/funding"
	"github.com/clumfi/pricing-engine/internal/grid"
	"github.com/clumfi/pricing-engine/internal/instrument"
	"github.com/clumfi/pricing-engine/internal/metrics"
	"github.com/clumfi/pricing-engine/internal/model"
	"github.com/clumfi/pricing-engine/internal/oracle"
	"github.com/clumfi/pricing-engine/internal/risk"
	"github.com/clumfi/pricing-engine/internal/solver"
	"github.com/clumfi/pricing-engine/internal/store"
)

// Service handles pool operations. The engine serializes its own
// mutations; the service adds authorization, persistence, and broadcast
// around the engine's commit points.
type Service struct {
	engine  *clum.Engine
	deriver *funding.Deriver
	source  oracle.PriceSource
	store   store.Store
	authKey string
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new market service. authKey is the bearer token the
// position manager must present on state-changing endpoints. Pass nil for
// hub if WebSocket broadcasting is not needed.
func NewService(engine *clum.Engine, deriver *funding.Deriver, source oracle.PriceSource, st store.Store, authKey string, hub *WSHub) *Service {
	return &Service{
		engine:  engine,
		deriver: deriver,
		source:  source,
		store:   st,
		authKey: authKey,
		wsHub:   hub,
	}
}

// --- Request/Response types ---

// QuoteRequest is the JSON body for POST /quote.
type QuoteRequest struct {
	Instrument string          `json:"instrument"` // {ASSET}-{CALL|PUT}-{STRIKE}
	Side       string          `json:"side"`       // "BUY" or "SELL"
	Size       decimal.Decimal `json:"size"`
}

// QuoteResponse is the JSON body returned from POST /quote.
type QuoteResponse struct {
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	// Cost is what the trader pays (BUY) or receives (SELL).
	Cost decimal.Decimal `json:"cost"`
}

// TradeResponse is the JSON body returned from POST /trades.
type TradeResponse struct {
	TradeID    string          `json:"trade_id"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	Cost       decimal.Decimal `json:"cost"`
	NewCost    decimal.Decimal `json:"new_cost"`
}

// RecenterRequest is the JSON body for POST /recenter.
type RecenterRequest struct {
	NewCenter decimal.Decimal `json:"new_center"`
}

// SpotRequest is the JSON body for POST /spot.
type SpotRequest struct {
	Price decimal.Decimal `json:"price"`
}

// SpotResponse reports the accepted spot price and whether it has drifted
// far enough from the grid center to warrant a recenter.
type SpotResponse struct {
	Price          decimal.Decimal `json:"price"`
	NeedsRebalance bool            `json:"needs_rebalance"`
}

// FundingResponse is the JSON body returned from GET /funding.
type FundingResponse struct {
	Instrument       string          `json:"instrument"`
	Size             decimal.Decimal `json:"size"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	IntrinsicValue   decimal.Decimal `json:"intrinsic_value"`
	FundingPerSecond decimal.Decimal `json:"funding_per_second"`
}

// BucketView is one bucket in the GET /grid response.
type BucketView struct {
	Index    int             `json:"index"`
	Lower    decimal.Decimal `json:"lower"`
	Upper    decimal.Decimal `json:"upper"`
	Midpoint decimal.Decimal `json:"midpoint"`
	Quantity decimal.Decimal `json:"quantity"`
}

// StateResponse is the JSON body returned from GET /state.
type StateResponse struct {
	CenterPrice decimal.Decimal   `json:"center_price"`
	BucketWidth decimal.Decimal   `json:"bucket_width"`
	NumBuckets  int               `json:"num_buckets"`
	Liquidity   decimal.Decimal   `json:"liquidity"`
	Quantities  []decimal.Decimal `json:"quantities"`
	CachedCost  decimal.Decimal   `json:"cached_cost"`
	Utility     decimal.Decimal   `json:"utility"`
}

// --- Authorization ---

// authorized checks the position-manager bearer token. Only the position
// manager may move pool state; quoting and reads are open.
func (s *Service) authorized(r *http.Request) bool {
	if s.authKey == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authKey)) == 1
}

// RequireAuth wraps state-changing handlers with the bearer check.
func (s *Service) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, "caller is not the position manager", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// --- Read-only handlers ---

// GetState handles GET /api/v1/state
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	resp := StateResponse{
		CenterPrice: st.Grid.CenterPrice(),
		BucketWidth: st.Grid.BucketWidth(),
		NumBuckets:  st.Grid.NumBuckets(),
		Liquidity:   st.B,
		Quantities:  st.Quantities,
		CachedCost:  st.CachedCost,
		Utility:     s.engine.UtilityLevel(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetGrid handles GET /api/v1/grid
// Returns every bucket with its bounds, midpoint, and committed inventory.
func (s *Service) GetGrid(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	buckets := make([]BucketView, st.Grid.NumBuckets())
	for i := range buckets {
		lower, upper, err := st.Grid.BucketBounds(i)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		mid, err := st.Grid.BucketMidpoint(i)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		buckets[i] = BucketView{
			Index:    i,
			Lower:    lower,
			Upper:    upper,
			Midpoint: mid,
			Quantity: st.Quantities[i],
		}
	}
	writeJSON(w, http.StatusOK, buckets)
}

// GetDistribution handles GET /api/v1/distribution
// Returns the pool's implied risk-neutral distribution over buckets.
func (s *Service) GetDistribution(w http.ResponseWriter, r *http.Request) {
	probs, err := s.engine.RiskNeutralPrices()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, probs)
}

// ListTrades handles GET /api/v1/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context())
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListCostUpdates handles GET /api/v1/cost-updates
func (s *Service) ListCostUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := s.store.ListCostUpdates(r.Context())
	if err != nil {
		writeError(w, "failed to list cost updates", http.StatusInternalServerError)
		return
	}
	if updates == nil {
		updates = []model.CostUpdateRecord{}
	}
	writeJSON(w, http.StatusOK, updates)
}

// ListRecenterEvents handles GET /api/v1/recenter-events
func (s *Service) ListRecenterEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListRecenterEvents(r.Context())
	if err != nil {
		writeError(w, "failed to list recenter events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.RecenterEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetSpot handles GET /api/v1/spot
func (s *Service) GetSpot(w http.ResponseWriter, r *http.Request) {
	spot, err := s.source.GetSpotPrice(r.Context())
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, SpotResponse{
		Price:          spot,
		NeedsRebalance: s.engine.Grid().NeedsRebalance(spot),
	})
}

// GetFunding handles GET /api/v1/funding?instrument=...&size=...
// Derives mark price, intrinsic value and the per-second funding payment.
func (s *Service) GetFunding(w http.ResponseWriter, r *http.Request) {
	inst, err := instrument.Parse(r.URL.Query().Get("instrument"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	size := decimal.NewFromInt(1)
	if raw := r.URL.Query().Get("size"); raw != "" {
		size, err = decimal.NewFromString(raw)
		if err != nil || size.Sign() < 0 {
			writeError(w, "size must be a non-negative decimal", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	if !s.source.IsFresh(ctx) {
		writeError(w, "spot price is stale", http.StatusServiceUnavailable)
		return
	}

	mark, err := s.deriver.MarkPrice(inst.Type, inst.Strike)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	intrinsic, err := s.deriver.IntrinsicValue(ctx, inst.Type, inst.Strike)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	perSecond, err := s.deriver.FundingPerSecond(ctx, inst.Type, inst.Strike, size)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	metrics.FundingQueriesTotal.Inc()
	writeJSON(w, http.StatusOK, FundingResponse{
		Instrument:       inst.Symbol,
		Size:             size,
		MarkPrice:        mark,
		IntrinsicValue:   intrinsic,
		FundingPerSecond: perSecond,
	})
}

// --- Quoting ---

// Quote handles POST /api/v1/quote
// Pure: prices an option leg against current state without mutating it.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, side, err := parseLeg(req.Instrument, req.Side)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var cost decimal.Decimal
	if side == model.SideBuy {
		cost, err = s.engine.QuoteBuy(inst.Type, inst.Strike, req.Size)
	} else {
		cost, err = s.engine.QuoteSell(inst.Type, inst.Strike, req.Size)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, QuoteResponse{
		Instrument: inst.Symbol,
		Side:       string(side),
		Size:       req.Size,
		Cost:       cost,
	})
}

// ProposeCostUpdate handles POST /api/v1/solver/propose
// Runs the reference off-path solver against the committed state: builds
// the (proposedCost, newQuantities) pair for a batch of pending trades
// without committing anything. Operators submit the result through
// POST /cost-updates.
func (s *Service) ProposeCostUpdate(w http.ResponseWriter, r *http.Request) {
	var trades []clum.DeclaredTrade
	if err := json.NewDecoder(r.Body).Decode(&trades); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := solver.Propose(s.engine.State(), trades)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- State-changing handlers (position manager only) ---

// ExecuteTrade handles POST /api/v1/trades
// Executes an option leg against the pool and commits the new state.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, side, err := parseLeg(req.Instrument, req.Side)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	var tr clum.Trade
	if side == model.SideBuy {
		tr, err = s.engine.ExecuteBuy(inst.Type, inst.Strike, req.Size)
	} else {
		tr, err = s.engine.ExecuteSell(inst.Type, inst.Strike, req.Size)
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())

	ctx := r.Context()
	record := &model.TradeRecord{
		ID:         uuid.New().String(),
		Instrument: inst.Symbol,
		Type:       tr.Type,
		Strike:     tr.Strike,
		Size:       tr.Size,
		Side:       tr.Side,
		Cost:       tr.Cost,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.InsertTrade(ctx, record); err != nil {
		slog.Error("failed to record trade", "trade_id", record.ID, "err", err)
	}
	s.persistSnapshot(ctx)

	slog.Info("trade executed",
		"trade_id", record.ID,
		"instrument", inst.Symbol,
		"side", side,
		"size", req.Size.String(),
		"cost", tr.Cost.String(),
		"new_cost", tr.NewCost.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "trade_executed",
			Instrument: inst.Symbol,
			Side:       string(side),
			Size:       req.Size.String(),
			Cost:       tr.Cost.String(),
			NewCost:    tr.NewCost.String(),
		})
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		TradeID:    record.ID,
		Instrument: inst.Symbol,
		Side:       string(side),
		Size:       req.Size,
		Cost:       tr.Cost,
		NewCost:    tr.NewCost,
	})
}

// SubmitCostUpdate handles POST /api/v1/cost-updates
// Accepts an off-path solver proposal through the trusted verification path.
func (s *Service) SubmitCostUpdate(w http.ResponseWriter, r *http.Request) {
	var p clum.Proposal
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.engine.VerifyAndSetCost(p)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.CostUpdatesTotal.Inc()

	ctx := r.Context()
	rec.ID = uuid.New().String()
	rec.Timestamp = time.Now().UTC()
	if err := s.store.InsertCostUpdate(ctx, &rec); err != nil {
		slog.Error("failed to record cost update", "update_id", rec.ID, "err", err)
	}
	s.persistSnapshot(ctx)

	slog.Info("cost update committed",
		"update_id", rec.ID,
		"old_cost", rec.OldCost.String(),
		"new_cost", rec.NewCost.String(),
		"num_trades", rec.NumTrades,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "cost_updated",
			Cost:      rec.OldCost.String(),
			NewCost:   rec.NewCost.String(),
			NumTrades: rec.NumTrades,
		})
	}

	writeJSON(w, http.StatusOK, rec)
}

// Recenter handles POST /api/v1/recenter
// Re-anchors the grid, remapping inventory and recomputing the cost.
func (s *Service) Recenter(w http.ResponseWriter, r *http.Request) {
	var req RecenterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.Recenter(req.NewCenter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.RecentersTotal.Inc()

	ctx := r.Context()
	ev := &model.RecenterEvent{
		ID:        uuid.New().String(),
		OldCenter: res.OldCenter,
		NewCenter: res.NewCenter,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.InsertRecenterEvent(ctx, ev); err != nil {
		slog.Error("failed to record recenter event", "event_id", ev.ID, "err", err)
	}
	s.persistSnapshot(ctx)

	slog.Info("grid recentered",
		"event_id", ev.ID,
		"old_center", res.OldCenter.String(),
		"new_center", res.NewCenter.String(),
		"new_cost", res.NewCost.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "grid_recentered",
			OldCenter: res.OldCenter.String(),
			NewCenter: res.NewCenter.String(),
			NewCost:   res.NewCost.String(),
		})
	}

	writeJSON(w, http.StatusOK, ev)
}

// SetSpotPrice handles POST /api/v1/spot
// Accepts a pushed spot price and reports whether the grid has gone stale.
// Only available when the source is the manual one; a feed-backed source
// owns its own write side.
func (s *Service) SetSpotPrice(w http.ResponseWriter, r *http.Request) {
	sink, ok := s.source.(*oracle.StaticSource)
	if !ok {
		writeError(w, "spot price source is read-only", http.StatusConflict)
		return
	}

	var req SpotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Price.Sign() <= 0 {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	sink.SetPrice(req.Price)
	needsRebalance := s.engine.Grid().NeedsRebalance(req.Price)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type: "spot_updated",
			Spot: req.Price.String(),
		})
	}

	writeJSON(w, http.StatusOK, SpotResponse{
		Price:          req.Price,
		NeedsRebalance: needsRebalance,
	})
}

// --- Helpers ---

// parseLeg validates the instrument symbol and side of a quote or trade.
func parseLeg(symbol, side string) (*instrument.Instrument, model.Side, error) {
	inst, err := instrument.Parse(symbol)
	if err != nil {
		return nil, "", err
	}
	s := model.Side(side)
	if s != model.SideBuy && s != model.SideSell {
		return nil, "", errors.New("side must be BUY or SELL")
	}
	return inst, s, nil
}

// persistSnapshot saves the engine's committed state. The engine has
// already committed; a persistence failure is logged, not surfaced, and
// the next commit retries the save.
func (s *Service) persistSnapshot(ctx context.Context) {
	st := s.engine.State()
	snap := &model.EngineSnapshot{
		ID:          "engine",
		CenterPrice: st.Grid.CenterPrice(),
		BucketWidth: st.Grid.BucketWidth(),
		NumRegular:  st.Grid.NumRegular(),
		Liquidity:   st.B,
		Quantities:  st.Quantities,
		CachedCost:  st.CachedCost,
		Utility:     s.engine.UtilityLevel(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		slog.Error("failed to persist engine snapshot", "err", err)
	}
}

// writeEngineError maps engine and limiter errors onto HTTP statuses.
func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	var verr *clum.VerificationError
	switch {
	case errors.As(err, &verr):
		metrics.VerificationRejections.WithLabelValues(string(verr.Check)).Inc()
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, risk.ErrBucketBoundExceeded),
		errors.Is(err, risk.ErrWorstCaseLossExceeded):
		metrics.RiskRejections.Inc()
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, clum.ErrInvalidOption),
		errors.Is(err, clum.ErrEmptyDelta),
		errors.Is(err, grid.ErrInvalidGeometry),
		errors.Is(err, grid.ErrNegativePrice):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, oracle.ErrNoPrice):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
