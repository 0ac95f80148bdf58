package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/clumfi/pricing-engine/internal/clum"
	"github.com/clumfi/pricing-engine/internal/funding"
	"github.com/clumfi/pricing-engine/internal/grid"
	"github.com/clumfi/pricing-engine/internal/market"
	"github.com/clumfi/pricing-engine/internal/metrics"
	"github.com/clumfi/pricing-engine/internal/oracle"
	"github.com/clumfi/pricing-engine/internal/risk"
	"github.com/clumfi/pricing-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	authKey := os.Getenv("CLUM_POSITION_MANAGER_KEY")
	if authKey == "" {
		slog.Error("CLUM_POSITION_MANAGER_KEY must be set")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb = redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Solvency limits ---
	limiter := risk.NewLimiter(
		envDecimal("CLUM_MAX_PER_BUCKET", "100000"),
		envDecimal("CLUM_MAX_WORST_CASE_LOSS", "50000"),
	)

	// --- Pricing engine: restore from snapshot or start fresh ---
	utility := envDecimal("CLUM_UTILITY", "0")
	engine, err := buildEngine(st, limiter, utility)
	if err != nil {
		slog.Error("engine initialization failed", "err", err)
		os.Exit(1)
	}

	// --- Oracle and funding ---
	spotMaxAge := envDuration("CLUM_SPOT_MAX_AGE", 30*time.Second)
	var source oracle.PriceSource
	if feedKey := os.Getenv("CLUM_SPOT_FEED_KEY"); feedKey != "" && rdb != nil {
		source = oracle.NewRedisSource(rdb, feedKey, spotMaxAge)
		slog.Info("using Redis spot price feed", "key", feedKey)
	} else {
		source = oracle.NewStaticSource(spotMaxAge)
	}
	deriver := funding.NewDeriver(engine, source, funding.Params{
		RateFactor:       envDecimal("CLUM_RATE_FACTOR", "0.00001"),
		MaxRatePerSecond: envDecimal("CLUM_MAX_FUNDING_RATE", "1"),
	})

	// --- WebSocket hub ---
	wsHub := market.NewWSHub()
	go wsHub.Run()

	// --- Market service ---
	svc := market.NewService(engine, deriver, source, st, authKey, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pricing-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time state updates.
		r.Get("/ws", wsHub.HandleWS)

		// Read-only state, grid and distribution queries.
		r.Get("/state", svc.GetState)
		r.Get("/grid", svc.GetGrid)
		r.Get("/distribution", svc.GetDistribution)
		r.Get("/trades", svc.ListTrades)
		r.Get("/cost-updates", svc.ListCostUpdates)
		r.Get("/recenter-events", svc.ListRecenterEvents)
		r.Get("/spot", svc.GetSpot)
		r.Get("/funding", svc.GetFunding)

		// Quoting and solver proposals are open; neither mutates state.
		r.Post("/quote", svc.Quote)
		r.Post("/solver/propose", svc.ProposeCostUpdate)

		// State-changing endpoints: position manager only.
		r.Post("/trades", svc.RequireAuth(svc.ExecuteTrade))
		r.Post("/cost-updates", svc.RequireAuth(svc.SubmitCostUpdate))
		r.Post("/recenter", svc.RequireAuth(svc.Recenter))
		r.Post("/spot", svc.RequireAuth(svc.SetSpotPrice))
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("pricing-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pricing-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pricing-engine stopped")
}

// buildEngine rehydrates the engine from the persisted snapshot when one
// exists; otherwise it constructs a fresh grid and zero inventory from the
// environment.
func buildEngine(st store.Store, limiter *risk.Limiter, utility decimal.Decimal) (*clum.Engine, error) {
	snap, err := st.GetSnapshot(context.Background())
	if err == nil {
		g, gerr := grid.New(snap.CenterPrice, snap.BucketWidth, snap.NumRegular,
			envInt("CLUM_REBALANCE_BAND", 3))
		if gerr != nil {
			return nil, gerr
		}
		engine, rerr := clum.Restore(g, snap.Liquidity, snap.Utility, limiter, snap.Quantities)
		if rerr != nil {
			return nil, rerr
		}
		slog.Info("engine restored from snapshot",
			"center", snap.CenterPrice.String(),
			"buckets", g.NumBuckets(),
			"cached_cost", engine.CachedCost().String(),
		)
		return engine, nil
	}
	if !errors.Is(err, store.ErrNoSnapshot) {
		return nil, err
	}

	g, err := grid.New(
		envDecimal("CLUM_CENTER_PRICE", "2000"),
		envDecimal("CLUM_BUCKET_WIDTH", "100"),
		envInt("CLUM_NUM_REGULAR", 20),
		envInt("CLUM_REBALANCE_BAND", 3),
	)
	if err != nil {
		return nil, err
	}
	engine, err := clum.NewEngine(g, envDecimal("CLUM_LIQUIDITY", "1000"), utility, limiter)
	if err != nil {
		return nil, err
	}
	slog.Info("engine initialized",
		"center", g.CenterPrice().String(),
		"buckets", g.NumBuckets(),
		"b", engine.B().String(),
	)
	return engine, nil
}

// --- Environment helpers ---

func envDecimal(name, def string) decimal.Decimal {
	raw := os.Getenv(name)
	if raw == "" {
		raw = def
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Error("invalid decimal in environment", "var", name, "value", raw)
		os.Exit(1)
	}
	return v
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Error("invalid integer in environment", "var", name, "value", raw)
		os.Exit(1)
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Error("invalid duration in environment", "var", name, "value", raw)
		os.Exit(1)
	}
	return v
}
