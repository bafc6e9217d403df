package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/perpmargin/margin-engine/internal/config"
	"github.com/perpmargin/margin-engine/internal/margin"
	"github.com/perpmargin/margin-engine/internal/metrics"
	"github.com/perpmargin/margin-engine/internal/store"
	"github.com/perpmargin/margin-engine/internal/symbol"
	"github.com/perpmargin/margin-engine/internal/trading"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Initialize stores ---
	var cleanup []func()
	mem := store.NewMemoryStore()

	var accounts store.AccountStore = mem
	var quotes store.QuoteStore = mem
	var history store.HistoryLog = mem

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		accounts = store.NewRedisAccountStore(rdb)
		quotes = store.NewRedisQuoteStore(rdb)
		slog.Info("connected to Redis")
	} else {
		slog.Warn("REDIS_URL not set, using in-memory account/quote stores (data will not persist)")
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresHistoryLog(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema bootstrap failed", "err", err)
			os.Exit(1)
		}
		history = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory history log (trades will not persist)")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.SeedDemo {
		seedDemo(accounts, quotes)
	}

	// --- Services ---
	lots := symbol.NewPolicy(cfg.IntegerLotSymbols)

	wsHub := trading.NewWSHub()
	go wsHub.Run()

	tradingSvc := trading.NewService(accounts, quotes, history, lots, wsHub)
	marginSvc := margin.NewService(accounts, quotes, history)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
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

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"Margin Engine API","status":"running"}`))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"margin-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// WebSocket endpoint for real-time trade and mark-price updates.
	r.Get("/ws", wsHub.HandleWS)

	// Trading.
	r.Post("/trade", tradingSvc.ExecuteTrade)
	r.Get("/positions/{accountID}", tradingSvc.GetPositions)
	r.Post("/mark-price", tradingSvc.UpdateMarkPrice)
	r.Get("/mark-prices", tradingSvc.ListMarkPrices)
	r.Get("/trades/{accountID}", tradingSvc.GetTradeHistory)
	r.Get("/accounts/{accountID}/margin", tradingSvc.GetMarginSnapshot)

	// Margin.
	r.Get("/margin-report", marginSvc.MarginReport)
	r.Get("/liquidations", marginSvc.GetLiquidationHistory)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("margin-engine listening", "port", cfg.Port)
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

	slog.Info("shutting down margin-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("margin-engine stopped")
}

// seedDemo writes the demo balances and mark price used for local
// development.
func seedDemo(accounts store.AccountStore, quotes store.QuoteStore) {
	ctx := context.Background()
	seeds := map[int64]decimal.Decimal{
		1: decimal.NewFromInt(10000),
		2: decimal.NewFromInt(5000),
	}
	for id, balance := range seeds {
		if err := accounts.SetBalance(ctx, id, balance); err != nil {
			slog.Error("seed balance failed", "account", id, "err", err)
		}
	}
	if err := quotes.SetMarkPrice(ctx, "BTC-PERP", decimal.NewFromInt(50000)); err != nil {
		slog.Error("seed mark price failed", "err", err)
	}
	slog.Info("seeded demo accounts", "accounts", len(seeds))
}
