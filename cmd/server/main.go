package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cryptosim/ledger-engine/internal/account"
	"github.com/cryptosim/ledger-engine/internal/config"
	"github.com/cryptosim/ledger-engine/internal/ledger"
	"github.com/cryptosim/ledger-engine/internal/limits"
	"github.com/cryptosim/ledger-engine/internal/logging"
	"github.com/cryptosim/ledger-engine/internal/metrics"
	"github.com/cryptosim/ledger-engine/internal/pricefeed"
	"github.com/cryptosim/ledger-engine/internal/store"
	"github.com/cryptosim/ledger-engine/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logging.SetGlobalLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize stores ---
	var st store.Store
	var accountStore account.Store
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ledger migration failed")
		}
		st = pg

		accounts := account.NewPostgresStore(pool)
		if err := accounts.Migrate(ctx, account.DefaultUsers(time.Now().UTC())); err != nil {
			logger.Fatal().Err(err).Msg("account migration failed")
		}
		accountStore = accounts
		logger.Info().Msg("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open failed")
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		accountStore = account.NewMemoryStore(account.DefaultUsers(time.Now().UTC())...)
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite ledger store")

	default:
		logger.Warn().Msg("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		accountStore = account.NewMemoryStore(account.DefaultUsers(time.Now().UTC())...)
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		logger.Info().Dur("ttl", cfg.CacheTTL).Msg("Redis cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Accounts and ledger sessions ---
	accounts := account.NewService(accountStore, account.Rules{
		MinDeposit:    cfg.MinDeposit,
		MaxWithdrawal: cfg.MaxWithdrawal,
	}, logger)
	checker := limits.NewChecker(cfg.MaintenanceMode, cfg.MaxDailyTrades)

	sessions := ledger.NewSessions(accounts, func() *ledger.Engine {
		return ledger.NewEngine(st,
			ledger.WithFeeRate(cfg.FeeRate()),
			ledger.WithBalanceSink(accounts),
			ledger.WithLimits(checker),
			ledger.WithLogger(logger),
		)
	}, logger)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger)
	go wsHub.Run(ctx)

	// --- Price feed ---
	poller := pricefeed.NewPoller(newFeed(cfg, logger), sessions.BroadcastPrices, cfg.PricePollSchedule, logger)
	poller.OnUpdate(wsHub.BroadcastQuotes)
	if err := poller.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.PricePollSchedule).Msg("price poller failed to start")
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(sessions, accounts, poller, wsHub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS for frontend cross-origin requests.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for prices and per-user trade events.
		r.Get("/ws", wsHub.HandleWS)

		// Ledger sessions.
		r.Get("/sessions", tradeSvc.ListSessions)
		r.Post("/sessions/{userID}", tradeSvc.OpenSession)
		r.Delete("/sessions/{userID}", tradeSvc.CloseSession)

		// Trade execution.
		r.Post("/trade", tradeSvc.ExecuteTrade)

		// Portfolio queries.
		r.Get("/portfolio/{userID}", tradeSvc.GetPortfolio)
		r.Get("/transactions/{userID}", tradeSvc.GetTransactions)
		r.Get("/balance/{userID}/{symbol}", tradeSvc.GetBalance)

		// Accounts.
		r.Get("/accounts", tradeSvc.ListAccounts)
		r.Post("/accounts", tradeSvc.RegisterAccount)
		r.Put("/accounts/{userID}/status", tradeSvc.SetAccountStatus)
		r.Put("/accounts/{userID}/balance", tradeSvc.SetAccountBalance)
		r.Post("/accounts/{userID}/deposit", tradeSvc.Deposit)
		r.Post("/accounts/{userID}/withdraw", tradeSvc.Withdraw)

		// Prices.
		r.Get("/prices", tradeSvc.GetPrices)
		r.Post("/prices", tradeSvc.PushPrices)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("feed", cfg.PriceFeed).Msg("ledger-engine listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down ledger-engine...")
	poller.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("ledger-engine stopped")
}

func newFeed(cfg *config.Config, logger zerolog.Logger) pricefeed.Feed {
	if cfg.PriceFeed == config.FeedBinance {
		logger.Info().Msg("using Binance futures price feed")
		return pricefeed.NewBinanceFeed(cfg.BinanceAPIKey, cfg.BinanceAPISecret, pricefeed.DefaultAssets)
	}
	return pricefeed.NewSimulatedFeed(pricefeed.DefaultAssets, time.Now)
}
