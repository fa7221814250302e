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
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/account"
	"github.com/atmx/paper-engine/internal/auth"
	"github.com/atmx/paper-engine/internal/config"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/portfolio"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/trade"
	"github.com/atmx/paper-engine/internal/watchlist"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Money renders as JSON numbers, not strings.
	decimal.MarshalJSONWithoutQuotes = true

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional, shared by the store cache and the quote cache) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := store.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Price oracle ---
	var source oracle.Oracle
	if cfg.OracleURL != "" {
		httpOracle, err := oracle.NewHTTPOracle(oracle.HTTPConfig{
			BaseURL:       cfg.OracleURL,
			PricePath:     cfg.OraclePricePath,
			PrevClosePath: cfg.OraclePrevClosePath,
			NamePath:      cfg.OracleNamePath,
			VolumePath:    cfg.OracleVolumePath,
			Client:        &http.Client{Timeout: cfg.OracleTimeout},
		})
		if err != nil {
			slog.Error("invalid oracle configuration", "err", err)
			os.Exit(1)
		}
		source = httpOracle
		slog.Info("using HTTP price oracle", "url", cfg.OracleURL)
	} else {
		slog.Warn("ORACLE_URL not set, using built-in demo quotes")
		source = oracle.NewStaticOracle(oracle.DemoQuotes()...)
	}
	var quoteCache oracle.Cache = oracle.NewMemoryCache()
	if rdb != nil {
		quoteCache = oracle.NewRedisCache(rdb)
	}
	prices := oracle.NewCachedOracle(source, quoteCache, cfg.OracleTTL, cfg.OracleMaxStale)

	// --- Auth ---
	tokens, err := auth.NewTokens(cfg.JWTIssuer, cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		slog.Error("auth setup failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Services ---
	accounts := account.NewService(st, tokens, cfg.StartingBalance)
	engine := trade.NewEngine(st, trade.Options{
		Oracle:               prices,
		Hub:                  wsHub,
		RejectUnknownTickers: cfg.RejectUnknownTickers,
	})
	valuator := portfolio.NewValuator(st, prices, cfg.OracleTimeout)
	watch := watchlist.NewService(st, prices, cfg.OracleTimeout)

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
		w.Write([]byte(`{"status":"ok","service":"paper-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public.
		r.Post("/accounts", accounts.Register)
		r.Post("/auth/login", accounts.LoginHandler)
		r.Get("/stocks/{ticker}/quote", oracle.QuoteHandler(prices))

		// Authenticated.
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(tokens))

			r.Get("/account", accounts.GetAccount)
			r.Get("/auth/me", accounts.GetAccount)

			// WebSocket feed of the caller's own executed trades.
			r.Get("/ws", wsHub.HandleWS)

			r.Post("/trades", engine.ExecuteTrade)
			r.Get("/trades", engine.ListTrades)
			r.Get("/trades/{tradeID}", engine.GetTrade)

			r.Get("/portfolio/positions", valuator.GetPositions)
			r.Get("/portfolio/summary", valuator.GetSummary)

			r.Get("/watchlist", watch.GetWatchlist)
			r.Post("/watchlist", watch.AddToWatchlist)
			r.Delete("/watchlist/{ticker}", watch.RemoveFromWatchlist)
		})
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
		slog.Info("paper-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("paper-engine stopped")
}
