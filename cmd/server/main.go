package main

import (
	"context"
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

	"github.com/atmx/perps-engine/internal/api"
	"github.com/atmx/perps-engine/internal/engine"
	"github.com/atmx/perps-engine/internal/metrics"
	"github.com/atmx/perps-engine/internal/oracle"
	"github.com/atmx/perps-engine/internal/registry"
	"github.com/atmx/perps-engine/internal/store"
	"github.com/atmx/perps-engine/internal/synth"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	managerKey := os.Getenv("MANAGER_KEY")
	if managerKey == "" {
		managerKey = "manager"
	}
	routerKey := os.Getenv("ROUTER_KEY")
	if routerKey == "" {
		routerKey = "router"
	}

	// --- Initialize store ---
	var st store.Store
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
			rdb := redis.NewClient(opt)
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

	// --- Price feed ---
	// Posted prices go stale after the staleness window; a stale price
	// blocks trades and liquidations until a fresh one arrives.
	staleness := 30 * time.Second
	if raw := os.Getenv("PRICE_STALENESS_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			slog.Error("invalid PRICE_STALENESS_SECONDS", "err", err)
			os.Exit(1)
		}
		staleness = time.Duration(secs) * time.Second
	}
	feed := oracle.NewStatic(staleness)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run()

	// --- Engine ---
	reg := registry.New()
	ledger := synth.NewMemory()
	sink := api.NewSink(st, wsHub, nil)

	eng := engine.New(engine.Options{
		Configs:    reg,
		Prices:     feed,
		Synth:      ledger,
		Gate:       reg,
		Sink:       sink,
		ManagerKey: managerKey,
		RouterKey:  routerKey,
	})

	// Restore market state from the store. Configs are not persisted;
	// restored markets stay inert until reconfigured via the markets
	// endpoint.
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	snapshots, err := st.ListMarkets(restoreCtx)
	if err != nil {
		slog.Error("market restore failed", "err", err)
		os.Exit(1)
	}
	for _, snap := range snapshots {
		positions, err := st.ListPositions(restoreCtx, snap.MarketKey)
		if err != nil {
			slog.Error("position restore failed", "market", snap.MarketKey, "err", err)
			os.Exit(1)
		}
		if err := eng.Restore(snap, positions); err != nil {
			slog.Error("engine restore failed", "market", snap.MarketKey, "err", err)
			os.Exit(1)
		}
		slog.Info("market restored", "market", snap.MarketKey, "positions", len(positions))
	}
	cancelRestore()
	metrics.ActiveMarkets.Set(float64(len(snapshots)))

	// --- HTTP service ---
	svc := api.NewService(eng, reg, st, wsHub, feed, managerKey, routerKey)

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
		w.Write([]byte(`{"status":"ok","service":"perps-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.RegisterRoutes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perps-engine listening", "port", port)
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

	slog.Info("shutting down perps-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perps-engine stopped")
}
