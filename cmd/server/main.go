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

	"github.com/atmx/conviction-engine/internal/config"
	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/oracle"
	"github.com/atmx/conviction-engine/internal/protocol"
	"github.com/atmx/conviction-engine/internal/server"
	"github.com/atmx/conviction-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	programID, err := cfg.Program()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	queue, err := cfg.Queue()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	oracleKey, generated, err := cfg.OracleSigner()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if generated {
		slog.Warn("ORACLE_KEY not set, generated an ephemeral oracle authority")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL().String())
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

	// --- Request signature replay guard ---
	var guard server.ReplayGuard = server.NewMemoryReplayGuard()
	if rdb != nil {
		guard = server.NewRedisReplayGuard(rdb)
	}
	verifier := server.NewVerifier(cfg.SignatureWindow(), guard)

	// --- WebSocket hub ---
	wsHub := server.NewWSHub()
	go wsHub.Run(ctx)

	// --- Protocol engine and randomness worker ---
	var eng *protocol.Engine
	worker := oracle.NewWorker(oracleKey, queue, func(ctx context.Context, f oracle.Fulfillment) error {
		_, err := eng.CallbackResolve(ctx, f.Authority, f)
		return err
	})
	eng = protocol.New(st, programID,
		protocol.WithOracle(worker),
		protocol.WithNotifier(wsHub),
		protocol.WithLogger(logger),
	)
	go worker.Run(ctx)

	slog.Info("randomness provider ready",
		"oracle_authority", worker.Authority().String(),
		"oracle_queue", worker.Queue().String(),
		"program_id", programID.String(),
	)
	if pc, err := eng.Config(ctx); err == nil && pc.ResolutionType == model.ResolutionOracle &&
		(!pc.OracleAuthority.Equals(worker.Authority()) || !pc.OracleQueue.Equals(worker.Queue())) {
		slog.Warn("stored oracle settings differ from this worker, pending epochs need an external callback or the admin fallback",
			"config_authority", pc.OracleAuthority.String(),
			"config_queue", pc.OracleQueue.String(),
		)
	}

	api := server.New(eng, wsHub, verifier)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+
				server.HeaderSigner+", "+server.HeaderTimestamp+", "+server.HeaderSignature)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"conviction-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", api.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("conviction-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down conviction-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("conviction-engine stopped")
}
