package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vaultos/ledger-engine/internal/clearing"
	"github.com/vaultos/ledger-engine/internal/config"
	"github.com/vaultos/ledger-engine/internal/httpapi"
	"github.com/vaultos/ledger-engine/internal/ledger"
	"github.com/vaultos/ledger-engine/internal/logging"
	"github.com/vaultos/ledger-engine/internal/recorder"
	"github.com/vaultos/ledger-engine/internal/risk"
	"github.com/vaultos/ledger-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg); err != nil {
		slog.Error("ledger-engine failed", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	st, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore...)

	ledgerCfg, err := cfg.LedgerConfig()
	if err != nil {
		return err
	}

	// --- Optional collaborators ---
	hub := httpapi.NewHub()
	go hub.Run(ctx)
	opts := []ledger.Option{ledger.WithNotifier(hub)}

	maxPerMarket, maxTotal, err := cfg.Limits()
	if err != nil {
		return err
	}
	if maxPerMarket.IsPositive() || maxTotal.IsPositive() {
		opts = append(opts, ledger.WithLimiter(risk.NewPositionLimiter(maxPerMarket, maxTotal)))
		slog.Info("position limits enabled", "max_per_market", maxPerMarket.String(), "max_total", maxTotal.String())
	}

	if cfg.Clearing.URL != "" {
		client := clearing.NewClient(
			clearing.NewHMACSigner(cfg.Clearing.Secret),
			clearing.NewHTTPTransport(cfg.Clearing.URL, cfg.Clearing.Timeout),
		)
		opts = append(opts, ledger.WithClearing(client))
		slog.Info("clearing network enabled", "url", cfg.Clearing.URL)
	}

	if cfg.Recorder.Path != "" {
		outbox, err := recorder.Open(cfg.Recorder.Path)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { outbox.Close() })
		opts = append(opts, ledger.WithRecorder(outbox))
		slog.Info("settlement outbox enabled", "path", cfg.Recorder.Path)

		if cfg.Recorder.PublishURL != "" {
			relay := recorder.NewRelay(outbox, recorder.NewHTTPPublisher(cfg.Recorder.PublishURL, 10*time.Second), recorder.RelayConfig{
				Interval:   cfg.Recorder.Interval,
				RatePerSec: cfg.Recorder.RatePerSec,
			})
			go relay.Run(ctx)
			slog.Info("settlement relay enabled", "url", cfg.Recorder.PublishURL)
		}
	}

	l := ledger.New(st, ledgerCfg, opts...)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      httpapi.NewRouter(l, hub, cfg.Server.RequestTimeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("ledger-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("ledger-engine stopped")
	return nil
}

// openStore picks Postgres (optionally behind Redis) when a database URL is
// configured, the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, []func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil, nil
	}

	var cleanup []func()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, cleanup, nil
}
