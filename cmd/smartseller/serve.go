package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smartseller/internal/auth"
	"smartseller/internal/backfill"
	"smartseller/internal/config"
	"smartseller/internal/credentials"
	"smartseller/internal/db"
	"smartseller/internal/engine"
	httpx "smartseller/internal/http"
	"smartseller/internal/ingest"
	"smartseller/internal/jobs"
	"smartseller/internal/lock"
	"smartseller/internal/logging"
)

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	deps := engine.Deps{Config: cfg, Log: log}

	var gdb *gorm.DB
	switch cfg.StoreDriver {
	case "postgres":
		gdb, err = db.Connect(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := db.AutoMigrateAndIndexes(gdb); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		deps.Store = &jobs.Repo{DB: gdb}
		deps.Credentials = &credentials.GormRepo{DB: gdb}
		deps.Ledger = &backfill.GormLedger{DB: gdb}
		deps.Events = &ingest.GormEvents{DB: gdb}
	default:
		log.Warn("memory store: jobs and credentials are lost on restart")
		deps.Store = jobs.NewMemStore()
		deps.Credentials = credentials.NewMemRepo()
		deps.Ledger = backfill.NewMemLedger()
		deps.Events = &ingest.MemEvents{}
	}

	switch cfg.LockBackend {
	case "postgres":
		deps.Locks = &lock.GormManager{DB: gdb}
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		deps.Locks = lock.NewRedisManager(rdb)
	default:
		deps.Locks = lock.NewMemManager()
	}

	eng := engine.New(deps)
	jwtSvc := auth.NewJWT(cfg.EngineSecret)
	r := httpx.NewRouter(cfg, eng, jwtSvc, log)

	// triggers started by cron or NATS stop with the process
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.InternalCron {
		c, err := startCron(runCtx, eng, log)
		if err != nil {
			return err
		}
		defer func() { <-c.Stop().Done() }()
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("smartseller-ingest"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Drain()
		if _, err := ingest.Subscribe(nc, cfg.NATSSubject, "smartseller-ingest", eng.Ingest); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		log.Info("nats ingest subscribed", zap.String("subject", cfg.NATSSubject))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
