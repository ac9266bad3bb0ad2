package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/payflow/internal/api"
	"github.com/punchamoorthee/payflow/internal/broker"
	"github.com/punchamoorthee/payflow/internal/callback"
	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/service"
	"github.com/punchamoorthee/payflow/internal/store"
	"github.com/punchamoorthee/payflow/internal/telemetry"
)

const dispatchInterval = 2 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(logging.Options{
		Service:    "payflow-api",
		Env:        cfg.Env,
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "payflow-api", cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	db, err := store.Open(ctx, cfg.DBDriver, cfg.DBSource, logger)
	if err != nil {
		logger.Fatal("unable to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	opts := []service.Option{service.WithLogger(logger)}
	var (
		presence *broker.RedisPresence
		events   *broker.RedisPublisher
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		presence = broker.NewRedisPresence(rdb, 0)
		events = broker.NewRedisPublisher(rdb, logger)
		opts = append(opts,
			service.WithPublisher(events),
			service.WithPresence(presence),
			service.WithLocker(broker.NewLease(rdb, "payflow:sweep:lease", cfg.Policy.SweepInterval)),
		)
	} else {
		logger.Warn("REDIS_ADDR not set, running without presence and events")
	}

	core := service.New(db, cfg.Policy, cfg.ClaimSigningKey, opts...)

	handler := api.NewHandler(db, core, cfg.Policy, logger)
	if events != nil {
		handler.WithRealtime(presence, events)
	}

	sender := callback.NewSender(nil, cfg.CallbackSigningKey, cfg.Policy.CallbackRatePerSecond, logger)
	dispatcher := callback.NewDispatcher(db, sender, cfg.Policy.CallbackMaxAttempts, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return core.Scheduler.Start(gctx) })
	g.Go(func() error { return dispatcher.Start(gctx, dispatchInterval) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
		return shutdownTracing(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("payflow stopped", zap.Error(err))
	}
	logger.Info("payflow stopped")
}
