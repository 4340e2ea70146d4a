package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/notification-pipeline/internal/config"
	"github.com/kursadbilgin/notification-pipeline/internal/handler"
	"github.com/kursadbilgin/notification-pipeline/internal/idempotency"
	"github.com/kursadbilgin/notification-pipeline/internal/infra/postgresql"
	"github.com/kursadbilgin/notification-pipeline/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/notification-pipeline/internal/infra/redis"
	"github.com/kursadbilgin/notification-pipeline/internal/observability"
	"github.com/kursadbilgin/notification-pipeline/internal/provider"
	"github.com/kursadbilgin/notification-pipeline/internal/queue"
	"github.com/kursadbilgin/notification-pipeline/internal/ratelimit"
	"github.com/kursadbilgin/notification-pipeline/internal/repository"
	"github.com/kursadbilgin/notification-pipeline/internal/router"
	"github.com/kursadbilgin/notification-pipeline/internal/service"
	"github.com/kursadbilgin/notification-pipeline/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("notification worker failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	client, err := queue.NewClient(cfg.QueueClientOptions(), logger)
	if err != nil {
		return fmt.Errorf("queue client initialization failed: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("queue client close failed", zap.Error(err))
		}
	}()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}

	publisher, err := queue.NewEventPublisher(client)
	if err != nil {
		return err
	}
	consumer, err := queue.NewSubscriptionConsumer(client, logger)
	if err != nil {
		return err
	}

	checks := map[string]handler.ReadinessCheck{
		"broker": handler.BrokerCheck(client),
	}

	var store idempotency.Store = idempotency.NewMemoryStore(cfg.IdempotencyTTL())
	var limiter ratelimit.RateLimiter = ratelimit.Unlimited{}
	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()

		store, err = infraredis.NewRedisIdempotencyStore(rdb, cfg.IdempotencyTTL())
		if err != nil {
			return err
		}
		channelLimits, err := cfg.ChannelLimits()
		if err != nil {
			return err
		}
		limiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec, channelLimits)
		if err != nil {
			return err
		}
		checks["redis"] = handler.RedisCheck(rdb)
	} else {
		logger.Warn("REDIS_URL not set, using in-process idempotency store without rate limiting")
	}

	var deliveryProvider provider.Provider = provider.NewLogProvider(logger)
	if cfg.WebhookURL != "" {
		deliveryProvider, err = provider.NewWebhookProvider(cfg.WebhookURL)
		if err != nil {
			return fmt.Errorf("webhook provider initialization failed: %w", err)
		}
	}

	actions, err := router.DefaultActions(router.Dependencies{
		Provider: deliveryProvider,
		Store:    store,
		Limiter:  limiter,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	var routerOpts []router.Option
	if cfg.StrictTypes {
		routerOpts = append(routerOpts, router.WithStrictTypes())
	}
	handlerRouter, err := router.NewRouter(actions, logger, routerOpts...)
	if err != nil {
		return fmt.Errorf("router initialization failed: %w", err)
	}

	topics := cfg.Topics()
	groups := cfg.Groups()

	delays, err := cfg.RetryDelays()
	if err != nil {
		return err
	}
	policy, err := service.NewRetryPolicy(publisher, service.RetryPolicyConfig{
		MaxAttempts:     cfg.MaxAttempts,
		Delays:          delays,
		RetryTopic:      topics.Retry,
		DeadLetterTopic: topics.DeadLetter,
	}, logger)
	if err != nil {
		return err
	}
	policy.SetMetrics(metrics)

	primary, err := service.NewPrimaryConsumer(consumer, handlerRouter, policy, service.ConsumerConfig{
		Topic:       topics.Notification,
		Group:       groups.Notification,
		Concurrency: cfg.WorkerConcurrency,
	}, logger)
	if err != nil {
		return err
	}
	primary.SetMetrics(metrics)

	mode, err := service.ParseRetryMode(cfg.RetryMode)
	if err != nil {
		return err
	}
	var scheduler *service.RequeueScheduler
	if mode == service.RetryModeScheduled {
		scheduler, err = service.NewRequeueScheduler(publisher, topics.Ready, logger)
		if err != nil {
			return err
		}
	}
	retry, err := service.NewRetryConsumer(consumer, handlerRouter, policy, service.ConsumerConfig{
		Topic:       topics.Retry,
		Group:       groups.Retry,
		Concurrency: cfg.WorkerConcurrency,
	}, mode, scheduler, logger)
	if err != nil {
		return err
	}
	retry.SetMetrics(metrics)

	var archiver *service.DeadLetterArchiver
	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolOptions{
			MaxOpenConns: cfg.DatabaseMaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(ctx, db, logger); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		defer sqlDB.Close()

		archiver, err = service.NewDeadLetterArchiver(consumer, publisher, repository.NewGormDeadLetterRepo(db), service.ConsumerConfig{
			Topic: topics.DeadLetter,
			Group: groups.DeadLetterArchive,
		}, topics.Notification, logger)
		if err != nil {
			return err
		}
		archiver.SetMetrics(metrics)
		checks["postgres"] = handler.PostgresCheck(sqlDB)
	} else {
		logger.Warn("DATABASE_DSN not set, dead letters are not archived")
	}

	opsApp := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	opsApp.Use(metrics.HTTPMiddleware())
	opsApp.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(opsApp, checks)
	if archiver != nil {
		if err := handler.RegisterDeadLetterRoutes(opsApp, archiver); err != nil {
			return err
		}
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return primary.Start(groupCtx) })
	g.Go(func() error { return retry.Start(groupCtx) })
	if archiver != nil {
		g.Go(func() error { return archiver.Start(groupCtx) })
	}
	g.Go(func() error {
		if err := opsApp.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return opsApp.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("notification worker started",
		zap.String("transport", cfg.Transport()),
		zap.String("retryMode", string(mode)),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("port", cfg.APIPort),
	)

	err = g.Wait()
	logger.Info("notification worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
