// Command api is the HTTP front door process wiring the delivery engine
// to Fiber: load config, build observability, build collaborators,
// build the engine and handlers, start the server, wait for a signal,
// shut down gracefully.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mailgate/internal/admin"
	"mailgate/internal/api"
	"mailgate/internal/breaker"
	"mailgate/internal/cache"
	"mailgate/internal/config"
	"mailgate/internal/engine"
	"mailgate/internal/events"
	"mailgate/internal/idempotency"
	"mailgate/internal/observability"
	"mailgate/internal/queue"
	"mailgate/internal/ratelimiter"
	"mailgate/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting mailgate", zap.String("port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracer, err := observability.InitTracer(ctx, "mailgate", cfg.TracingOTLPEndpoint)
		if err != nil {
			logger.Warn("tracing disabled: init failed", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracer(shutdownCtx); err != nil {
					logger.Warn("tracer shutdown", zap.Error(err))
				}
			}()
		}
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	var redisClient *cache.Client
	var limiter *api.DistributedLimiter
	var replay *api.ReplayCache
	if cfg.RedisURL != "" {
		redisClient, err = cache.New(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, running without distributed limiter/replay cache", zap.Error(err))
		} else {
			defer redisClient.Close()
			limiter = api.NewDistributedLimiter(redisClient, logger, cfg.RateCapacity, cfg.RateWindow)
			replay = api.NewReplayCache(redisClient, logger, cfg.IdempotencyTTL)
		}
	}

	sink := buildEventSink(cfg, logger)
	defer sink.Close()

	transports := []transport.Transport{
		transport.NewMockTransport("primary", transport.MixConfig{
			TransientRate:   0.08,
			RateLimitedRate: 0.02,
			LatencyMs:       40,
		}),
		transport.NewMockTransport("secondary", transport.MixConfig{
			TransientRate:       0.05,
			PermanentLocalRate:  0.01,
			PermanentGlobalRate: 0.01,
			LatencyMs:           60,
		}),
	}

	store := idempotency.New(cfg.IdempotencyTTL)
	go store.RunSweeper(cfg.IdempotencyTTL/2, ctx.Done())

	qcfg := queue.Config{
		MaxConcurrency:     cfg.QueueMaxConcurrency,
		PollInterval:       cfg.QueuePollInterval,
		JobTimeout:         cfg.QueueJobTimeout,
		RetryBaseDelay:     cfg.QueueRetryBaseDelay,
		StuckSweepInterval: cfg.QueueStuckSweepInterval,
		QueueMaxRetries:    cfg.QueueMaxRetries,
		HistoryLimit:       cfg.QueueHistoryLimit,
		HistoryMaxAge:      cfg.QueueHistoryMaxAge,
	}

	econf := engine.Config{
		MaxAttemptsPerTransport: cfg.MaxAttemptsPerTransport,
		InitialRetryDelay:       cfg.InitialRetryDelay,
		MaxRetryDelay:           cfg.MaxRetryDelay,
		RetryMultiplier:         cfg.RetryMultiplier,
		EnableBreaker:           cfg.EnableBreaker,
		EnableQueue:             cfg.EnableQueue,
	}
	bcfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenDuration:     cfg.BreakerOpenDuration,
	}

	eng := engine.New(econf, transports, store, qcfg,
		engine.WithLogger(logger),
		engine.WithEventSink(sink),
		engine.WithMetrics(metrics),
		engine.WithBreakerConfig(bcfg),
	)
	eng.Start(ctx)

	localLimiter := ratelimiter.New(ratelimiter.Config{Capacity: cfg.RateCapacity, Window: cfg.RateWindow})
	go localLimiter.RunSweeper(cfg.RateWindow, ctx.Done())

	guard := admin.NewGuard(cfg.AdminTokenHash)
	handlers := api.NewHandlers(logger, eng, guard, localLimiter, limiter, replay)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("fiber error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		},
	})
	api.SetupRoutes(app, logger, metrics, handlers)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	logger.Info("mailgate started", zap.String("port", cfg.Port))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	eng.Shutdown(30 * time.Second)

	logger.Info("mailgate stopped")
}

// buildEventSink picks the sink implementation per cfg.EventsSink,
// falling back to a no-op sink so a misconfigured or absent broker
// never prevents the engine from starting.
func buildEventSink(cfg *config.Config, logger *zap.Logger) events.Sink {
	switch cfg.EventsSink {
	case "nats":
		sink, err := events.NewNatsSink(cfg.EventsNatsURL)
		if err != nil {
			logger.Warn("nats sink unavailable, falling back to noop", zap.Error(err))
			return events.NoopSink{}
		}
		return sink
	case "amqp":
		sink, err := events.NewAmqpSink(cfg.EventsAmqpURL)
		if err != nil {
			logger.Warn("amqp sink unavailable, falling back to noop", zap.Error(err))
			return events.NoopSink{}
		}
		return sink
	default:
		return events.NoopSink{}
	}
}
