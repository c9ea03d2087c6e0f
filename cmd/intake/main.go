package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/bus"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/observability"
	"courier/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting courier intake", zap.String("port", cfg.Port))

	metrics := observability.NewMetrics()

	if cfg.TracingEnabled {
		shutdown, err := observability.SetupOpenTelemetry("courier-intake", logger)
		if err != nil {
			logger.Error("failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
		}
	}

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	busOpts := bus.Options{
		ChunkAckWait:      cfg.ChunkAckWait,
		ChunkMaxDeliver:   cfg.ChunkMaxDeliver,
		WebhookAckWait:    cfg.WebhookAckWait,
		WebhookMaxDeliver: cfg.WebhookMaxDeliver,
	}
	b, err := bus.New(cfg.NATSURL, busOpts, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer b.Close()

	if err := b.EnsureStreams(ctx); err != nil {
		logger.Fatal("failed to ensure streams", zap.Error(err))
	}

	store := batch.NewStore(postgres, logger)
	intake := webhook.NewIntake(store, b, webhook.IntakeSecrets{
		Resend: cfg.ResendWebhookSecret,
		Telnyx: cfg.TelnyxWebhookSecret,
	}, metrics, logger)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	})
	app.Use(recover.New())
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := strconv.Itoa(c.Response().StatusCode())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), c.Route().Path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Method(), c.Route().Path, status).
			Observe(time.Since(start).Seconds())
		return err
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/health/detailed", func(c *fiber.Ctx) error {
		hctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		defer cancel()
		checks := fiber.Map{"postgres": "ok", "nats": "ok"}
		status := http.StatusOK
		if err := store.Health(hctx); err != nil {
			checks["postgres"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := b.HealthCheck(hctx); err != nil {
			checks["nats"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(checks)
	})

	intake.Register(app)

	if cfg.MetricsEnabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listening", zap.String("port", cfg.MetricsPort))
			if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down intake...")
	if err := app.ShutdownWithTimeout(cfg.DrainTimeout); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("intake shutdown complete")
}
