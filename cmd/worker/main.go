package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/bus"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/events"
	"courier/internal/hotstate"
	"courier/internal/leader"
	"courier/internal/module"
	"courier/internal/observability"
	"courier/internal/processor"
	"courier/internal/rate"
	"courier/internal/reconciler"
	"courier/internal/scheduler"
	"courier/internal/sender"
	"courier/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting courier worker", zap.String("log_level", cfg.LogLevel))

	metrics := observability.NewMetrics()

	if cfg.TracingEnabled {
		shutdown, err := observability.SetupOpenTelemetry("courier-worker", logger)
		if err != nil {
			logger.Error("failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postgres, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.RunMigrations(cfg.MigrationsPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	redis, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	hot := hotstate.NewClient(redis, cfg.ActiveTTL, cfg.CompletedRetention, logger)

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

	eventStore, err := events.Open(cfg.EventsDriver, cfg.EventsDSN, logger)
	if err != nil {
		logger.Fatal("failed to open event store", zap.Error(err))
	}
	defer eventStore.Close()
	if err := eventStore.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure event schema", zap.Error(err))
	}

	writer := events.NewWriter(eventStore, cfg.EventBatchSize, cfg.EventFlushInterval, metrics, logger)
	index := events.NewIndex(eventStore)

	store := batch.NewStore(postgres, logger)
	limiter := rate.NewLimiter(hot, cfg.RateLimitFailOpen, logger)
	registry := module.NewRegistry(logger, module.MockDefaults{
		SuccessRate: cfg.MockSuccessRate,
		LatencyMs:   cfg.MockLatencyMs,
	})

	senderOpts := sender.Options{
		PoolSize:         cfg.SenderPoolSize,
		FetchBatch:       cfg.ChunkFetchBatch,
		UserScanInterval: cfg.UserScanInterval,
		DryRunLatencyMin: time.Duration(cfg.DryRunLatencyMinMs) * time.Millisecond,
		DryRunLatencyMax: time.Duration(cfg.DryRunLatencyMaxMs) * time.Millisecond,
		HotStateNakDelay: 5 * time.Second,
	}
	snd := sender.New(store, hot, b, limiter, registry, writer, index, metrics, senderOpts, logger)

	proc := processor.New(store, hot, b, writer, metrics, logger)
	proc.OnFanOut(snd.EnsureConsumer)

	elector := leader.NewElector(hot, cfg.LeaderTTL, cfg.LeaderHeartbeat, logger)
	elector.OnElected = func() { metrics.LeaderGauge.Set(1) }
	elector.OnResigned = func() { metrics.LeaderGauge.Set(0) }

	reconcilerOpts := reconciler.Options{
		SyncInterval:      cfg.ReconcileInterval,
		SyncBatchSize:     cfg.SyncBatchSize,
		StuckScanInterval: cfg.StuckScanInterval,
		StuckAfter:        cfg.StuckAfter,
		ResetAfter:        cfg.ResetAfter,
	}
	rec := reconciler.New(store, hot, writer, metrics, reconcilerOpts, elector.IsLeader, logger)
	rec.RecoverOnStart(ctx)

	schedOpts := scheduler.Options{
		PromoteInterval: cfg.ScheduleInterval,
		QueuedInterval:  cfg.QueuedScanInterval,
	}
	sched := scheduler.New(store, b, schedOpts, elector.IsLeader, logger)

	webhookConsumer := webhook.NewConsumer(store, hot, b, index, writer, cfg.WebhookDedupTTL, metrics, logger)

	go elector.Run(ctx)
	go sched.Run(ctx)
	go rec.Run(ctx)
	go proc.Run(ctx)
	go snd.Run(ctx)
	go webhookConsumer.Run(ctx)
	go gaugeLoop(ctx, hot, metrics)

	if cfg.MetricsEnabled {
		go serveMetrics(cfg.MetricsPort, store, hot, b, logger)
	}

	logger.Info("worker started, waiting for work...")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down worker...")
	cancel()

	// Let in-flight chunks finish or nack before closing the event writer.
	time.Sleep(cfg.DrainTimeout)
	writer.Close()
	logger.Info("worker shutdown complete")
}

// gaugeLoop mirrors hot-state health into prometheus gauges.
func gaugeLoop(ctx context.Context, hot *hotstate.Client, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hot.Open() {
				metrics.BreakerOpen.Set(1)
			} else {
				metrics.BreakerOpen.Set(0)
			}
			if pending, err := hot.GlobalPending(ctx); err == nil {
				metrics.PendingRecipients.Set(float64(pending))
			}
		}
	}
}

func serveMetrics(port string, store *batch.Store, hot *hotstate.Client, b *bus.Bus, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := store.Health(ctx); err != nil {
			http.Error(w, "postgres: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := hot.HealthCheck(ctx); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := b.HealthCheck(ctx); err != nil {
			http.Error(w, "nats: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	logger.Info("metrics listening", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}
