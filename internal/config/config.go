package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	MetricsPort  string        `envconfig:"METRICS_PORT" default:"9090"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	PostgresURL    string `envconfig:"POSTGRES_URL" required:"true"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`

	// Redis (hot state)
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// NATS
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// Event store. Driver "postgres" by default; "snowflake" for a
	// warehouse sink. Empty DSN falls back to POSTGRES_URL.
	EventsDriver       string        `envconfig:"EVENTS_DRIVER" default:"postgres"`
	EventsDSN          string        `envconfig:"EVENTS_DSN"`
	EventFlushInterval time.Duration `envconfig:"EVENT_FLUSH_INTERVAL" default:"1s"`
	EventBatchSize     int           `envconfig:"EVENT_BATCH_SIZE" default:"100"`

	// Sender
	SenderPoolSize     int           `envconfig:"SENDER_POOL_SIZE" default:"10"`
	ChunkFetchBatch    int           `envconfig:"CHUNK_FETCH_BATCH" default:"10"`
	ChunkAckWait       time.Duration `envconfig:"CHUNK_ACK_WAIT" default:"5m"`
	ChunkMaxDeliver    int           `envconfig:"CHUNK_MAX_DELIVER" default:"5"`
	UserScanInterval   time.Duration `envconfig:"USER_SCAN_INTERVAL" default:"30s"`
	DryRunLatencyMinMs int           `envconfig:"DRY_RUN_LATENCY_MIN_MS" default:"20"`
	DryRunLatencyMaxMs int           `envconfig:"DRY_RUN_LATENCY_MAX_MS" default:"150"`

	// Hot state retention
	ActiveTTL          time.Duration `envconfig:"HOT_STATE_ACTIVE_TTL" default:"168h"`
	CompletedRetention time.Duration `envconfig:"HOT_STATE_COMPLETED_TTL" default:"48h"`

	// Rate limiting
	RateLimitFailOpen bool `envconfig:"RATE_LIMIT_FAIL_OPEN" default:"true"`

	// Reconciler
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"2s"`
	SyncBatchSize     int           `envconfig:"SYNC_BATCH_SIZE" default:"500"`
	StuckScanInterval time.Duration `envconfig:"STUCK_SCAN_INTERVAL" default:"5m"`
	StuckAfter        time.Duration `envconfig:"STUCK_AFTER" default:"15m"`
	ResetAfter        time.Duration `envconfig:"RESET_AFTER" default:"30m"`

	// Scheduler (leader only)
	ScheduleInterval   time.Duration `envconfig:"SCHEDULE_INTERVAL" default:"30s"`
	QueuedScanInterval time.Duration `envconfig:"QUEUED_SCAN_INTERVAL" default:"5s"`

	// Leader election
	LeaderTTL       time.Duration `envconfig:"LEADER_TTL" default:"30s"`
	LeaderHeartbeat time.Duration `envconfig:"LEADER_HEARTBEAT" default:"10s"`

	// Webhook intake
	WebhookAckWait    time.Duration `envconfig:"WEBHOOK_ACK_WAIT" default:"30s"`
	WebhookMaxDeliver int           `envconfig:"WEBHOOK_MAX_DELIVER" default:"3"`
	WebhookDedupTTL   time.Duration `envconfig:"WEBHOOK_DEDUP_TTL" default:"5m"`

	// Provider webhook signing secrets; empty skips verification.
	ResendWebhookSecret string `envconfig:"RESEND_WEBHOOK_SECRET"`
	TelnyxWebhookSecret string `envconfig:"TELNYX_WEBHOOK_SECRET"`

	// Mock module (local runs and scenario tests)
	MockSuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"1.0"`
	MockLatencyMs   int     `envconfig:"MOCK_LATENCY_MS" default:"10"`

	// Shutdown
	DrainTimeout time.Duration `envconfig:"DRAIN_TIMEOUT" default:"15s"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.EventsDSN == "" {
		cfg.EventsDSN = cfg.PostgresURL
	}
	return &cfg, nil
}
