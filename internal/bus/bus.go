package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"courier/internal/wire"
)

// Options tunes consumer behavior per stream. Webhook consumers give up
// after fewer deliveries and re-deliver faster than chunk consumers, whose
// ack wait has to cover a full provider call.
type Options struct {
	ChunkAckWait      time.Duration
	ChunkMaxDeliver   int
	WebhookAckWait    time.Duration
	WebhookMaxDeliver int
}

func DefaultOptions() Options {
	return Options{
		ChunkAckWait:      5 * time.Minute,
		ChunkMaxDeliver:   5,
		WebhookAckWait:    30 * time.Second,
		WebhookMaxDeliver: 3,
	}
}

type Bus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	opts   Options
	logger *zap.Logger
}

func New(natsURL string, opts Options, logger *zap.Logger) (*Bus, error) {
	connOpts := []nats.Option{
		nats.Name("courier"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Bus{conn: conn, js: js, opts: opts, logger: logger}, nil
}

// EnsureStreams provisions the three streams. The one-hour duplicate
// window is the first dedup layer for webhook events and protects chunk
// fan-out against processor redeliveries.
func (b *Bus) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       wire.StreamBatches,
			Subjects:   []string{wire.SubjectBatchProcess},
			Duplicates: time.Hour,
			MaxAge:     48 * time.Hour,
		},
		{
			Name:       wire.StreamChunks,
			Subjects:   []string{"user.*.chunk"},
			Duplicates: time.Hour,
			MaxAge:     48 * time.Hour,
		},
		{
			Name:       wire.StreamWebhooks,
			Subjects:   []string{"webhook.>"},
			Duplicates: time.Hour,
			MaxAge:     24 * time.Hour,
		},
	}

	for _, cfg := range streams {
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Publish sends data with a deterministic message id; the stream's
// duplicate window drops republishes.
func (b *Bus) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	_, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// ProcessConsumer is the shared durable consumer for batch-ready
// notifications.
func (b *Bus) ProcessConsumer(ctx context.Context) (jetstream.Consumer, error) {
	return b.js.CreateOrUpdateConsumer(ctx, wire.StreamBatches, jetstream.ConsumerConfig{
		Durable:       "batch-processor",
		FilterSubject: wire.SubjectBatchProcess,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    b.opts.ChunkMaxDeliver,
	})
}

// ChunkConsumer lazily creates the durable consumer for one user's chunk
// subject. Every worker may hold an instance; explicit acks ensure each
// chunk is processed by one worker at a time.
func (b *Bus) ChunkConsumer(ctx context.Context, userID uuid.UUID) (jetstream.Consumer, error) {
	return b.js.CreateOrUpdateConsumer(ctx, wire.StreamChunks, jetstream.ConsumerConfig{
		Durable:       "sender-" + sanitize(userID.String()),
		FilterSubject: wire.ChunkSubject(userID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.ChunkAckWait,
		MaxDeliver:    b.opts.ChunkMaxDeliver,
		MaxAckPending: 64,
	})
}

// WebhookConsumer drains all normalized provider events.
func (b *Bus) WebhookConsumer(ctx context.Context) (jetstream.Consumer, error) {
	return b.js.CreateOrUpdateConsumer(ctx, wire.StreamWebhooks, jetstream.ConsumerConfig{
		Durable:       "webhook-events",
		FilterSubject: "webhook.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.WebhookAckWait,
		MaxDeliver:    b.opts.WebhookMaxDeliver,
		MaxAckPending: 1024,
	})
}

func (b *Bus) HealthCheck(ctx context.Context) error {
	if b.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", b.conn.Status())
	}
	return nil
}

func (b *Bus) Close() {
	b.conn.Close()
}

// Durable consumer names may not contain dots.
func sanitize(s string) string {
	out := []byte(s)
	for i := range out {
		if out[i] == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}
