// Package events is the append-only delivery event log. Writes are
// buffered in-process and flushed in batches; the log is analytical, so a
// lost buffer on hard crash is acceptable while the hot path stays fast.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"courier/internal/observability"
)

// Event is one row in the delivery event log.
type Event struct {
	EventType         string
	BatchID           uuid.UUID
	RecipientID       *uuid.UUID
	UserID            uuid.UUID
	Provider          string
	ProviderMessageID string
	ErrorMessage      string
	Metadata          string // raw JSON, may be empty
	OccurredAt        time.Time
}

// Store wraps the analytical database. The driver is selectable so the
// same writer can target the local postgres or a snowflake warehouse.
type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

func Open(driver, dsn string, logger *zap.Logger) (*Store, error) {
	switch driver {
	case "postgres", "snowflake":
	default:
		return nil, fmt.Errorf("unsupported events driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open events store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db, driver: driver, logger: logger}, nil
}

// EnsureSchema creates the event log and message index. On postgres the
// log is partitioned by month; snowflake warehouses are provisioned out of
// band, so schema setup is skipped there.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.driver != "postgres" {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS email_events (
			id BIGSERIAL,
			event_type TEXT NOT NULL,
			batch_id UUID NOT NULL,
			recipient_id UUID,
			user_id UUID NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			occurred_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, occurred_at)
		) PARTITION BY RANGE (occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_email_events_batch ON email_events (batch_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_email_events_pmid ON email_events (provider_message_id) WHERE provider_message_id != ''`,
		`CREATE TABLE IF NOT EXISTS email_message_index (
			provider_message_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			recipient_id UUID NOT NULL,
			batch_id UUID NOT NULL,
			user_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure events schema: %w", err)
		}
	}

	// Current and next month, so a flush never races the month boundary.
	now := time.Now().UTC()
	for _, t := range []time.Time{now, now.AddDate(0, 1, 0)} {
		if err := s.ensurePartition(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensurePartition(ctx context.Context, t time.Time) error {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	name := fmt.Sprintf("email_events_%s", start.Format("2006_01"))
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF email_events FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to ensure partition %s: %w", name, err)
	}
	return nil
}

// placeholder renders the i-th (1-based) bind marker. gosnowflake only
// understands ? markers, lib/pq only $N.
func (s *Store) placeholder(i int) string {
	if s.driver == "snowflake" {
		return "?"
	}
	return fmt.Sprintf("$%d", i)
}

func (s *Store) insertBatch(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO email_events
		(event_type, batch_id, recipient_id, user_id, provider, provider_message_id, error_message, metadata, occurred_at)
		VALUES `)
	args := make([]interface{}, 0, len(evs)*9)
	for i, ev := range evs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < 9; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(s.placeholder(i*9 + j + 1))
		}
		sb.WriteString(")")

		var meta interface{}
		if ev.Metadata != "" {
			meta = ev.Metadata
		}
		args = append(args,
			ev.EventType, ev.BatchID, ev.RecipientID, ev.UserID,
			ev.Provider, ev.ProviderMessageID, ev.ErrorMessage, meta, ev.OccurredAt)
	}

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Writer buffers events and flushes when the buffer fills or the flush
// interval elapses, whichever comes first.
type Writer struct {
	store     *Store
	metrics   *observability.Metrics
	logger    *zap.Logger
	batchSize int
	interval  time.Duration

	ch   chan Event
	done chan struct{}
	once sync.Once
}

func NewWriter(store *Store, batchSize int, interval time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	w := &Writer{
		store:     store,
		metrics:   metrics,
		logger:    logger,
		batchSize: batchSize,
		interval:  interval,
		ch:        make(chan Event, batchSize*4),
		done:      make(chan struct{}),
	}
	go w.loop()
	return w
}

// Append enqueues an event. If the buffer is full the event is dropped
// with a log line; the event log must never block the send path.
func (w *Writer) Append(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case w.ch <- ev:
	default:
		w.logger.Warn("event buffer full, dropping event",
			zap.String("event_type", ev.EventType),
			zap.String("batch_id", ev.BatchID.String()))
	}
}

func (w *Writer) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	buf := make([]Event, 0, w.batchSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := w.store.insertBatch(ctx, buf); err != nil {
			w.logger.Error("event flush failed", zap.Int("events", len(buf)), zap.Error(err))
		}
		cancel()
		if w.metrics != nil {
			w.metrics.EventFlushDuration.Observe(time.Since(start).Seconds())
		}
		buf = buf[:0]
	}

	for {
		select {
		case ev := <-w.ch:
			buf = append(buf, ev)
			if len(buf) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			// drain what is already queued, then final flush
			for {
				select {
				case ev := <-w.ch:
					buf = append(buf, ev)
					if len(buf) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes outstanding events and stops the writer.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.done) })
}
