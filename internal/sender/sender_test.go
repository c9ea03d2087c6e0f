package sender

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/db"
	"courier/internal/events"
	"courier/internal/hotstate"
	"courier/internal/module"
	"courier/internal/observability"
	"courier/internal/rate"
	"courier/internal/wire"
)

var testMetrics = observability.NewMetrics()

type fakeMsg struct {
	data     []byte
	acked    bool
	naked    bool
	nakDelay time.Duration
	termed   bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return nil, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return nil }
func (m *fakeMsg) Subject() string                           { return "" }
func (m *fakeMsg) Reply() string                             { return "" }
func (m *fakeMsg) Ack() error                                { m.acked = true; return nil }
func (m *fakeMsg) DoubleAck(context.Context) error           { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                                { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naked = true
	m.nakDelay = d
	return nil
}
func (m *fakeMsg) InProgress() error           { return nil }
func (m *fakeMsg) Term() error                 { m.termed = true; return nil }
func (m *fakeMsg) TermWithReason(string) error { m.termed = true; return nil }

func testSender(t *testing.T) (*Sender, sqlmock.Sqlmock, *hotstate.Client, *miniredis.Miniredis, *module.Registry) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	store := batch.NewStore(&db.PostgresDB{DB: mockDB}, zap.NewNop())

	mr := miniredis.RunT(t)
	rdb := &db.RedisDB{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	hot := hotstate.NewClient(rdb, time.Hour, time.Minute, zap.NewNop())

	limiter := rate.NewLimiter(hot, false, zap.NewNop())
	registry := module.NewRegistry(zap.NewNop(), module.MockDefaults{SuccessRate: 1})

	evStore, err := events.Open("postgres", "postgres://127.0.0.1:1/unused?sslmode=disable", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open events store: %v", err)
	}
	writer := events.NewWriter(evStore, 1000, time.Hour, nil, zap.NewNop())
	t.Cleanup(writer.Close)
	index := events.NewIndex(evStore)

	s := New(store, hot, nil, limiter, registry, writer, index, testMetrics, DefaultOptions(), zap.NewNop())
	return s, mock, hot, mr, registry
}

func mockEmailConfig(userID uuid.UUID) batch.SendConfig {
	return batch.SendConfig{
		ID:     uuid.New(),
		UserID: userID,
		Module: batch.ModuleEmail,
		Config: batch.ModuleConfig{
			Email: &batch.EmailConfig{Provider: "mock", FromEmail: "noreply@example.com"},
		},
	}
}

func chunkMsg(t *testing.T, chunk wire.ChunkMessage) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("failed to encode chunk: %v", err)
	}
	return &fakeMsg{data: data}
}

func TestHandleChunkSweepSkipsRecordedRecipients(t *testing.T) {
	s, mock, hot, _, registry := testSender(t)
	ctx := context.Background()

	batchID, userID := uuid.New(), uuid.New()
	recA, recB := uuid.New(), uuid.New()
	cfg := mockEmailConfig(userID)

	if _, err := hot.InitCounters(ctx, batchID, 2); err != nil {
		t.Fatalf("InitCounters failed: %v", err)
	}
	// recA was dispatched by an earlier delivery of this chunk.
	at := time.Now().UTC()
	if _, err := hot.RecordOutcome(ctx, batchID, recA, hotstate.RecipientRecord{
		Status: batch.RecipientSent, SentAt: &at, ProviderMessageID: "mock_0",
	}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	now := time.Now()
	mock.ExpectQuery("SELECT id, user_id, send_config_id").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "send_config_id", "name", "status", "payload", "total_recipients",
			"sent_count", "failed_count", "delivered_count", "bounced_count", "dry_run",
			"scheduled_at", "started_at", "completed_at", "created_at", "updated_at"}).
			AddRow(batchID.String(), userID.String(), cfg.ID.String(), "welcome", "processing",
				[]byte(`{"email":{"subject":"hi {{ name }}","text_content":"hello"}}`),
				2, 0, 0, 0, 0, false, nil, nil, nil, now, now))
	mock.ExpectQuery("SELECT id, batch_id, identifier").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "batch_id", "identifier", "name", "variables", "status", "provider_message_id",
			"error_message", "sent_at", "delivered_at", "bounced_at", "created_at", "updated_at"}).
			AddRow(recB.String(), batchID.String(), "b@example.com", "Bee", []byte(`{}`),
				"queued", nil, nil, nil, nil, nil, now, now))

	msg := chunkMsg(t, wire.ChunkMessage{
		BatchID:      batchID,
		UserID:       userID,
		RecipientIDs: []uuid.UUID{recA, recB},
		SendConfig:   cfg,
	})
	s.handleChunk(ctx, msg)

	if !msg.acked {
		t.Fatal("chunk not acked")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}

	mk := registry.Mock()
	if n := mk.Calls(recA); n != 0 {
		t.Errorf("already-recorded recipient dispatched %d times, want 0", n)
	}
	if n := mk.Calls(recB); n != 1 {
		t.Errorf("remaining recipient dispatched %d times, want 1", n)
	}

	counters, err := hot.Counters(ctx, batchID)
	if err != nil {
		t.Fatalf("Counters failed: %v", err)
	}
	if counters.Sent != 2 || !counters.Complete {
		t.Errorf("counters = %+v, want both recipients sent and complete", counters)
	}
}

func TestHandleChunkNacksWhenHotStateUnavailable(t *testing.T) {
	s, _, _, mr, registry := testSender(t)
	mr.Close()

	msg := chunkMsg(t, wire.ChunkMessage{
		BatchID:      uuid.New(),
		UserID:       uuid.New(),
		RecipientIDs: []uuid.UUID{uuid.New(), uuid.New()},
		SendConfig:   mockEmailConfig(uuid.New()),
	})
	s.handleChunk(context.Background(), msg)

	if msg.acked {
		t.Error("chunk acked while hot state was unreachable")
	}
	if !msg.naked {
		t.Fatal("chunk not nacked")
	}
	if msg.nakDelay != s.opts.HotStateNakDelay {
		t.Errorf("nak delay = %v, want %v", msg.nakDelay, s.opts.HotStateNakDelay)
	}
	if n := registry.Mock().TotalCalls(); n != 0 {
		t.Errorf("provider dispatched %d times while hot state was unreachable", n)
	}
}

func TestHandleChunkTerminatesMalformedMessage(t *testing.T) {
	s, _, _, _, _ := testSender(t)

	msg := &fakeMsg{data: []byte("not json")}
	s.handleChunk(context.Background(), msg)

	if !msg.termed {
		t.Error("malformed chunk not terminated")
	}
	if msg.acked || msg.naked {
		t.Error("malformed chunk should neither ack nor nack")
	}
}
