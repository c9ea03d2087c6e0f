package hotstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/db"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := &db.RedisDB{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	return NewClient(rdb, time.Hour, time.Minute, zap.NewNop())
}

func TestInitCountersSetsOnce(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	batchID := uuid.New()

	first, err := c.InitCounters(ctx, batchID, 100)
	if err != nil {
		t.Fatalf("InitCounters failed: %v", err)
	}
	if !first {
		t.Error("expected first init to report true")
	}

	// A second init must not reset progress.
	if _, err := c.RecordOutcome(ctx, batchID, uuid.New(), RecipientRecord{Status: batch.RecipientSent}); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	again, err := c.InitCounters(ctx, batchID, 100)
	if err != nil {
		t.Fatalf("second InitCounters failed: %v", err)
	}
	if again {
		t.Error("expected second init to report false")
	}

	counters, err := c.Counters(ctx, batchID)
	if err != nil {
		t.Fatalf("Counters failed: %v", err)
	}
	if counters.Sent != 1 {
		t.Errorf("expected sent=1 after re-init, got %d", counters.Sent)
	}
}

func TestRecordOutcomeIdempotent(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	batchID := uuid.New()
	recipientID := uuid.New()

	if _, err := c.InitCounters(ctx, batchID, 2); err != nil {
		t.Fatalf("InitCounters failed: %v", err)
	}

	now := time.Now().UTC()
	counters, err := c.RecordOutcome(ctx, batchID, recipientID, RecipientRecord{
		Status:            batch.RecipientSent,
		SentAt:            &now,
		ProviderMessageID: "msg-1",
	})
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if !counters.Applied {
		t.Error("expected first outcome to apply")
	}
	if counters.Sent != 1 || counters.Complete {
		t.Errorf("unexpected counters after first outcome: %+v", counters)
	}

	// Re-applying the same recipient must not double count, even with a
	// different outcome.
	counters, err = c.RecordOutcome(ctx, batchID, recipientID, RecipientRecord{
		Status:       batch.RecipientFailed,
		ErrorMessage: "late failure",
	})
	if err != nil {
		t.Fatalf("duplicate RecordOutcome failed: %v", err)
	}
	if counters.Applied {
		t.Error("expected duplicate outcome not to apply")
	}
	if counters.Sent != 1 || counters.Failed != 0 {
		t.Errorf("duplicate outcome mutated counters: %+v", counters)
	}

	recs, err := c.RecipientRecords(ctx, batchID, []uuid.UUID{recipientID})
	if err != nil {
		t.Fatalf("RecipientRecords failed: %v", err)
	}
	if recs[recipientID].Status != batch.RecipientSent {
		t.Errorf("expected record to keep sent status, got %s", recs[recipientID].Status)
	}
	if recs[recipientID].ProviderMessageID != "msg-1" {
		t.Errorf("expected provider message id preserved, got %q", recs[recipientID].ProviderMessageID)
	}
}

func TestRecordOutcomeCompletes(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	batchID := uuid.New()

	if _, err := c.InitCounters(ctx, batchID, 2); err != nil {
		t.Fatalf("InitCounters failed: %v", err)
	}

	counters, err := c.RecordOutcome(ctx, batchID, uuid.New(), RecipientRecord{Status: batch.RecipientSent})
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if counters.Complete {
		t.Error("batch complete after 1 of 2 outcomes")
	}

	counters, err = c.RecordOutcome(ctx, batchID, uuid.New(), RecipientRecord{
		Status:       batch.RecipientFailed,
		ErrorMessage: "boom",
	})
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if !counters.Complete {
		t.Errorf("expected complete after final outcome: %+v", counters)
	}
	if counters.Sent != 1 || counters.Failed != 1 || counters.Total != 2 {
		t.Errorf("unexpected final counters: %+v", counters)
	}
}

func TestPendingSyncRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	batchID := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	if _, err := c.InitCounters(ctx, batchID, len(ids)); err != nil {
		t.Fatalf("InitCounters failed: %v", err)
	}
	for _, id := range ids {
		if _, err := c.RecordOutcome(ctx, batchID, id, RecipientRecord{Status: batch.RecipientSent}); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}

	batches, err := c.PendingSyncBatches(ctx)
	if err != nil {
		t.Fatalf("PendingSyncBatches failed: %v", err)
	}
	if len(batches) != 1 || batches[0] != batchID {
		t.Fatalf("expected [%s], got %v", batchID, batches)
	}

	sample, err := c.PendingSyncSample(ctx, batchID, 10)
	if err != nil {
		t.Fatalf("PendingSyncSample failed: %v", err)
	}
	if len(sample) != 3 {
		t.Fatalf("expected 3 pending ids, got %d", len(sample))
	}

	if err := c.RemovePendingSync(ctx, batchID, sample); err != nil {
		t.Fatalf("RemovePendingSync failed: %v", err)
	}
	sample, err = c.PendingSyncSample(ctx, batchID, 10)
	if err != nil {
		t.Fatalf("PendingSyncSample after removal failed: %v", err)
	}
	if len(sample) != 0 {
		t.Errorf("expected empty pending set, got %d", len(sample))
	}
}

func TestMarkEventOnce(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	first, err := c.MarkEventOnce(ctx, "evt-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkEventOnce failed: %v", err)
	}
	if !first {
		t.Error("expected first mark to report true")
	}
	second, err := c.MarkEventOnce(ctx, "evt-1", time.Minute)
	if err != nil {
		t.Fatalf("second MarkEventOnce failed: %v", err)
	}
	if second {
		t.Error("expected second mark to report false")
	}
}

func TestGlobalPendingGauge(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	c.AddGlobalPending(ctx, 10)
	c.SubGlobalPending(ctx, 3)

	n, err := c.GlobalPending(ctx)
	if err != nil {
		t.Fatalf("GlobalPending failed: %v", err)
	}
	if n != 7 {
		t.Errorf("expected gauge 7, got %d", n)
	}
}
