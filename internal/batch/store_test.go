package batch

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/db"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return NewStore(&db.PostgresDB{DB: mockDB}, zap.NewNop()), mock
}

func TestMarkProcessingClaims(t *testing.T) {
	store, mock := testStore(t)
	batchID := uuid.New()

	mock.ExpectExec("UPDATE batches SET status = 'processing'").
		WithArgs(batchID, 100).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkProcessing(context.Background(), batchID, 100); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkProcessingNotClaimable(t *testing.T) {
	store, mock := testStore(t)
	batchID := uuid.New()

	mock.ExpectExec("UPDATE batches SET status = 'processing'").
		WithArgs(batchID, 100).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkProcessing(context.Background(), batchID, 100)
	if err == nil {
		t.Fatal("expected error for a batch not in queued/processing")
	}
}

func TestBulkMarkSent(t *testing.T) {
	store, mock := testStore(t)

	rows := []SentRow{
		{ID: uuid.New(), ProviderMessageID: "m1", SentAt: time.Now()},
		{ID: uuid.New(), ProviderMessageID: "m2", SentAt: time.Now()},
	}

	mock.ExpectExec("FROM jsonb_to_recordset").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.BulkMarkSent(context.Background(), rows)
	if err != nil {
		t.Fatalf("BulkMarkSent failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows updated, got %d", n)
	}
}

func TestBulkMarkSentEmpty(t *testing.T) {
	store, _ := testStore(t)
	n, err := store.BulkMarkSent(context.Background(), nil)
	if err != nil || n != 0 {
		t.Errorf("empty input should be a no-op: n=%d err=%v", n, err)
	}
}

func TestApplyDeliveredGuards(t *testing.T) {
	store, mock := testStore(t)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	// Two of three recipients transition; one was already terminal.
	mock.ExpectExec("UPDATE recipients SET status = 'delivered'").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.ApplyDelivered(context.Background(), ids, time.Now())
	if err != nil {
		t.Fatalf("ApplyDelivered failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 transitions, got %d", n)
	}
}

func TestSetCompletedRace(t *testing.T) {
	store, mock := testStore(t)
	batchID := uuid.New()

	mock.ExpectExec("UPDATE batches SET status = 'completed'").
		WithArgs(batchID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE batches SET status = 'completed'").
		WithArgs(batchID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.SetCompleted(context.Background(), batchID)
	if err != nil || !won {
		t.Fatalf("first completion should win: won=%v err=%v", won, err)
	}
	won, err = store.SetCompleted(context.Background(), batchID)
	if err != nil || won {
		t.Fatalf("second completion should lose: won=%v err=%v", won, err)
	}
}

func TestPendingRecipientIDs(t *testing.T) {
	store, mock := testStore(t)
	batchID := uuid.New()
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT id FROM recipients").
		WithArgs(batchID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a.String()).AddRow(b.String()))

	ids, err := store.PendingRecipientIDs(context.Background(), batchID)
	if err != nil {
		t.Fatalf("PendingRecipientIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	store, mock := testStore(t)
	batchID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs(batchID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetBatch(context.Background(), batchID)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
