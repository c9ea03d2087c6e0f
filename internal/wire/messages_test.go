package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEventIDDeterministic(t *testing.T) {
	a := EventID("ses", "msg-123", "delivered")
	b := EventID("ses", "msg-123", "delivered")
	if a != b {
		t.Errorf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected sha256 hex id, got %d chars", len(a))
	}
}

func TestEventIDDiscriminates(t *testing.T) {
	base := EventID("ses", "msg-123", "delivered")
	variants := []string{
		EventID("resend", "msg-123", "delivered"),
		EventID("ses", "msg-456", "delivered"),
		EventID("ses", "msg-123", "bounced"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base id", i)
		}
	}
}

func TestProcessMsgIDChangesPerSubmission(t *testing.T) {
	batchID := uuid.New()
	t1 := time.Now()
	t2 := t1.Add(31 * time.Minute)

	if ProcessMsgID(batchID, t1) == ProcessMsgID(batchID, t2) {
		t.Error("resubmission must produce a fresh process msg id")
	}
	if ProcessMsgID(batchID, t1) != ProcessMsgID(batchID, t1) {
		t.Error("same submission must produce a stable process msg id")
	}
}

func TestChunkMsgIDStable(t *testing.T) {
	batchID := uuid.New()
	if ChunkMsgID(batchID, 0) != ChunkMsgID(batchID, 0) {
		t.Error("chunk msg id must be deterministic")
	}
	if ChunkMsgID(batchID, 0) == ChunkMsgID(batchID, 1) {
		t.Error("chunk msg id must include the chunk index")
	}
}
