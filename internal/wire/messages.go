// Package wire holds the schemas and subject/message-id conventions shared
// by every service that touches the bus.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/batch"
)

const (
	SubjectBatchProcess = "sys.batch.process"

	StreamBatches  = "BATCHES"
	StreamChunks   = "CHUNKS"
	StreamWebhooks = "WEBHOOKS"
)

// ProcessNotification tells the batch processor a batch is ready.
type ProcessNotification struct {
	BatchID uuid.UUID `json:"batch_id"`
	UserID  uuid.UUID `json:"user_id"`
}

// ChunkMessage carries one provider-call-sized slice of a batch. The send
// config is embedded by value so senders never re-query the relational
// store; the dry_run flag snapshotted here wins over later flips on the
// batch row.
type ChunkMessage struct {
	BatchID      uuid.UUID        `json:"batch_id"`
	UserID       uuid.UUID        `json:"user_id"`
	ChunkIndex   int              `json:"chunk_index"`
	RecipientIDs []uuid.UUID      `json:"recipient_ids"`
	SendConfig   batch.SendConfig `json:"send_config"`
	DryRun       bool             `json:"dry_run"`
}

// WebhookEvent is the normalized form of a provider delivery notification.
type WebhookEvent struct {
	ID                string                 `json:"id"`
	Provider          string                 `json:"provider"`
	EventType         string                 `json:"event_type"`
	ProviderMessageID string                 `json:"provider_message_id"`
	Timestamp         time.Time              `json:"timestamp"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	RawEvent          []byte                 `json:"raw_event,omitempty"`
	ModuleID          *uuid.UUID             `json:"module_id,omitempty"`
}

// ChunkSubject is the per-user chunk subject; per-user consumers keep one
// user's burst from starving another.
func ChunkSubject(userID uuid.UUID) string {
	return fmt.Sprintf("user.%s.chunk", userID)
}

func WebhookSubject(provider, eventType string) string {
	return fmt.Sprintf("webhook.%s.%s", provider, eventType)
}

// ChunkMsgID is deterministic per (batch, chunk) so republished fan-outs
// are absorbed by the bus's duplicate window.
func ChunkMsgID(batchID uuid.UUID, index int) string {
	return fmt.Sprintf("batch:%s:chunk:%d", batchID, index)
}

// ProcessMsgID is deterministic per batch submission: a reset back to
// queued bumps updated_at and therefore produces a fresh id.
func ProcessMsgID(batchID uuid.UUID, submittedAt time.Time) string {
	return fmt.Sprintf("process:%s:%d", batchID, submittedAt.Unix())
}

// EventID derives the webhook event identity from provider, provider
// message id and the mapped event type. Timestamps must not participate:
// provider retries carry fresh timestamps and have to collapse to the
// same id.
func EventID(provider, providerMessageID, eventType string) string {
	h := sha256.Sum256([]byte(provider + "|" + providerMessageID + "|" + eventType))
	return hex.EncodeToString(h[:])
}
