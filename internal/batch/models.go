package batch

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
)

// IsTerminal reports whether a batch status never transitions again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "pending"
	RecipientQueued     RecipientStatus = "queued"
	RecipientSent       RecipientStatus = "sent"
	RecipientDelivered  RecipientStatus = "delivered"
	RecipientBounced    RecipientStatus = "bounced"
	RecipientComplained RecipientStatus = "complained"
	RecipientFailed     RecipientStatus = "failed"
)

// Rank orders recipient statuses along the allowed lifecycle. A recipient
// status may only ever move to a strictly higher rank.
func (s RecipientStatus) Rank() int {
	switch s {
	case RecipientPending:
		return 0
	case RecipientQueued:
		return 1
	case RecipientSent:
		return 2
	case RecipientDelivered, RecipientBounced, RecipientComplained:
		return 3
	case RecipientFailed:
		return 3
	default:
		return -1
	}
}

// IsFinal reports whether a recipient needs no further provider work.
func (s RecipientStatus) IsFinal() bool {
	switch s {
	case RecipientSent, RecipientDelivered, RecipientBounced, RecipientComplained, RecipientFailed:
		return true
	}
	return false
}

type ModuleKind string

const (
	ModuleEmail   ModuleKind = "email"
	ModuleWebhook ModuleKind = "webhook"
	ModuleSMS     ModuleKind = "sms"
	ModulePush    ModuleKind = "push"
)

func (k ModuleKind) Valid() bool {
	switch k {
	case ModuleEmail, ModuleWebhook, ModuleSMS, ModulePush:
		return true
	}
	return false
}

type RateLimit struct {
	PerSecond            int `json:"per_second,omitempty"`
	RecipientsPerRequest int `json:"recipients_per_request,omitempty"`
}

type SendConfig struct {
	ID        uuid.UUID    `json:"id" db:"id"`
	UserID    uuid.UUID    `json:"user_id" db:"user_id"`
	Name      string       `json:"name" db:"name"`
	Module    ModuleKind   `json:"module" db:"module"`
	Config    ModuleConfig `json:"config" db:"config"`
	RateLimit *RateLimit   `json:"rate_limit,omitempty" db:"rate_limit"`
	IsDefault bool         `json:"is_default" db:"is_default"`
	IsActive  bool         `json:"is_active" db:"is_active"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

type Batch struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	UserID          uuid.UUID  `json:"user_id" db:"user_id"`
	SendConfigID    *uuid.UUID `json:"send_config_id,omitempty" db:"send_config_id"`
	Name            string     `json:"name" db:"name"`
	Status          Status     `json:"status" db:"status"`
	Payload         Payload    `json:"payload" db:"payload"`
	TotalRecipients int        `json:"total_recipients" db:"total_recipients"`
	SentCount       int        `json:"sent_count" db:"sent_count"`
	FailedCount     int        `json:"failed_count" db:"failed_count"`
	DeliveredCount  int        `json:"delivered_count" db:"delivered_count"`
	BouncedCount    int        `json:"bounced_count" db:"bounced_count"`
	DryRun          bool       `json:"dry_run" db:"dry_run"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

type Recipient struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	BatchID           uuid.UUID         `json:"batch_id" db:"batch_id"`
	Identifier        string            `json:"identifier" db:"identifier"`
	Name              string            `json:"name,omitempty" db:"name"`
	Variables         map[string]string `json:"variables,omitempty" db:"variables"`
	Status            RecipientStatus   `json:"status" db:"status"`
	ProviderMessageID *string           `json:"provider_message_id,omitempty" db:"provider_message_id"`
	ErrorMessage      *string           `json:"error_message,omitempty" db:"error_message"`
	SentAt            *time.Time        `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty" db:"delivered_at"`
	BouncedAt         *time.Time        `json:"bounced_at,omitempty" db:"bounced_at"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}
