package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/internal/wire"
)

// Normalizers turn a provider's raw body into zero or more WebhookEvents.
// The event id is derived from (provider, providerMessageId, mapped type)
// only; provider retries carry fresh timestamps but collapse to one id.

type resendWebhook struct {
	Type string `json:"type"`
	Data struct {
		EmailID string `json:"email_id"`
	} `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

var resendEventMap = map[string]string{
	"email.delivered":  "delivered",
	"email.bounced":    "bounced",
	"email.complained": "complained",
	"email.opened":     "opened",
	"email.clicked":    "clicked",
}

func NormalizeResend(body []byte) (*wire.WebhookEvent, error) {
	var in resendWebhook
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to decode resend webhook: %w", err)
	}
	if in.Data.EmailID == "" {
		return nil, fmt.Errorf("resend webhook missing email_id")
	}

	eventType, ok := resendEventMap[in.Type]
	if !ok {
		eventType = "failed"
	}
	ts := in.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &wire.WebhookEvent{
		ID:                wire.EventID("resend", in.Data.EmailID, eventType),
		Provider:          "resend",
		EventType:         eventType,
		ProviderMessageID: in.Data.EmailID,
		Timestamp:         ts,
		RawEvent:          body,
	}, nil
}

// sesNotification is the SES message inside the SNS envelope.
type sesNotification struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
	} `json:"mail"`
	Bounce struct {
		BounceType string `json:"bounceType"`
	} `json:"bounce"`
	Delivery struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"delivery"`
}

func NormalizeSES(message []byte) (*wire.WebhookEvent, error) {
	var in sesNotification
	if err := json.Unmarshal(message, &in); err != nil {
		return nil, fmt.Errorf("failed to decode ses notification: %w", err)
	}
	if in.Mail.MessageID == "" {
		return nil, fmt.Errorf("ses notification missing messageId")
	}

	var eventType string
	switch in.NotificationType {
	case "Delivery":
		eventType = "delivered"
	case "Bounce":
		if in.Bounce.BounceType == "Transient" {
			eventType = "soft_bounced"
		} else {
			eventType = "bounced"
		}
	case "Complaint":
		eventType = "complained"
	default:
		// Send/Open/Click and anything else unmapped is dropped, not
		// rejected: a non-2xx here would have SNS redeliver forever.
		return nil, nil
	}

	ts := in.Delivery.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &wire.WebhookEvent{
		ID:                wire.EventID("ses", in.Mail.MessageID, eventType),
		Provider:          "ses",
		EventType:         eventType,
		ProviderMessageID: in.Mail.MessageID,
		Timestamp:         ts,
		RawEvent:          message,
	}, nil
}

type telnyxWebhook struct {
	Data struct {
		EventType  string    `json:"event_type"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			ID string `json:"id"`
			To []struct {
				Status string `json:"status"`
			} `json:"to"`
		} `json:"payload"`
	} `json:"data"`
}

func NormalizeTelnyx(body []byte) (*wire.WebhookEvent, error) {
	var in telnyxWebhook
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to decode telnyx webhook: %w", err)
	}
	if in.Data.Payload.ID == "" {
		return nil, fmt.Errorf("telnyx webhook missing message id")
	}

	var eventType string
	switch in.Data.EventType {
	case "message.finalized":
		eventType = "sms.failed"
		for _, to := range in.Data.Payload.To {
			if to.Status == "delivered" {
				eventType = "sms.delivered"
				break
			}
		}
	case "message.sent":
		eventType = "sent"
	default:
		return nil, fmt.Errorf("unhandled telnyx event type %q", in.Data.EventType)
	}

	ts := in.Data.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &wire.WebhookEvent{
		ID:                wire.EventID("telnyx", in.Data.Payload.ID, eventType),
		Provider:          "telnyx",
		EventType:         eventType,
		ProviderMessageID: in.Data.Payload.ID,
		Timestamp:         ts,
		RawEvent:          body,
	}, nil
}

type customWebhook struct {
	EventType         string                 `json:"event_type"`
	Type              string                 `json:"type"`
	MessageID         string                 `json:"message_id"`
	ProviderMessageID string                 `json:"provider_message_id"`
	Metadata          map[string]interface{} `json:"metadata"`
}

var customPatterns = []string{"delivered", "bounced", "failed", "sent", "opened", "clicked", "complained"}

func NormalizeCustom(body []byte, moduleID uuid.UUID) (*wire.WebhookEvent, error) {
	var in customWebhook
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to decode custom webhook: %w", err)
	}

	raw := in.EventType
	if raw == "" {
		raw = in.Type
	}
	messageID := in.ProviderMessageID
	if messageID == "" {
		messageID = in.MessageID
	}
	if messageID == "" {
		return nil, fmt.Errorf("custom webhook missing message id")
	}

	eventType := "custom.event"
	lowered := strings.ToLower(raw)
	for _, p := range customPatterns {
		if strings.Contains(lowered, p) {
			eventType = p
			break
		}
	}

	id := moduleID
	return &wire.WebhookEvent{
		ID:                wire.EventID("custom", messageID, eventType),
		Provider:          "custom",
		EventType:         eventType,
		ProviderMessageID: messageID,
		Timestamp:         time.Now().UTC(),
		Metadata:          in.Metadata,
		RawEvent:          body,
		ModuleID:          &id,
	}, nil
}
