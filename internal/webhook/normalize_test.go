package webhook

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNormalizeResend(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"email.delivered", "delivered"},
		{"email.bounced", "bounced"},
		{"email.complained", "complained"},
		{"email.opened", "opened"},
		{"email.clicked", "clicked"},
		{"email.something_new", "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			body := []byte(`{"type":"` + tt.raw + `","data":{"email_id":"re-123"}}`)
			ev, err := NormalizeResend(body)
			require.NoError(t, err)
			require.Equal(t, tt.want, ev.EventType)
			require.Equal(t, "resend", ev.Provider)
			require.Equal(t, "re-123", ev.ProviderMessageID)
			require.NotEmpty(t, ev.ID)
		})
	}
}

func TestNormalizeResendMissingID(t *testing.T) {
	_, err := NormalizeResend([]byte(`{"type":"email.delivered","data":{}}`))
	require.Error(t, err)
}

func TestNormalizeSES(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "delivery",
			message: `{"notificationType":"Delivery","mail":{"messageId":"ses-1"}}`,
			want:    "delivered",
		},
		{
			name:    "permanent bounce",
			message: `{"notificationType":"Bounce","bounce":{"bounceType":"Permanent"},"mail":{"messageId":"ses-2"}}`,
			want:    "bounced",
		},
		{
			name:    "transient bounce",
			message: `{"notificationType":"Bounce","bounce":{"bounceType":"Transient"},"mail":{"messageId":"ses-3"}}`,
			want:    "soft_bounced",
		},
		{
			name:    "complaint",
			message: `{"notificationType":"Complaint","mail":{"messageId":"ses-4"}}`,
			want:    "complained",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := NormalizeSES([]byte(tt.message))
			require.NoError(t, err)
			require.Equal(t, tt.want, ev.EventType)
			require.Equal(t, "ses", ev.Provider)
		})
	}
}

func TestNormalizeSESUnmappedTypeDropped(t *testing.T) {
	// Send/Open/Click have no mapping; they must be swallowed, not
	// errored, or SNS keeps redelivering the notification.
	for _, nt := range []string{"Send", "Open", "Click", "Rendering Failure"} {
		ev, err := NormalizeSES([]byte(`{"notificationType":"` + nt + `","mail":{"messageId":"ses-9"}}`))
		require.NoError(t, err)
		require.Nil(t, ev)
	}
}

func TestNormalizeSESIDExcludesTimestamp(t *testing.T) {
	a, err := NormalizeSES([]byte(`{"notificationType":"Delivery","mail":{"messageId":"ses-1"},"delivery":{"timestamp":"2026-01-01T00:00:00Z"}}`))
	require.NoError(t, err)
	b, err := NormalizeSES([]byte(`{"notificationType":"Delivery","mail":{"messageId":"ses-1"},"delivery":{"timestamp":"2026-01-02T12:34:56Z"}}`))
	require.NoError(t, err)
	// Provider retries carry fresh timestamps; the id must collapse.
	require.Equal(t, a.ID, b.ID)
}

func TestNormalizeTelnyx(t *testing.T) {
	delivered := []byte(`{"data":{"event_type":"message.finalized","payload":{"id":"tx-1","to":[{"status":"delivered"}]}}}`)
	ev, err := NormalizeTelnyx(delivered)
	require.NoError(t, err)
	require.Equal(t, "sms.delivered", ev.EventType)

	failed := []byte(`{"data":{"event_type":"message.finalized","payload":{"id":"tx-2","to":[{"status":"sending_failed"}]}}}`)
	ev, err = NormalizeTelnyx(failed)
	require.NoError(t, err)
	require.Equal(t, "sms.failed", ev.EventType)

	sent := []byte(`{"data":{"event_type":"message.sent","payload":{"id":"tx-3"}}}`)
	ev, err = NormalizeTelnyx(sent)
	require.NoError(t, err)
	require.Equal(t, "sent", ev.EventType)
}

func TestNormalizeCustomPatternMatch(t *testing.T) {
	moduleID := uuid.New()
	tests := []struct {
		raw  string
		want string
	}{
		{"message.delivered", "delivered"},
		{"hard_bounced", "bounced"},
		{"send.FAILED", "failed"},
		{"user-opened-email", "opened"},
		{"totally.unrelated", "custom.event"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			body := []byte(`{"event_type":"` + tt.raw + `","message_id":"c-1"}`)
			ev, err := NormalizeCustom(body, moduleID)
			require.NoError(t, err)
			require.Equal(t, tt.want, ev.EventType)
			require.NotNil(t, ev.ModuleID)
			require.Equal(t, moduleID, *ev.ModuleID)
		})
	}
}
