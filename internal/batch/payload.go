package batch

import (
	"errors"
	"fmt"
	"strings"
)

// ModuleConfig is a discriminated union keyed on the send-config's module.
// At rest it is a JSON column; in process exactly one variant is set.
type ModuleConfig struct {
	Email   *EmailConfig   `json:"email,omitempty"`
	Webhook *WebhookConfig `json:"webhook,omitempty"`
	SMS     *SMSConfig     `json:"sms,omitempty"`
	Push    *PushConfig    `json:"push,omitempty"`
}

type EmailConfig struct {
	Provider  string `json:"provider"` // ses, resend, mock
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`

	// ses
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`

	// resend
	APIKey string `json:"api_key,omitempty"`

	// mock knobs
	SuccessRate  float64 `json:"success_rate,omitempty"`
	LatencyMs    int     `json:"latency_ms,omitempty"`
	DisableBatch bool    `json:"disable_batch,omitempty"`

	// inbound webhook verification
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

type WebhookConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"` // default POST
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // 1-60, default 30
	RetryCount     int               `json:"retry_count,omitempty"`     // 0-10
	Secret         string            `json:"secret,omitempty"`
	SignatureHdr   string            `json:"signature_header,omitempty"` // default x-webhook-signature
}

type SMSConfig struct {
	Provider    string `json:"provider"` // telnyx, mock
	APIKey      string `json:"api_key,omitempty"`
	FromNumber  string `json:"from_number,omitempty"`
	MaxParallel int    `json:"max_parallel,omitempty"` // default 10

	WebhookSecret string `json:"webhook_secret,omitempty"`
}

type PushConfig struct {
	URL         string            `json:"url"`
	ServerKey   string            `json:"server_key,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	MaxParallel int               `json:"max_parallel,omitempty"`
}

// Payload is the batch-level content template, keyed on the same module as
// the send-config the batch is dispatched through.
type Payload struct {
	Email   *EmailPayload          `json:"email,omitempty"`
	Webhook map[string]interface{} `json:"webhook,omitempty"` // arbitrary body
	SMS     *SMSPayload            `json:"sms,omitempty"`
	Push    *PushPayload           `json:"push,omitempty"`
}

type EmailPayload struct {
	Subject     string `json:"subject"`
	HTMLContent string `json:"html_content,omitempty"`
	TextContent string `json:"text_content,omitempty"`
	FromEmail   string `json:"from_email,omitempty"` // overrides config
	FromName    string `json:"from_name,omitempty"`
}

type SMSPayload struct {
	Message string `json:"message"`
	From    string `json:"from,omitempty"`
}

type PushPayload struct {
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

var (
	ErrMissingVariant = errors.New("payload variant does not match module")
)

// Validate checks the config variant for a module kind. Called at
// send-config creation by the API and mirrored here as a sanity check
// before dispatch.
func (c ModuleConfig) Validate(kind ModuleKind) error {
	switch kind {
	case ModuleEmail:
		if c.Email == nil {
			return ErrMissingVariant
		}
		if c.Email.FromEmail == "" {
			return errors.New("email config requires from_email")
		}
		if !strings.Contains(c.Email.FromEmail, "@") {
			return fmt.Errorf("invalid from_email %q", c.Email.FromEmail)
		}
	case ModuleWebhook:
		if c.Webhook == nil {
			return ErrMissingVariant
		}
		if c.Webhook.URL == "" {
			return errors.New("webhook config requires url")
		}
		if t := c.Webhook.TimeoutSeconds; t != 0 && (t < 1 || t > 60) {
			return fmt.Errorf("webhook timeout %ds out of range 1-60", t)
		}
		if r := c.Webhook.RetryCount; r < 0 || r > 10 {
			return fmt.Errorf("webhook retry count %d out of range 0-10", r)
		}
	case ModuleSMS:
		if c.SMS == nil {
			return ErrMissingVariant
		}
		if c.SMS.Provider == "" {
			return errors.New("sms config requires provider")
		}
	case ModulePush:
		if c.Push == nil {
			return ErrMissingVariant
		}
		if c.Push.URL == "" {
			return errors.New("push config requires url")
		}
	default:
		return fmt.Errorf("unknown module %q", kind)
	}
	return nil
}

// Validate checks the payload variant for a module kind. Webhook payloads
// are intentionally arbitrary.
func (p Payload) Validate(kind ModuleKind) error {
	switch kind {
	case ModuleEmail:
		if p.Email == nil {
			return ErrMissingVariant
		}
		if p.Email.Subject == "" {
			return errors.New("email payload requires subject")
		}
		if p.Email.HTMLContent == "" && p.Email.TextContent == "" {
			return errors.New("email payload requires html_content or text_content")
		}
	case ModuleWebhook:
		// arbitrary body, nothing to enforce
	case ModuleSMS:
		if p.SMS == nil {
			return ErrMissingVariant
		}
		if p.SMS.Message == "" {
			return errors.New("sms payload requires message")
		}
	case ModulePush:
		if p.Push == nil {
			return ErrMissingVariant
		}
		if p.Push.Title == "" && p.Push.Body == "" {
			return errors.New("push payload requires title or body")
		}
	default:
		return fmt.Errorf("unknown module %q", kind)
	}
	return nil
}

// RatePerSecond resolves the effective token rate for a send-config,
// falling back to the provider default. User configs are clamped to 1-500.
func (sc *SendConfig) RatePerSecond(providerDefault int) int {
	if sc.RateLimit != nil && sc.RateLimit.PerSecond > 0 {
		n := sc.RateLimit.PerSecond
		if n > 500 {
			n = 500
		}
		return n
	}
	return providerDefault
}
