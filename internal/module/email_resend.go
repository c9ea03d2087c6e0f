package module

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"courier/internal/batch"
)

const (
	resendBaseURL    = "https://api.resend.com"
	resendBatchLimit = 100
)

// Resend drives the Resend batch endpoint: one API call per 100 emails,
// one result per email in input order.
type Resend struct {
	cfg    *batch.EmailConfig
	client *http.Client
	logger *zap.Logger
	base   string
}

func NewResend(cfg *batch.EmailConfig, logger *zap.Logger) *Resend {
	return &Resend{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		base:   resendBaseURL,
	}
}

func (r *Resend) Name() string { return "resend" }

type resendEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

type resendBatchResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (r *Resend) ExecuteBatch(ctx context.Context, payloads []Payload, cfg *batch.SendConfig) []Result {
	results := make([]Result, 0, len(payloads))
	for start := 0; start < len(payloads); start += resendBatchLimit {
		end := start + resendBatchLimit
		if end > len(payloads) {
			end = len(payloads)
		}
		results = append(results, r.sendBatch(ctx, payloads[start:end])...)
	}
	return results
}

func (r *Resend) sendBatch(ctx context.Context, payloads []Payload) []Result {
	emails := make([]resendEmail, len(payloads))
	for i, p := range payloads {
		replyTo := p.ReplyTo
		if replyTo == "" {
			replyTo = r.cfg.ReplyTo
		}
		emails[i] = resendEmail{
			From:    fromAddress(p, r.cfg),
			To:      []string{p.To},
			Subject: p.Subject,
			HTML:    p.HTMLContent,
			Text:    p.TextContent,
			ReplyTo: replyTo,
		}
	}

	fail := func(msg string) []Result {
		out := make([]Result, len(payloads))
		for i, p := range payloads {
			out[i] = Result{RecipientID: p.RecipientID, Error: msg}
		}
		return out
	}

	body, err := json.Marshal(emails)
	if err != nil {
		return fail(fmt.Sprintf("encode batch: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/emails/batch", bytes.NewReader(body))
	if err != nil {
		return fail(err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Error("resend batch send failed", zap.Int("recipients", len(payloads)), zap.Error(err))
		return fail(err.Error())
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fail(fmt.Sprintf("resend returned %d: %s", resp.StatusCode, truncate(respBody, 200)))
	}

	var parsed resendBatchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fail(fmt.Sprintf("decode response: %v", err))
	}

	results := make([]Result, len(payloads))
	for i, p := range payloads {
		if i < len(parsed.Data) {
			results[i] = Result{
				RecipientID:       p.RecipientID,
				Success:           true,
				ProviderMessageID: parsed.Data[i].ID,
			}
		} else {
			results[i] = Result{RecipientID: p.RecipientID, Error: "missing result in batch response"}
		}
	}
	return results
}

// fromAddress resolves the sender identity for one payload: the
// batch-level override the builder put on the payload wins over the
// config default.
func fromAddress(p Payload, cfg *batch.EmailConfig) string {
	email, name := cfg.FromEmail, cfg.FromName
	if p.FromEmail != "" {
		email, name = p.FromEmail, p.FromName
	}
	if name != "" {
		return fmt.Sprintf("%s <%s>", name, email)
	}
	return email
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
