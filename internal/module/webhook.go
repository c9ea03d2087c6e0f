package module

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/batch"
)

// Webhook posts a whole chunk as a single HTTP request. When the response
// carries a per-recipient `results` array it is honored; otherwise every
// payload shares the HTTP outcome. Retries happen inside the module, never
// by chunk re-dispatch.
type Webhook struct {
	cfg    *batch.WebhookConfig
	client *http.Client
	logger *zap.Logger
}

func NewWebhook(cfg *batch.WebhookConfig, logger *zap.Logger) *Webhook {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout < time.Second || timeout > 60*time.Second {
		timeout = 30 * time.Second
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

type webhookRecipient struct {
	RecipientID uuid.UUID              `json:"recipient_id"`
	Identifier  string                 `json:"identifier"`
	Name        string                 `json:"name,omitempty"`
	Variables   map[string]string      `json:"variables,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

type webhookResult struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Success     bool      `json:"success"`
	MessageID   string    `json:"message_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

type webhookResponse struct {
	Results []webhookResult `json:"results"`
}

func (w *Webhook) ExecuteBatch(ctx context.Context, payloads []Payload, cfg *batch.SendConfig) []Result {
	recipients := make([]webhookRecipient, len(payloads))
	for i, p := range payloads {
		recipients[i] = webhookRecipient{
			RecipientID: p.RecipientID,
			Identifier:  p.To,
			Name:        p.Name,
			Variables:   p.Variables,
			Data:        p.Data,
		}
	}

	body, err := json.Marshal(map[string]interface{}{"recipients": recipients})
	if err != nil {
		return w.uniform(payloads, false, "", fmt.Sprintf("encode body: %v", err))
	}

	method := w.cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	var respBody []byte
	var status int
	attempts := w.cfg.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return w.uniform(payloads, false, "", ctx.Err().Error())
			}
		}

		respBody, status, err = w.post(ctx, method, body)
		if err == nil && status < 500 {
			break
		}
		w.logger.Warn("webhook dispatch attempt failed",
			zap.String("url", w.cfg.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.Error(err))
	}
	if err != nil {
		return w.uniform(payloads, false, "", err.Error())
	}
	if status >= 300 {
		return w.uniform(payloads, false, "", fmt.Sprintf("webhook returned %d", status))
	}

	var parsed webhookResponse
	if json.Unmarshal(respBody, &parsed) == nil && len(parsed.Results) > 0 {
		return w.mapResults(payloads, parsed.Results)
	}

	// No per-recipient results: the call's success is everyone's success.
	callID := uuid.NewString()
	return w.uniform(payloads, true, callID, "")
}

func (w *Webhook) post(ctx context.Context, method string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return respBody, resp.StatusCode, nil
}

func (w *Webhook) uniform(payloads []Payload, success bool, messageID, errMsg string) []Result {
	out := make([]Result, len(payloads))
	for i, p := range payloads {
		pmid := ""
		if success {
			pmid = fmt.Sprintf("%s-%d", messageID, i)
		}
		out[i] = Result{
			RecipientID:       p.RecipientID,
			Success:           success,
			ProviderMessageID: pmid,
			Error:             errMsg,
		}
	}
	return out
}

func (w *Webhook) mapResults(payloads []Payload, results []webhookResult) []Result {
	byID := make(map[uuid.UUID]webhookResult, len(results))
	for _, r := range results {
		byID[r.RecipientID] = r
	}

	out := make([]Result, len(payloads))
	for i, p := range payloads {
		r, ok := byID[p.RecipientID]
		if !ok {
			out[i] = Result{RecipientID: p.RecipientID, Error: "no result for recipient"}
			continue
		}
		out[i] = Result{
			RecipientID:       p.RecipientID,
			Success:           r.Success,
			ProviderMessageID: r.MessageID,
			Error:             r.Error,
		}
	}
	return out
}
