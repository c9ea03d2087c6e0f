package module

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/batch"
)

func TestWebhookUniformSuccess(t *testing.T) {
	var gotBody struct {
		Recipients []webhookRecipient `json:"recipients"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(&batch.WebhookConfig{URL: srv.URL}, zap.NewNop())
	payloads := []Payload{
		{RecipientID: uuid.New(), To: "https://a", Variables: map[string]string{"k": "v"}},
		{RecipientID: uuid.New(), To: "https://b"},
	}

	results := w.ExecuteBatch(context.Background(), payloads, nil)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result %d failed: %s", i, r.Error)
		}
		if r.ProviderMessageID == "" {
			t.Errorf("result %d has no message id", i)
		}
	}
	if len(gotBody.Recipients) != 2 {
		t.Errorf("endpoint received %d recipients", len(gotBody.Recipients))
	}
	if gotBody.Recipients[0].Variables["k"] != "v" {
		t.Error("variables not forwarded")
	}
}

func TestWebhookPerRecipientResults(t *testing.T) {
	ok, bad := uuid.New(), uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(webhookResponse{Results: []webhookResult{
			{RecipientID: ok, Success: true, MessageID: "m-ok"},
			{RecipientID: bad, Success: false, Error: "mailbox full"},
		}})
	}))
	defer srv.Close()

	w := NewWebhook(&batch.WebhookConfig{URL: srv.URL}, zap.NewNop())
	results := w.ExecuteBatch(context.Background(), []Payload{
		{RecipientID: ok}, {RecipientID: bad},
	}, nil)

	if !results[0].Success || results[0].ProviderMessageID != "m-ok" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1].Success || results[1].Error != "mailbox full" {
		t.Errorf("unexpected second result: %+v", results[1])
	}
}

func TestWebhookRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(&batch.WebhookConfig{URL: srv.URL, RetryCount: 3}, zap.NewNop())
	results := w.ExecuteBatch(context.Background(), []Payload{{RecipientID: uuid.New()}}, nil)

	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if !results[0].Success {
		t.Errorf("expected success after retries: %+v", results[0])
	}
}

func TestWebhookNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	w := NewWebhook(&batch.WebhookConfig{URL: srv.URL, RetryCount: 5}, zap.NewNop())
	results := w.ExecuteBatch(context.Background(), []Payload{{RecipientID: uuid.New()}}, nil)

	if calls.Load() != 1 {
		t.Errorf("4xx must not retry, got %d attempts", calls.Load())
	}
	if results[0].Success {
		t.Error("expected failure on 422")
	}
}

func TestWebhookCustomHeaders(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(&batch.WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token123"},
	}, zap.NewNop())
	w.ExecuteBatch(context.Background(), []Payload{{RecipientID: uuid.New()}}, nil)

	if auth != "Bearer token123" {
		t.Errorf("custom header not sent, got %q", auth)
	}
}

func TestTelnyxFanOut(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["from"] != "+15550001111" {
			t.Errorf("unexpected from %q", body["from"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"id": "tx-" + body["to"] + "-" + string(rune('0'+n))},
		})
	}))
	defer srv.Close()

	tx := NewTelnyx(&batch.SMSConfig{
		Provider:   "telnyx",
		APIKey:     "key",
		FromNumber: "+15550001111",
	}, zap.NewNop())
	tx.base = srv.URL

	payloads := []Payload{
		{RecipientID: uuid.New(), To: "+15550002222", Message: "hi"},
		{RecipientID: uuid.New(), To: "+15550003333", Message: "hi"},
	}
	results := tx.ExecuteBatch(context.Background(), payloads, nil)

	if calls.Load() != 2 {
		t.Errorf("expected one call per recipient, got %d", calls.Load())
	}
	for i, r := range results {
		if r.RecipientID != payloads[i].RecipientID {
			t.Errorf("result %d out of input order", i)
		}
		if !r.Success || r.ProviderMessageID == "" {
			t.Errorf("unexpected result %d: %+v", i, r)
		}
	}
}
