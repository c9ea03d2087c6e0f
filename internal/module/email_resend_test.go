package module

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/batch"
)

func TestResendBatchSendsPayloadFrom(t *testing.T) {
	var got []resendEmail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("request body not a batch: %v", err)
		}
		w.Write([]byte(`{"data":[{"id":"re_1"},{"id":"re_2"}]}`))
	}))
	defer srv.Close()

	r := NewResend(&batch.EmailConfig{
		Provider:  "resend",
		APIKey:    "key",
		FromEmail: "config@example.com",
		FromName:  "Config",
	}, zap.NewNop())
	r.base = srv.URL

	payloads := []Payload{
		{RecipientID: uuid.New(), To: "a@example.com", Subject: "s", TextContent: "t",
			FromEmail: "override@example.com", FromName: "Override"},
		{RecipientID: uuid.New(), To: "b@example.com", Subject: "s", TextContent: "t"},
	}

	results := r.ExecuteBatch(context.Background(), payloads, nil)
	if len(results) != 2 || !results[0].Success || !results[1].Success {
		t.Fatalf("unexpected results: %+v", results)
	}

	if len(got) != 2 {
		t.Fatalf("provider received %d emails, want 2", len(got))
	}
	if got[0].From != "Override <override@example.com>" {
		t.Errorf("payload override dropped, from = %q", got[0].From)
	}
	if got[1].From != "Config <config@example.com>" {
		t.Errorf("config default not applied, from = %q", got[1].From)
	}
}
