package module

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"courier/internal/batch"
)

const (
	telnyxBaseURL      = "https://api.telnyx.com/v2"
	defaultMaxParallel = 10
)

// Telnyx has no batch API; a chunk fans out to at most maxParallel
// concurrent requests and results are assembled in input order.
type Telnyx struct {
	cfg    *batch.SMSConfig
	client *http.Client
	logger *zap.Logger
	base   string
}

func NewTelnyx(cfg *batch.SMSConfig, logger *zap.Logger) *Telnyx {
	return &Telnyx{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
		base:   telnyxBaseURL,
	}
}

func (t *Telnyx) Name() string { return "telnyx" }

func (t *Telnyx) ExecuteBatch(ctx context.Context, payloads []Payload, cfg *batch.SendConfig) []Result {
	maxParallel := t.cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return runParallel(ctx, payloads, maxParallel, t.sendOne)
}

type telnyxResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (t *Telnyx) sendOne(ctx context.Context, p Payload) Result {
	from := p.From
	if from == "" {
		from = t.cfg.FromNumber
	}
	body, _ := json.Marshal(map[string]string{
		"from": from,
		"to":   p.To,
		"text": p.Message,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/messages", bytes.NewReader(body))
	if err != nil {
		return Result{RecipientID: p.RecipientID, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{RecipientID: p.RecipientID, Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return Result{RecipientID: p.RecipientID, Error: fmt.Sprintf("telnyx returned %d", resp.StatusCode)}
	}

	var parsed telnyxResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{RecipientID: p.RecipientID, Error: fmt.Sprintf("decode response: %v", err)}
	}
	return Result{RecipientID: p.RecipientID, Success: true, ProviderMessageID: parsed.Data.ID}
}

// Push posts each notification to the configured endpoint, same
// concurrency shape as sms.
type Push struct {
	cfg    *batch.PushConfig
	client *http.Client
	logger *zap.Logger
}

func NewPush(cfg *batch.PushConfig, logger *zap.Logger) *Push {
	return &Push{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (p *Push) Name() string { return "push" }

func (p *Push) ExecuteBatch(ctx context.Context, payloads []Payload, cfg *batch.SendConfig) []Result {
	maxParallel := p.cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return runParallel(ctx, payloads, maxParallel, p.sendOne)
}

func (p *Push) sendOne(ctx context.Context, pl Payload) Result {
	body, _ := json.Marshal(map[string]interface{}{
		"to":    pl.To,
		"title": pl.Title,
		"body":  pl.Body,
		"data":  pl.Data,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{RecipientID: pl.RecipientID, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.ServerKey != "" {
		req.Header.Set("Authorization", "key="+p.cfg.ServerKey)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{RecipientID: pl.RecipientID, Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		return Result{RecipientID: pl.RecipientID, Error: fmt.Sprintf("push endpoint returned %d", resp.StatusCode)}
	}
	return Result{RecipientID: pl.RecipientID, Success: true, ProviderMessageID: fmt.Sprintf("push_%d", time.Now().UnixNano())}
}

// runParallel executes fn for every payload with at most maxParallel in
// flight, preserving input order in the result slice.
func runParallel(ctx context.Context, payloads []Payload, maxParallel int, fn func(context.Context, Payload) Result) []Result {
	results := make([]Result, len(payloads))
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i, p := range payloads {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, p Payload) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = fn(ctx, p)
		}(i, p)
	}
	wg.Wait()
	return results
}
