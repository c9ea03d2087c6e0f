// Package module holds the delivery-channel adapters. Every adapter
// implements the same batch contract: one call receives up to a chunk's
// worth of payloads and returns exactly one result per payload, in input
// order.
package module

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/batch"
)

// Payload is one recipient's fully-built message. Content fields are
// already rendered; Variables are kept for providers that substitute
// server-side.
type Payload struct {
	RecipientID uuid.UUID
	To          string // identifier: email, phone, device token or URL
	Name        string
	Variables   map[string]string

	// email
	Subject     string
	HTMLContent string
	TextContent string
	FromEmail   string
	FromName    string
	ReplyTo     string

	// sms
	Message string
	From    string

	// push
	Title string
	Body  string

	// webhook / push extra data
	Data map[string]interface{}
}

type Result struct {
	RecipientID       uuid.UUID
	Success           bool
	ProviderMessageID string
	Error             string
}

type Module interface {
	Name() string
	ExecuteBatch(ctx context.Context, payloads []Payload, cfg *batch.SendConfig) []Result
}

// MockDefaults carries environment-level knobs for the mock provider.
type MockDefaults struct {
	SuccessRate float64
	LatencyMs   int
}

// Registry resolves a send-config to its adapter. Adapters are cached per
// config id; the mock is a singleton so its per-recipient call counters
// survive across chunks.
type Registry struct {
	logger *zap.Logger
	mock   *Mock

	mu    sync.RWMutex
	cache map[uuid.UUID]Module
}

func NewRegistry(logger *zap.Logger, mockDefaults MockDefaults) *Registry {
	return &Registry{
		logger: logger,
		mock:   NewMock(mockDefaults),
		cache:  make(map[uuid.UUID]Module),
	}
}

// Mock exposes the singleton mock adapter for scenario assertions.
func (r *Registry) Mock() *Mock {
	return r.mock
}

func (r *Registry) For(cfg *batch.SendConfig) (Module, error) {
	r.mu.RLock()
	if m, ok := r.cache[cfg.ID]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	m, err := r.build(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[cfg.ID] = m
	r.mu.Unlock()
	return m, nil
}

func (r *Registry) build(cfg *batch.SendConfig) (Module, error) {
	switch cfg.Module {
	case batch.ModuleEmail:
		if cfg.Config.Email == nil {
			return nil, fmt.Errorf("send config %s has no email config", cfg.ID)
		}
		switch cfg.Config.Email.Provider {
		case "ses":
			return NewSES(cfg.Config.Email, r.logger)
		case "resend":
			return NewResend(cfg.Config.Email, r.logger), nil
		case "mock", "":
			return r.mock, nil
		default:
			return nil, fmt.Errorf("unknown email provider %q", cfg.Config.Email.Provider)
		}
	case batch.ModuleWebhook:
		if cfg.Config.Webhook == nil {
			return nil, fmt.Errorf("send config %s has no webhook config", cfg.ID)
		}
		return NewWebhook(cfg.Config.Webhook, r.logger), nil
	case batch.ModuleSMS:
		if cfg.Config.SMS == nil {
			return nil, fmt.Errorf("send config %s has no sms config", cfg.ID)
		}
		switch cfg.Config.SMS.Provider {
		case "telnyx":
			return NewTelnyx(cfg.Config.SMS, r.logger), nil
		case "mock":
			return r.mock, nil
		default:
			return nil, fmt.Errorf("unknown sms provider %q", cfg.Config.SMS.Provider)
		}
	case batch.ModulePush:
		if cfg.Config.Push == nil {
			return nil, fmt.Errorf("send config %s has no push config", cfg.ID)
		}
		return NewPush(cfg.Config.Push, r.logger), nil
	default:
		return nil, fmt.Errorf("unknown module %q", cfg.Module)
	}
}

// DefaultChunkSize resolves how many recipients fit a single provider API
// call for this config.
func DefaultChunkSize(cfg *batch.SendConfig) int {
	if cfg.RateLimit != nil && cfg.RateLimit.RecipientsPerRequest > 0 {
		return cfg.RateLimit.RecipientsPerRequest
	}
	switch cfg.Module {
	case batch.ModuleEmail:
		if cfg.Config.Email != nil {
			switch cfg.Config.Email.Provider {
			case "ses":
				return 50
			case "resend":
				return 100
			default: // mock
				if cfg.Config.Email.DisableBatch {
					return 1
				}
				return 100
			}
		}
		return 50
	case batch.ModuleWebhook:
		return 100
	case batch.ModuleSMS:
		return 1
	case batch.ModulePush:
		return 10
	}
	return 50
}

// DefaultPerSecond is the provider ceiling used when the config carries no
// rate limit of its own.
func DefaultPerSecond(cfg *batch.SendConfig) int {
	switch cfg.Module {
	case batch.ModuleEmail:
		if cfg.Config.Email != nil && cfg.Config.Email.Provider == "ses" {
			return 500
		}
		return 100
	case batch.ModuleWebhook:
		return 100
	case batch.ModuleSMS:
		return 10
	case batch.ModulePush:
		return 100
	}
	return 100
}

// CallCount is how many provider API calls a chunk of n payloads costs:
// true-batch providers take one call, per-recipient providers take n.
func CallCount(cfg *batch.SendConfig, n int) int {
	switch cfg.Module {
	case batch.ModuleSMS, batch.ModulePush:
		return n
	default:
		return 1
	}
}
