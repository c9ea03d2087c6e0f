package module

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"courier/internal/batch"
)

// Mock simulates a provider without leaving the process. Success rate and
// latency come from the send-config when set, otherwise from environment
// defaults. It counts calls per recipient so tests can assert exactly-once
// delivery across redeliveries and restarts.
type Mock struct {
	defaults MockDefaults
	seq      atomic.Uint64

	mu    sync.Mutex
	calls map[uuid.UUID]int
}

func NewMock(defaults MockDefaults) *Mock {
	if defaults.SuccessRate <= 0 || defaults.SuccessRate > 1 {
		defaults.SuccessRate = 1.0
	}
	return &Mock{
		defaults: defaults,
		calls:    make(map[uuid.UUID]int),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) ExecuteBatch(ctx context.Context, payloads []Payload, cfg *batch.SendConfig) []Result {
	successRate := m.defaults.SuccessRate
	latency := time.Duration(m.defaults.LatencyMs) * time.Millisecond
	if cfg != nil && cfg.Config.Email != nil {
		if cfg.Config.Email.SuccessRate > 0 {
			successRate = cfg.Config.Email.SuccessRate
		}
		if cfg.Config.Email.LatencyMs > 0 {
			latency = time.Duration(cfg.Config.Email.LatencyMs) * time.Millisecond
		}
	}

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	for _, p := range payloads {
		m.calls[p.RecipientID]++
	}
	m.mu.Unlock()

	results := make([]Result, len(payloads))
	for i, p := range payloads {
		if rand.Float64() < successRate {
			results[i] = Result{
				RecipientID:       p.RecipientID,
				Success:           true,
				ProviderMessageID: fmt.Sprintf("mock_%d", m.seq.Add(1)),
			}
		} else {
			results[i] = Result{RecipientID: p.RecipientID, Error: "mock provider simulated failure"}
		}
	}
	return results
}

// Calls reports how many times a recipient has been dispatched.
func (m *Mock) Calls(recipientID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[recipientID]
}

// TotalCalls sums dispatches across all recipients.
func (m *Mock) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// Reset clears call counters between test scenarios.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.calls = make(map[uuid.UUID]int)
	m.mu.Unlock()
}
