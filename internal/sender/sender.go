// Package sender consumes chunk messages and drives provider dispatch:
// idempotency sweep, payload build, rate acquisition, provider call,
// outcome recording. One durable consumer per user keeps tenants isolated.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/bus"
	"courier/internal/events"
	"courier/internal/hotstate"
	"courier/internal/module"
	"courier/internal/observability"
	"courier/internal/rate"
	"courier/internal/wire"
)

type Options struct {
	PoolSize         int
	FetchBatch       int
	UserScanInterval time.Duration
	DryRunLatencyMin time.Duration
	DryRunLatencyMax time.Duration
	HotStateNakDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		PoolSize:         10,
		FetchBatch:       10,
		UserScanInterval: 30 * time.Second,
		DryRunLatencyMin: 20 * time.Millisecond,
		DryRunLatencyMax: 150 * time.Millisecond,
		HotStateNakDelay: 5 * time.Second,
	}
}

type Sender struct {
	store    *batch.Store
	hot      *hotstate.Client
	bus      *bus.Bus
	limiter  *rate.Limiter
	registry *module.Registry
	builder  *Builder
	writer   *events.Writer
	index    *events.Index
	metrics  *observability.Metrics
	logger   *zap.Logger
	opts     Options

	// one slot per in-flight chunk across all users
	sem chan struct{}

	mu        sync.Mutex
	consumers map[uuid.UUID]context.CancelFunc
}

func New(store *batch.Store, hot *hotstate.Client, b *bus.Bus, limiter *rate.Limiter,
	registry *module.Registry, writer *events.Writer, index *events.Index,
	metrics *observability.Metrics, opts Options, logger *zap.Logger) *Sender {
	return &Sender{
		store:     store,
		hot:       hot,
		bus:       b,
		limiter:   limiter,
		registry:  registry,
		builder:   NewBuilder(),
		writer:    writer,
		index:     index,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
		sem:       make(chan struct{}, opts.PoolSize),
		consumers: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run discovers users with active batches and keeps one consumer loop per
// user until the context ends. Blocks.
func (s *Sender) Run(ctx context.Context) {
	s.scanUsers(ctx)

	ticker := time.NewTicker(s.opts.UserScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanUsers(ctx)
		}
	}
}

func (s *Sender) scanUsers(ctx context.Context) {
	userIDs, err := s.store.ActiveUserIDs(ctx)
	if err != nil {
		s.logger.Error("failed to scan active users", zap.Error(err))
		return
	}
	for _, userID := range userIDs {
		s.EnsureConsumer(ctx, userID)
	}
}

// EnsureConsumer starts a consumer loop for the user if none is running.
// The processor also calls this when it fans out a batch, so chunks start
// flowing before the next scan tick.
func (s *Sender) EnsureConsumer(ctx context.Context, userID uuid.UUID) {
	s.mu.Lock()
	if _, ok := s.consumers[userID]; ok {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.consumers[userID] = cancel
	s.mu.Unlock()

	s.logger.Info("starting chunk consumer", zap.String("user_id", userID.String()))
	go s.consumeLoop(loopCtx, userID)
}

func (s *Sender) consumeLoop(ctx context.Context, userID uuid.UUID) {
	defer func() {
		s.mu.Lock()
		delete(s.consumers, userID)
		s.mu.Unlock()
	}()

	cons, err := s.bus.ChunkConsumer(ctx, userID)
	if err != nil {
		s.logger.Error("failed to create chunk consumer",
			zap.String("user_id", userID.String()), zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := cons.Fetch(s.opts.FetchBatch, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("chunk fetch failed",
				zap.String("user_id", userID.String()), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var wg sync.WaitGroup
		for msg := range msgs.Messages() {
			wg.Add(1)
			s.sem <- struct{}{}
			go func(msg jetstream.Msg) {
				defer wg.Done()
				defer func() { <-s.sem }()
				s.handleChunk(ctx, msg)
			}(msg)
		}
		wg.Wait()
	}
}

func (s *Sender) handleChunk(ctx context.Context, msg jetstream.Msg) {
	var chunk wire.ChunkMessage
	if err := json.Unmarshal(msg.Data(), &chunk); err != nil {
		s.logger.Error("malformed chunk message, terminating", zap.Error(err))
		msg.Term()
		return
	}

	logger := s.logger.With(
		zap.String("batch_id", chunk.BatchID.String()),
		zap.Int("chunk_index", chunk.ChunkIndex))

	// Idempotency sweep: anything already recorded in hot state was
	// dispatched by a previous delivery of this chunk. If hot state is
	// unreachable we cannot tell, so we must not send.
	recorded, err := s.hot.RecipientRecords(ctx, chunk.BatchID, chunk.RecipientIDs)
	if err != nil {
		logger.Warn("idempotency sweep unavailable, delaying chunk", zap.Error(err))
		msg.NakWithDelay(s.opts.HotStateNakDelay)
		s.metrics.ChunksProcessedTotal.WithLabelValues("hot_state_unavailable").Inc()
		return
	}

	remaining := make([]uuid.UUID, 0, len(chunk.RecipientIDs))
	for _, id := range chunk.RecipientIDs {
		if _, done := recorded[id]; !done {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		logger.Debug("chunk fully recorded, acking redelivery")
		msg.Ack()
		s.metrics.ChunksProcessedTotal.WithLabelValues("duplicate").Inc()
		return
	}

	cfg := &chunk.SendConfig
	bt, err := s.store.GetBatch(ctx, chunk.BatchID)
	if err != nil {
		logger.Error("failed to load batch", zap.Error(err))
		msg.NakWithDelay(s.opts.HotStateNakDelay)
		return
	}
	if bt.Status == batch.StatusPaused {
		// Redelivery after the ack wait picks the chunk up again once the
		// batch resumes.
		msg.NakWithDelay(30 * time.Second)
		s.metrics.ChunksProcessedTotal.WithLabelValues("paused").Inc()
		return
	}

	rows, err := s.store.RecipientsByIDs(ctx, remaining)
	if err != nil {
		logger.Error("failed to load recipients", zap.Error(err))
		msg.NakWithDelay(s.opts.HotStateNakDelay)
		return
	}

	payloads := make([]module.Payload, 0, len(rows))
	now := time.Now().UTC()
	for _, row := range rows {
		p, err := s.builder.Build(bt, cfg, row)
		if err != nil {
			// A render failure is this recipient's terminal outcome, not
			// the chunk's.
			if !s.recordOutcome(ctx, &chunk, cfg, module.Result{
				RecipientID: row.ID,
				Error:       fmt.Sprintf("payload build: %v", err),
			}, now) {
				msg.NakWithDelay(s.opts.HotStateNakDelay)
				return
			}
			continue
		}
		payloads = append(payloads, p)
	}

	if len(payloads) > 0 {
		tokens := module.CallCount(cfg, len(payloads))
		perSecond := cfg.RatePerSecond(module.DefaultPerSecond(cfg))
		allowed, retryAfter, err := s.limiter.Acquire(ctx, cfg.ID, perSecond, tokens)
		if err != nil {
			logger.Warn("rate acquisition failed", zap.Error(err))
			msg.NakWithDelay(retryAfter)
			return
		}
		if !allowed {
			s.metrics.RateLimitDenials.WithLabelValues(cfg.ID.String()).Inc()
			msg.NakWithDelay(retryAfter)
			s.metrics.ChunksProcessedTotal.WithLabelValues("rate_limited").Inc()
			return
		}

		results := s.dispatch(ctx, &chunk, cfg, payloads)
		sentAt := time.Now().UTC()
		for _, res := range results {
			if !s.recordOutcome(ctx, &chunk, cfg, res, sentAt) {
				// Hot state went away mid-chunk. The recorded prefix is
				// safe: the outcome script is idempotent, so the
				// redelivery sweep skips it.
				msg.NakWithDelay(s.opts.HotStateNakDelay)
				return
			}
		}
	}

	msg.Ack()
	s.metrics.ChunksProcessedTotal.WithLabelValues("ok").Inc()
}

// dispatch runs the provider call, or synthesizes outcomes for dry runs.
// Dry runs exercise the whole pipeline including rate limiting; only the
// provider call is replaced.
func (s *Sender) dispatch(ctx context.Context, chunk *wire.ChunkMessage, cfg *batch.SendConfig, payloads []module.Payload) []module.Result {
	if chunk.DryRun {
		spread := s.opts.DryRunLatencyMax - s.opts.DryRunLatencyMin
		latency := s.opts.DryRunLatencyMin
		if spread > 0 {
			latency += time.Duration(rand.Int63n(int64(spread)))
		}
		select {
		case <-time.After(latency):
		case <-ctx.Done():
		}

		results := make([]module.Result, len(payloads))
		for i, p := range payloads {
			results[i] = module.Result{
				RecipientID:       p.RecipientID,
				Success:           true,
				ProviderMessageID: "dry-run-" + uuid.NewString(),
			}
		}
		return results
	}

	mod, err := s.registry.For(cfg)
	if err != nil {
		results := make([]module.Result, len(payloads))
		for i, p := range payloads {
			results[i] = module.Result{RecipientID: p.RecipientID, Error: err.Error()}
		}
		return results
	}

	results := mod.ExecuteBatch(ctx, payloads, cfg)
	callResult := "ok"
	for _, r := range results {
		if !r.Success {
			callResult = "partial"
			break
		}
	}
	s.metrics.ProviderCallsTotal.WithLabelValues(string(cfg.Module), callResult).
		Add(float64(module.CallCount(cfg, len(payloads))))
	return results
}

// recordOutcome writes one terminal outcome to hot state and, when it
// applied, emits the event-log entry and message-index row. Returns false
// only when hot state is unavailable and the chunk must be redelivered.
func (s *Sender) recordOutcome(ctx context.Context, chunk *wire.ChunkMessage, cfg *batch.SendConfig, res module.Result, at time.Time) bool {
	rec := hotstate.RecipientRecord{
		Status:       batch.RecipientFailed,
		ErrorMessage: res.Error,
	}
	if res.Success {
		rec = hotstate.RecipientRecord{
			Status:            batch.RecipientSent,
			SentAt:            &at,
			ProviderMessageID: res.ProviderMessageID,
		}
	}

	counters, err := s.hot.RecordOutcome(ctx, chunk.BatchID, res.RecipientID, rec)
	if err != nil {
		s.logger.Warn("failed to record outcome",
			zap.String("batch_id", chunk.BatchID.String()),
			zap.String("recipient_id", res.RecipientID.String()),
			zap.Error(err))
		return false
	}
	if !counters.Applied {
		return true
	}

	s.hot.SubGlobalPending(ctx, 1)
	s.metrics.RecipientsTotal.WithLabelValues(string(rec.Status), string(cfg.Module)).Inc()

	recipientID := res.RecipientID
	provider := s.providerName(cfg)
	if res.Success {
		s.writer.Append(events.Event{
			EventType:         "sent",
			BatchID:           chunk.BatchID,
			RecipientID:       &recipientID,
			UserID:            chunk.UserID,
			Provider:          provider,
			ProviderMessageID: res.ProviderMessageID,
			OccurredAt:        at,
		})
		if !chunk.DryRun {
			if err := s.index.Write(ctx, res.ProviderMessageID, events.IndexEntry{
				Provider:    provider,
				RecipientID: recipientID,
				BatchID:     chunk.BatchID,
				UserID:      chunk.UserID,
			}); err != nil {
				s.logger.Warn("failed to index provider message id",
					zap.String("provider_message_id", res.ProviderMessageID),
					zap.Error(err))
			}
		}
	} else {
		s.writer.Append(events.Event{
			EventType:    "failed",
			BatchID:      chunk.BatchID,
			RecipientID:  &recipientID,
			UserID:       chunk.UserID,
			Provider:     provider,
			ErrorMessage: res.Error,
			OccurredAt:   at,
		})
	}
	return true
}

func (s *Sender) providerName(cfg *batch.SendConfig) string {
	switch cfg.Module {
	case batch.ModuleEmail:
		if cfg.Config.Email != nil && cfg.Config.Email.Provider != "" {
			return cfg.Config.Email.Provider
		}
		return "mock"
	case batch.ModuleSMS:
		if cfg.Config.SMS != nil {
			return cfg.Config.SMS.Provider
		}
	case batch.ModuleWebhook:
		return "webhook"
	case batch.ModulePush:
		return "push"
	}
	return string(cfg.Module)
}
