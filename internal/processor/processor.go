// Package processor turns a ready batch into chunk messages. Fan-out is
// idempotent end to end: deterministic chunk ids, set-if-unset counter
// init, and a conditional processing transition make redeliveries of the
// process notification harmless.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/events"
	"courier/internal/hotstate"
	"courier/internal/module"
	"courier/internal/observability"
	"courier/internal/wire"
)

// chunkBus is the slice of the bus the processor touches.
type chunkBus interface {
	ProcessConsumer(ctx context.Context) (jetstream.Consumer, error)
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

type Processor struct {
	store   *batch.Store
	hot     *hotstate.Client
	bus     chunkBus
	writer  *events.Writer
	metrics *observability.Metrics
	logger  *zap.Logger

	// optional hook so chunk consumers exist before the first chunk lands
	onFanOut func(ctx context.Context, userID uuid.UUID)
}

func New(store *batch.Store, hot *hotstate.Client, b chunkBus, writer *events.Writer,
	metrics *observability.Metrics, logger *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		hot:     hot,
		bus:     b,
		writer:  writer,
		metrics: metrics,
		logger:  logger,
	}
}

// OnFanOut registers a callback invoked with the batch's user id right
// before chunks are published.
func (p *Processor) OnFanOut(fn func(ctx context.Context, userID uuid.UUID)) {
	p.onFanOut = fn
}

// Run consumes batch-ready notifications until the context ends. Blocks.
func (p *Processor) Run(ctx context.Context) {
	cons, err := p.bus.ProcessConsumer(ctx)
	if err != nil {
		p.logger.Error("failed to create process consumer", zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := cons.Fetch(10, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("process fetch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for msg := range msgs.Messages() {
			p.handle(ctx, msg)
		}
	}
}

func (p *Processor) handle(ctx context.Context, msg jetstream.Msg) {
	var note wire.ProcessNotification
	if err := json.Unmarshal(msg.Data(), &note); err != nil {
		p.logger.Error("malformed process notification, terminating", zap.Error(err))
		msg.Term()
		return
	}

	logger := p.logger.With(zap.String("batch_id", note.BatchID.String()))
	if err := p.fanOut(ctx, note, logger); err != nil {
		logger.Error("batch fan-out failed", zap.Error(err))
		msg.NakWithDelay(5 * time.Second)
		return
	}
	msg.Ack()
}

func (p *Processor) fanOut(ctx context.Context, note wire.ProcessNotification, logger *zap.Logger) error {
	bt, err := p.store.GetBatch(ctx, note.BatchID)
	if err != nil {
		if err == batch.ErrNotFound {
			logger.Warn("batch gone, dropping notification")
			return nil
		}
		return err
	}
	// Processing is re-entered on redelivery; anything else means the
	// notification is stale.
	if bt.Status != batch.StatusQueued && bt.Status != batch.StatusProcessing {
		logger.Info("batch not dispatchable, skipping", zap.String("status", string(bt.Status)))
		return nil
	}

	cfg, err := p.resolveConfig(ctx, bt)
	if err != nil {
		return err
	}

	pending, err := p.store.PendingRecipientIDs(ctx, bt.ID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		logger.Info("no pending recipients, nothing to fan out")
		return nil
	}

	if err := p.store.MarkProcessing(ctx, bt.ID, bt.TotalRecipients); err != nil {
		// A batch finalized between the status read and the claim is
		// stale, not an error.
		if errors.Is(err, batch.ErrNotFound) {
			logger.Info("batch no longer claimable, skipping")
			return nil
		}
		return err
	}

	// The counter total is the set being fanned out, not the batch row's
	// count: a re-queued batch only dispatches what is still open, and
	// completion is sent+failed reaching that.
	initialized, err := p.hot.InitCounters(ctx, bt.ID, len(pending))
	if err != nil {
		return err
	}
	if initialized {
		p.hot.AddGlobalPending(ctx, int64(len(pending)))
	}

	if err := p.store.MarkRecipientsQueued(ctx, bt.ID); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, id := range pending {
		recipientID := id
		p.writer.Append(events.Event{
			EventType:   "queued",
			BatchID:     bt.ID,
			RecipientID: &recipientID,
			UserID:      bt.UserID,
			OccurredAt:  now,
		})
	}

	if p.onFanOut != nil {
		p.onFanOut(ctx, bt.UserID)
	}

	chunkSize := module.DefaultChunkSize(cfg)
	subject := wire.ChunkSubject(bt.UserID)
	chunks := 0
	for start := 0; start < len(pending); start += chunkSize {
		end := start + chunkSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := wire.ChunkMessage{
			BatchID:      bt.ID,
			UserID:       bt.UserID,
			ChunkIndex:   chunks,
			RecipientIDs: pending[start:end],
			SendConfig:   *cfg,
			DryRun:       bt.DryRun,
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if err := p.bus.Publish(ctx, subject, wire.ChunkMsgID(bt.ID, chunks), data); err != nil {
			return err
		}
		chunks++
	}

	logger.Info("batch fanned out",
		zap.Int("recipients", len(pending)),
		zap.Int("chunks", chunks),
		zap.Int("chunk_size", chunkSize),
		zap.Bool("dry_run", bt.DryRun))
	return nil
}

func (p *Processor) resolveConfig(ctx context.Context, bt *batch.Batch) (*batch.SendConfig, error) {
	if bt.SendConfigID != nil {
		return p.store.GetSendConfig(ctx, *bt.SendConfigID)
	}
	return p.store.DefaultSendConfig(ctx, bt.UserID)
}
