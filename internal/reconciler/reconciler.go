// Package reconciler mirrors hot-state outcomes into the relational store
// and drives batches to completion. The relational store trails hot state
// by at most a few sync ticks; hot state is always authoritative for
// counters while a batch is active.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/events"
	"courier/internal/hotstate"
	"courier/internal/observability"
)

type Options struct {
	SyncInterval      time.Duration
	SyncBatchSize     int
	StuckScanInterval time.Duration
	StuckAfter        time.Duration
	ResetAfter        time.Duration
}

func DefaultOptions() Options {
	return Options{
		SyncInterval:      2 * time.Second,
		SyncBatchSize:     500,
		StuckScanInterval: 5 * time.Minute,
		StuckAfter:        15 * time.Minute,
		ResetAfter:        30 * time.Minute,
	}
}

type Reconciler struct {
	store    *batch.Store
	hot      *hotstate.Client
	writer   *events.Writer
	metrics  *observability.Metrics
	logger   *zap.Logger
	opts     Options
	isLeader func() bool
}

func New(store *batch.Store, hot *hotstate.Client, writer *events.Writer,
	metrics *observability.Metrics, opts Options, isLeader func() bool, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		hot:      hot,
		writer:   writer,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
		isLeader: isLeader,
	}
}

// Run drives the sync and stuck-scan loops until the context ends. Blocks.
func (r *Reconciler) Run(ctx context.Context) {
	syncTicker := time.NewTicker(r.opts.SyncInterval)
	stuckTicker := time.NewTicker(r.opts.StuckScanInterval)
	defer syncTicker.Stop()
	defer stuckTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			r.syncAll(ctx)
		case <-stuckTicker.C:
			// The stuck scan resets batches; two workers doing that
			// concurrently would double fan-out, so only the leader runs it.
			if r.isLeader() {
				r.scanStuck(ctx)
			}
		}
	}
}

func (r *Reconciler) syncAll(ctx context.Context) {
	batchIDs, err := r.hot.PendingSyncBatches(ctx)
	if err != nil {
		r.logger.Warn("failed to enumerate pending-sync batches", zap.Error(err))
		return
	}
	for _, batchID := range batchIDs {
		if err := r.syncBatch(ctx, batchID); err != nil {
			r.logger.Error("batch sync failed",
				zap.String("batch_id", batchID.String()), zap.Error(err))
		}
	}
}

// syncBatch mirrors one round of pending records and finalizes the batch
// when every recipient has a recorded outcome.
func (r *Reconciler) syncBatch(ctx context.Context, batchID uuid.UUID) error {
	ids, err := r.hot.PendingSyncSample(ctx, batchID, r.opts.SyncBatchSize)
	if err != nil {
		return err
	}

	if len(ids) > 0 {
		records, err := r.hot.RecipientRecords(ctx, batchID, ids)
		if err != nil {
			return err
		}

		var sent []batch.SentRow
		var failed []batch.FailedRow
		synced := make([]uuid.UUID, 0, len(ids))
		for _, id := range ids {
			rec, ok := records[id]
			if !ok {
				// Record expired or never written; drop the set member so
				// the scan does not spin on it.
				synced = append(synced, id)
				continue
			}
			switch rec.Status {
			case batch.RecipientSent:
				sentAt := time.Now().UTC()
				if rec.SentAt != nil {
					sentAt = *rec.SentAt
				}
				sent = append(sent, batch.SentRow{
					ID:                id,
					ProviderMessageID: rec.ProviderMessageID,
					SentAt:            sentAt,
				})
			default:
				failed = append(failed, batch.FailedRow{ID: id, ErrorMessage: rec.ErrorMessage})
			}
			synced = append(synced, id)
		}

		nSent, err := r.store.BulkMarkSent(ctx, sent)
		if err != nil {
			return err
		}
		nFailed, err := r.store.BulkMarkFailed(ctx, failed)
		if err != nil {
			return err
		}
		if err := r.hot.RemovePendingSync(ctx, batchID, synced); err != nil {
			return err
		}
		r.metrics.ReconcilerSynced.WithLabelValues("sent").Add(float64(nSent))
		r.metrics.ReconcilerSynced.WithLabelValues("failed").Add(float64(nFailed))
	}

	counters, err := r.hot.Counters(ctx, batchID)
	if err != nil {
		return err
	}
	if counters.Total == 0 {
		return nil
	}
	if err := r.store.MirrorCounters(ctx, batchID, counters.Sent, counters.Failed); err != nil {
		return err
	}

	if counters.Complete {
		return r.finalize(ctx, batchID)
	}
	return nil
}

func (r *Reconciler) finalize(ctx context.Context, batchID uuid.UUID) error {
	won, err := r.store.SetCompleted(ctx, batchID)
	if err != nil {
		return err
	}
	if err := r.hot.SetCompletedRetention(ctx, batchID); err != nil {
		r.logger.Warn("failed to shorten hot-state retention",
			zap.String("batch_id", batchID.String()), zap.Error(err))
	}
	if !won {
		return nil
	}

	r.metrics.BatchesCompleted.Inc()
	if bt, err := r.store.GetBatch(ctx, batchID); err == nil {
		r.writer.Append(events.Event{
			EventType:  "batch_completed",
			BatchID:    batchID,
			UserID:     bt.UserID,
			OccurredAt: time.Now().UTC(),
		})
	}
	r.logger.Info("batch completed", zap.String("batch_id", batchID.String()))
	return nil
}

// scanStuck handles processing batches that stopped making progress:
// batches whose recipients all reached a final state are completed,
// batches with work left past the reset window go back to queued for a
// fresh fan-out.
func (r *Reconciler) scanStuck(ctx context.Context) {
	now := time.Now()
	stuck, err := r.store.ListStuckProcessing(ctx, now.Add(-r.opts.StuckAfter))
	if err != nil {
		r.logger.Error("stuck scan failed", zap.Error(err))
		return
	}

	for _, bt := range stuck {
		counts, err := r.store.RecipientStatusCounts(ctx, bt.ID)
		if err != nil {
			r.logger.Error("failed to count recipients",
				zap.String("batch_id", bt.ID.String()), zap.Error(err))
			continue
		}

		open := counts[batch.RecipientPending] + counts[batch.RecipientQueued]
		if open == 0 {
			if err := r.finalize(ctx, bt.ID); err != nil {
				r.logger.Error("failed to finalize stuck batch",
					zap.String("batch_id", bt.ID.String()), zap.Error(err))
			}
			continue
		}

		if bt.StartedAt != nil && now.Sub(*bt.StartedAt) >= r.opts.ResetAfter {
			// A fresh fan-out re-queues only pending/queued recipients; the
			// hot-state sweep keeps already-sent ones from going out again.
			if err := r.store.ResetToQueued(ctx, bt.ID); err != nil {
				r.logger.Error("failed to reset stuck batch",
					zap.String("batch_id", bt.ID.String()), zap.Error(err))
			}
		}
	}
}

// RecoverOnStart resolves processing batches left behind by a crashed
// worker. With hot state intact the ordinary sync loop can finish the
// batch; without it the batch has to go back through fan-out.
func (r *Reconciler) RecoverOnStart(ctx context.Context) {
	stale, err := r.store.ListStaleProcessing(ctx, time.Now().Add(-r.opts.StuckAfter))
	if err != nil {
		r.logger.Error("crash recovery scan failed", zap.Error(err))
		return
	}

	for _, bt := range stale {
		has, err := r.hot.HasCounters(ctx, bt.ID)
		if err != nil {
			r.logger.Warn("crash recovery skipped, hot state unavailable",
				zap.String("batch_id", bt.ID.String()), zap.Error(err))
			continue
		}
		if has {
			if err := r.syncBatch(ctx, bt.ID); err != nil {
				r.logger.Error("crash recovery sync failed",
					zap.String("batch_id", bt.ID.String()), zap.Error(err))
			}
			continue
		}
		if err := r.store.ResetToQueued(ctx, bt.ID); err != nil {
			r.logger.Error("crash recovery reset failed",
				zap.String("batch_id", bt.ID.String()), zap.Error(err))
		}
	}
}
