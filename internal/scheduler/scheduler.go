// Package scheduler is the leader-only loop that promotes due scheduled
// batches and bridges queued batches onto the bus. Publishing is safe to
// repeat: the process message id is deterministic per submission, so the
// duplicate window absorbs replays.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/bus"
	"courier/internal/wire"
)

type Options struct {
	PromoteInterval time.Duration
	QueuedInterval  time.Duration
}

func DefaultOptions() Options {
	return Options{
		PromoteInterval: 30 * time.Second,
		QueuedInterval:  5 * time.Second,
	}
}

type Scheduler struct {
	store    *batch.Store
	bus      *bus.Bus
	opts     Options
	isLeader func() bool
	logger   *zap.Logger
}

func New(store *batch.Store, b *bus.Bus, opts Options, isLeader func() bool, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		bus:      b,
		opts:     opts,
		isLeader: isLeader,
		logger:   logger,
	}
}

// Run drives both loops until the context ends. Blocks.
func (s *Scheduler) Run(ctx context.Context) {
	promote := time.NewTicker(s.opts.PromoteInterval)
	queued := time.NewTicker(s.opts.QueuedInterval)
	defer promote.Stop()
	defer queued.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			if s.isLeader() {
				s.promoteDue(ctx)
			}
		case <-queued.C:
			if s.isLeader() {
				s.publishQueued(ctx)
			}
		}
	}
}

func (s *Scheduler) promoteDue(ctx context.Context) {
	ids, err := s.store.PromoteScheduled(ctx, time.Now())
	if err != nil {
		s.logger.Error("failed to promote scheduled batches", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.logger.Info("scheduled batch promoted", zap.String("batch_id", id.String()))
	}
}

// publishQueued pushes every queued batch's process notification. Batches
// already notified stay queued until the processor claims them, so each
// pass republishes; the deterministic message id makes that a no-op.
func (s *Scheduler) publishQueued(ctx context.Context) {
	batches, err := s.store.ListQueued(ctx)
	if err != nil {
		s.logger.Error("failed to list queued batches", zap.Error(err))
		return
	}

	for _, bt := range batches {
		note := wire.ProcessNotification{BatchID: bt.ID, UserID: bt.UserID}
		data, err := json.Marshal(note)
		if err != nil {
			continue
		}
		msgID := wire.ProcessMsgID(bt.ID, bt.UpdatedAt)
		if err := s.bus.Publish(ctx, wire.SubjectBatchProcess, msgID, data); err != nil {
			s.logger.Error("failed to publish process notification",
				zap.String("batch_id", bt.ID.String()), zap.Error(err))
		}
	}
}
