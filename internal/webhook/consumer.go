package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/bus"
	"courier/internal/events"
	"courier/internal/hotstate"
	"courier/internal/observability"
	"courier/internal/wire"
)

// Consumer drains normalized provider events off the bus and applies them:
// status transitions grouped per batch, counter bumps, and an append to the
// event log for every event. Acks happen after the store writes so a
// failure redelivers; the dedup cache is marked after the ack.
type Consumer struct {
	store   *batch.Store
	hot     *hotstate.Client
	bus     *bus.Bus
	index   *events.Index
	writer  *events.Writer
	dedup   *Dedup
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewConsumer(store *batch.Store, hot *hotstate.Client, b *bus.Bus, index *events.Index,
	writer *events.Writer, dedupTTL time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Consumer {
	return &Consumer{
		store:   store,
		hot:     hot,
		bus:     b,
		index:   index,
		writer:  writer,
		dedup:   NewDedup(dedupTTL),
		metrics: metrics,
		logger:  logger,
	}
}

// Run consumes webhook events until the context ends. Blocks.
func (c *Consumer) Run(ctx context.Context) {
	cons, err := c.bus.WebhookConsumer(ctx)
	if err != nil {
		c.logger.Error("failed to create webhook consumer", zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := cons.Fetch(100, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("webhook fetch failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		var pending []pendingEvent
		for msg := range msgs.Messages() {
			var ev wire.WebhookEvent
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				c.logger.Error("malformed webhook event, terminating", zap.Error(err))
				msg.Term()
				continue
			}
			if c.dedup.Seen(ev.ID) {
				msg.Ack()
				c.metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, ev.EventType, "duplicate").Inc()
				continue
			}
			pending = append(pending, pendingEvent{msg: msg, ev: ev})
		}
		if len(pending) > 0 {
			c.apply(ctx, pending)
		}
	}
}

type pendingEvent struct {
	msg jetstream.Msg
	ev  wire.WebhookEvent
	ix  events.IndexEntry
	ok  bool // index entry resolved
}

// effectGroups buckets status effects so each batch gets one UPDATE per
// effect regardless of how many events the fetch carried.
type effectGroups struct {
	delivered  map[uuid.UUID][]uuid.UUID
	bounced    map[uuid.UUID][]uuid.UUID
	complained map[uuid.UUID][]uuid.UUID
}

func (c *Consumer) apply(ctx context.Context, pending []pendingEvent) {
	groups := effectGroups{
		delivered:  make(map[uuid.UUID][]uuid.UUID),
		bounced:    make(map[uuid.UUID][]uuid.UUID),
		complained: make(map[uuid.UUID][]uuid.UUID),
	}

	for i := range pending {
		p := &pending[i]
		entry, err := c.index.Lookup(ctx, p.ev.ProviderMessageID)
		if err != nil {
			if err != events.ErrNotIndexed {
				c.logger.Warn("index lookup failed",
					zap.String("provider_message_id", p.ev.ProviderMessageID), zap.Error(err))
			}
			continue
		}
		p.ix = entry
		p.ok = true

		switch p.ev.EventType {
		case "delivered", "sms.delivered":
			groups.delivered[entry.BatchID] = append(groups.delivered[entry.BatchID], entry.RecipientID)
		case "bounced":
			groups.bounced[entry.BatchID] = append(groups.bounced[entry.BatchID], entry.RecipientID)
		case "complained":
			groups.complained[entry.BatchID] = append(groups.complained[entry.BatchID], entry.RecipientID)
		}
		// opened, clicked, sent, failed, soft_bounced and custom events
		// only land in the event log.
	}

	now := time.Now().UTC()
	failed := false

	for batchID, ids := range groups.delivered {
		n, err := c.store.ApplyDelivered(ctx, ids, now)
		if err != nil {
			c.logger.Error("failed to apply deliveries", zap.Error(err))
			failed = true
			continue
		}
		if n > 0 {
			if err := c.store.BumpDeliveredCount(ctx, batchID, n); err != nil {
				c.logger.Error("failed to bump delivered count", zap.Error(err))
			}
		}
	}
	for batchID, ids := range groups.bounced {
		n, err := c.store.ApplyBounced(ctx, ids, now)
		if err != nil {
			c.logger.Error("failed to apply bounces", zap.Error(err))
			failed = true
			continue
		}
		if n > 0 {
			if err := c.store.BumpBouncedCount(ctx, batchID, n); err != nil {
				c.logger.Error("failed to bump bounced count", zap.Error(err))
			}
		}
	}
	for _, ids := range groups.complained {
		if _, err := c.store.ApplyComplained(ctx, ids, now); err != nil {
			c.logger.Error("failed to apply complaints", zap.Error(err))
			failed = true
		}
	}

	if failed {
		// Replays are harmless: every transition above is conditional.
		for _, p := range pending {
			p.msg.NakWithDelay(5 * time.Second)
		}
		return
	}

	for _, p := range pending {
		ev := events.Event{
			EventType:         p.ev.EventType,
			Provider:          p.ev.Provider,
			ProviderMessageID: p.ev.ProviderMessageID,
			OccurredAt:        p.ev.Timestamp,
		}
		if len(p.ev.Metadata) > 0 {
			if meta, err := json.Marshal(p.ev.Metadata); err == nil {
				ev.Metadata = string(meta)
			}
		}
		if p.ok {
			recipientID := p.ix.RecipientID
			ev.RecipientID = &recipientID
			ev.BatchID = p.ix.BatchID
			ev.UserID = p.ix.UserID
		}
		c.writer.Append(ev)

		p.msg.Ack()
		c.dedup.Mark(p.ev.ID)
		// Cross-replica marker; the conditional updates make a racing
		// replica's apply a no-op, so the result is informational.
		if _, err := c.hot.MarkEventOnce(ctx, p.ev.ID, c.dedup.ttl); err != nil {
			c.logger.Debug("failed to mark event in hot state", zap.Error(err))
		}
		c.metrics.WebhookEventsTotal.WithLabelValues(p.ev.Provider, p.ev.EventType, "applied").Inc()
	}
}
