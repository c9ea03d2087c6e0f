// Package hotstate is the low-latency store on the send critical path:
// per-batch counters, recipient idempotency records, the pending-sync set,
// the global pending gauge and webhook dedup markers. All mutations on the
// hot path go through named atomic scripts.
package hotstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"courier/internal/batch"
	"courier/internal/db"
)

// ErrUnavailable is returned while the circuit breaker is open. Callers on
// idempotency-critical paths must nack and back off, never proceed blind.
var ErrUnavailable = errors.New("hot state unavailable")

type RecipientRecord struct {
	Status            batch.RecipientStatus `json:"status"`
	SentAt            *time.Time            `json:"sent_at,omitempty"`
	ProviderMessageID string                `json:"provider_message_id,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
}

type Counters struct {
	Sent     int64
	Failed   int64
	Total    int64
	Complete bool
	// Applied is false when the outcome was already recorded for this
	// recipient and nothing changed.
	Applied bool
}

type Client struct {
	rdb          *db.RedisDB
	breaker      *gobreaker.CircuitBreaker
	activeTTL    time.Duration
	completedTTL time.Duration
	logger       *zap.Logger
}

func NewClient(rdb *db.RedisDB, activeTTL, completedTTL time.Duration, logger *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hot-state",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("hot-state breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		rdb:          rdb,
		breaker:      breaker,
		activeTTL:    activeTTL,
		completedTTL: completedTTL,
		logger:       logger,
	}
}

func countersKey(batchID uuid.UUID) string { return "counters:" + batchID.String() }
func recipsKey(batchID uuid.UUID) string   { return "recips:" + batchID.String() }
func pendingKey(batchID uuid.UUID) string  { return "pendingsync:" + batchID.String() }

const globalPendingKey = "pending:global"

func (c *Client) do(op func() (interface{}, error)) (interface{}, error) {
	res, err := c.breaker.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	return res, err
}

// Open reports whether the breaker currently rejects calls.
func (c *Client) Open() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// InitCounters sets the batch counters if unset. Returns true on first
// initialization.
func (c *Client) InitCounters(ctx context.Context, batchID uuid.UUID, total int) (bool, error) {
	res, err := c.do(func() (interface{}, error) {
		return initCountersScript.Run(ctx, c.rdb.Client,
			[]string{countersKey(batchID)}, total, int(c.activeTTL.Seconds())).Int64()
	})
	if err != nil {
		return false, fmt.Errorf("failed to init counters: %w", err)
	}
	return res.(int64) == 1, nil
}

// RecordOutcome atomically counts one terminal outcome and writes the
// recipient's record plus its pending-sync membership.
func (c *Client) RecordOutcome(ctx context.Context, batchID, recipientID uuid.UUID, rec RecipientRecord) (Counters, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Counters{}, fmt.Errorf("failed to encode recipient record: %w", err)
	}

	outcome := "failed"
	if rec.Status == batch.RecipientSent {
		outcome = "sent"
	}

	res, err := c.do(func() (interface{}, error) {
		return recordOutcomeScript.Run(ctx, c.rdb.Client,
			[]string{countersKey(batchID), recipsKey(batchID), pendingKey(batchID)},
			recipientID.String(), string(data), outcome, int(c.activeTTL.Seconds())).Slice()
	})
	if err != nil {
		return Counters{}, fmt.Errorf("failed to record outcome: %w", err)
	}

	vals := res.([]interface{})
	if len(vals) != 5 {
		return Counters{}, fmt.Errorf("unexpected record outcome reply: %v", vals)
	}
	return Counters{
		Sent:     vals[0].(int64),
		Failed:   vals[1].(int64),
		Total:    vals[2].(int64),
		Complete: vals[3].(int64) == 1,
		Applied:  vals[4].(int64) == 1,
	}, nil
}

// RecipientRecords fetches hot-state records for the given recipients.
// Missing recipients are absent from the result map. This is the
// idempotency sweep; when hot state is unavailable the error propagates
// and the caller must nack.
func (c *Client) RecipientRecords(ctx context.Context, batchID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]RecipientRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = id.String()
	}

	res, err := c.do(func() (interface{}, error) {
		return c.rdb.HMGet(ctx, recipsKey(batchID), fields...).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read recipient records: %w", err)
	}

	vals := res.([]interface{})
	out := make(map[uuid.UUID]RecipientRecord, len(ids))
	for i, v := range vals {
		if v == nil {
			continue
		}
		var rec RecipientRecord
		if err := json.Unmarshal([]byte(v.(string)), &rec); err != nil {
			c.logger.Warn("corrupt recipient record",
				zap.String("batch_id", batchID.String()),
				zap.String("recipient_id", fields[i]),
				zap.Error(err))
			continue
		}
		out[ids[i]] = rec
	}
	return out, nil
}

func (c *Client) Counters(ctx context.Context, batchID uuid.UUID) (Counters, error) {
	res, err := c.do(func() (interface{}, error) {
		return c.rdb.HGetAll(ctx, countersKey(batchID)).Result()
	})
	if err != nil {
		return Counters{}, fmt.Errorf("failed to read counters: %w", err)
	}
	m := res.(map[string]string)
	if len(m) == 0 {
		return Counters{}, nil
	}
	var out Counters
	fmt.Sscanf(m["sent"], "%d", &out.Sent)
	fmt.Sscanf(m["failed"], "%d", &out.Failed)
	fmt.Sscanf(m["total"], "%d", &out.Total)
	out.Complete = out.Total > 0 && out.Sent+out.Failed >= out.Total
	return out, nil
}

// HasCounters reports whether the batch still has hot state, used by crash
// recovery to decide between sync-to-completion and reset.
func (c *Client) HasCounters(ctx context.Context, batchID uuid.UUID) (bool, error) {
	res, err := c.do(func() (interface{}, error) {
		return c.rdb.Exists(ctx, countersKey(batchID)).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(int64) == 1, nil
}

// PendingSyncSample returns up to n recipient ids awaiting mirroring.
func (c *Client) PendingSyncSample(ctx context.Context, batchID uuid.UUID, n int) ([]uuid.UUID, error) {
	res, err := c.do(func() (interface{}, error) {
		return c.rdb.SRandMemberN(ctx, pendingKey(batchID), int64(n)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sample pending-sync: %w", err)
	}
	members := res.([]string)
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Client) RemovePendingSync(ctx context.Context, batchID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id.String()
	}
	_, err := c.do(func() (interface{}, error) {
		return c.rdb.SRem(ctx, pendingKey(batchID), members...).Result()
	})
	return err
}

// PendingSyncBatches enumerates batches with unsynced records by scanning
// pending-sync keys.
func (c *Client) PendingSyncBatches(ctx context.Context) ([]uuid.UUID, error) {
	res, err := c.do(func() (interface{}, error) {
		var out []uuid.UUID
		iter := c.rdb.Scan(ctx, 0, "pendingsync:*", 256).Iterator()
		for iter.Next(ctx) {
			id, err := uuid.Parse(iter.Val()[len("pendingsync:"):])
			if err != nil {
				continue
			}
			out = append(out, id)
		}
		return out, iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending-sync keys: %w", err)
	}
	return res.([]uuid.UUID), nil
}

// SetCompletedRetention shortens the batch's hot-state TTL once it is
// finalized in the relational store.
func (c *Client) SetCompletedRetention(ctx context.Context, batchID uuid.UUID) error {
	_, err := c.do(func() (interface{}, error) {
		pipe := c.rdb.Pipeline()
		pipe.Expire(ctx, countersKey(batchID), c.completedTTL)
		pipe.Expire(ctx, recipsKey(batchID), c.completedTTL)
		pipe.Expire(ctx, pendingKey(batchID), c.completedTTL)
		return pipe.Exec(ctx)
	})
	return err
}

// AddGlobalPending bumps the process-wide gauge of recipients not yet in a
// terminal state; it only feeds autoscaling signals, so failures are
// logged rather than propagated.
func (c *Client) AddGlobalPending(ctx context.Context, n int64) {
	if n == 0 {
		return
	}
	if _, err := c.do(func() (interface{}, error) {
		return c.rdb.IncrBy(ctx, globalPendingKey, n).Result()
	}); err != nil {
		c.logger.Warn("failed to adjust global pending gauge", zap.Error(err))
	}
}

func (c *Client) SubGlobalPending(ctx context.Context, n int64) {
	c.AddGlobalPending(ctx, -n)
}

func (c *Client) GlobalPending(ctx context.Context) (int64, error) {
	res, err := c.do(func() (interface{}, error) {
		v, err := c.rdb.Get(ctx, globalPendingKey).Result()
		if err == redis.Nil {
			return "0", nil
		}
		return v, err
	})
	if err != nil {
		return 0, err
	}
	var n int64
	fmt.Sscanf(res.(string), "%d", &n)
	return n, nil
}

// MarkEventOnce is the webhook dedup cache: SET NX with a short TTL.
// Returns true the first time an event id is seen.
func (c *Client) MarkEventOnce(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	res, err := c.do(func() (interface{}, error) {
		return c.rdb.SetNX(ctx, "webhook:event:"+eventID, 1, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Eval runs an arbitrary script through the breaker; the rate limiter and
// leader election share the client this way.
func (c *Client) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return c.do(func() (interface{}, error) {
		return script.Run(ctx, c.rdb.Client, keys, args...).Result()
	})
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.rdb.HealthCheck(ctx)
}
