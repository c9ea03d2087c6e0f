// Package leader elects one worker for singleton duties (scheduling,
// stuck-batch scans) using a TTL lock in the hot-state store. Losing the
// store forfeits leadership; the lock expires and another worker takes
// over.
package leader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/internal/hotstate"
)

const lockKey = "leader:worker"

// refresh extends the lease only while we still hold it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var acquireScript = redis.NewScript(`
return redis.call("SET", KEYS[1], ARGV[1], "NX", "EX", ARGV[2]) and 1 or 0
`)

type Elector struct {
	hot       *hotstate.Client
	id        string
	ttl       time.Duration
	heartbeat time.Duration
	logger    *zap.Logger

	leading atomic.Bool

	OnElected  func()
	OnResigned func()
}

func NewElector(hot *hotstate.Client, ttl, heartbeat time.Duration, logger *zap.Logger) *Elector {
	return &Elector{
		hot:       hot,
		id:        uuid.NewString(),
		ttl:       ttl,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// IsLeader reports whether this process currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run campaigns for the lock until the context ends, then releases it if
// held. Blocks.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.heartbeat)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	ttlSec := int(e.ttl.Seconds())

	if e.leading.Load() {
		res, err := e.hot.Eval(ctx, refreshScript, []string{lockKey}, e.id, ttlSec)
		if err != nil || res.(int64) != 1 {
			e.leading.Store(false)
			e.logger.Warn("leadership lost", zap.Error(err))
			if e.OnResigned != nil {
				e.OnResigned()
			}
		}
		return
	}

	res, err := e.hot.Eval(ctx, acquireScript, []string{lockKey}, e.id, ttlSec)
	if err != nil {
		return
	}
	if res.(int64) == 1 {
		e.leading.Store(true)
		e.logger.Info("leadership acquired", zap.String("leader_id", e.id))
		if e.OnElected != nil {
			e.OnElected()
		}
	}
}

func (e *Elector) release() {
	if !e.leading.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.hot.Eval(ctx, releaseScript, []string{lockKey}, e.id); err != nil {
		e.logger.Warn("failed to release leader lock", zap.Error(err))
	}
	e.leading.Store(false)
	if e.OnResigned != nil {
		e.OnResigned()
	}
}
