// Package rate implements the per-send-config token bucket shared by all
// worker replicas. Acquisition is a single atomic script; ordering between
// competing workers is first-come-first-served at the store.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"courier/internal/hotstate"
)

// acquire atomically takes n tokens from the (config, 1-second-window)
// bucket. KEYS[1] bucket; ARGV[1] tokens requested, ARGV[2] per-second
// limit. Returns {allowed, remaining}.
var acquireScript = redis.NewScript(`
local requested = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current + requested > limit then
  return {0, limit - current}
end
local new = redis.call("INCRBY", KEYS[1], requested)
if new == requested then
  redis.call("EXPIRE", KEYS[1], 2)
end
return {1, limit - new}
`)

type Limiter struct {
	hot      *hotstate.Client
	failOpen bool
	logger   *zap.Logger
}

func NewLimiter(hot *hotstate.Client, failOpen bool, logger *zap.Logger) *Limiter {
	return &Limiter{hot: hot, failOpen: failOpen, logger: logger}
}

// Acquire takes `tokens` (one per provider API call, not per recipient)
// for the config's current one-second window. When denied, retryAfter is
// the time until the next window opens.
func (l *Limiter) Acquire(ctx context.Context, configID uuid.UUID, perSecond, tokens int) (bool, time.Duration, error) {
	if perSecond <= 0 {
		return true, 0, nil
	}
	if tokens < 1 {
		tokens = 1
	}
	// A request larger than the whole bucket would never pass; let it
	// through in full-bucket-sized windows instead of deadlocking.
	if tokens > perSecond {
		tokens = perSecond
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s:%d", configID, now.Unix())

	res, err := l.hot.Eval(ctx, acquireScript, []string{key}, tokens, perSecond)
	if err != nil {
		if errors.Is(err, hotstate.ErrUnavailable) && l.failOpen {
			l.logger.Warn("rate limiter failing open, hot state unavailable",
				zap.String("send_config", configID.String()))
			return true, 0, nil
		}
		return false, time.Second, fmt.Errorf("failed to acquire rate token: %w", err)
	}

	vals := res.([]interface{})
	if vals[0].(int64) == 1 {
		return true, 0, nil
	}

	retryAfter := time.Second - time.Duration(now.Nanosecond())
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}
