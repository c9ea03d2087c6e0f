package hotstate

import "github.com/redis/go-redis/v9"

// initCounters sets the per-batch counter hash only if it does not exist,
// so a redelivered process notification cannot reset progress.
// KEYS[1] counters hash; ARGV[1] total, ARGV[2] ttl seconds.
var initCountersScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "sent", 0, "failed", 0, "total", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// recordOutcome makes the counter increment and the recipient record
// indivisible: a recipient is never counted without its marker, nor vice
// versa. Re-applying an outcome for an already-terminal recipient is a
// no-op (applied = 0), which makes chunk redelivery safe.
// KEYS[1] counters, KEYS[2] recipients hash, KEYS[3] pending-sync set.
// ARGV[1] recipient id, ARGV[2] record json, ARGV[3] "sent"|"failed",
// ARGV[4] ttl seconds.
// Returns {sent, failed, total, complete, applied}.
var recordOutcomeScript = redis.NewScript(`
local function counts(applied)
  local sent = tonumber(redis.call("HGET", KEYS[1], "sent") or "0")
  local failed = tonumber(redis.call("HGET", KEYS[1], "failed") or "0")
  local total = tonumber(redis.call("HGET", KEYS[1], "total") or "0")
  local complete = 0
  if total > 0 and sent + failed >= total then
    complete = 1
  end
  return {sent, failed, total, complete, applied}
end

local existing = redis.call("HGET", KEYS[2], ARGV[1])
if existing then
  local rec = cjson.decode(existing)
  local st = rec["status"]
  if st == "sent" or st == "failed" or st == "delivered" or st == "bounced" or st == "complained" then
    return counts(0)
  end
end

redis.call("HINCRBY", KEYS[1], ARGV[3], 1)
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[1])
local ttl = tonumber(ARGV[4])
redis.call("EXPIRE", KEYS[1], ttl)
redis.call("EXPIRE", KEYS[2], ttl)
redis.call("EXPIRE", KEYS[3], ttl)
return counts(1)
`)
