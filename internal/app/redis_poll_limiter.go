package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per admitted request, scored by
// its time in milliseconds. Requests over the limit are counted in the reply but
// not recorded, so a throttled client regains budget as its oldest requests age out.
//
// KEYS[1] window set; ARGV: now ms, window ms, limit, member.
// Returns {count including this request, ms until the oldest admitted request leaves}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1]) + 1
if count <= limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
end
redis.call("PEXPIRE", KEYS[1], window)
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local wait = window
if oldest[2] then
  wait = tonumber(oldest[2]) + window - now
end
return {count, wait}
`)

// RedisPollLimiter enforces a per-user budget of payment status polls over a
// sliding window shared by every replica.
type RedisPollLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisPollLimiter(client redis.UniversalClient, prefix string) *RedisPollLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "tokenex:rate_limit"
	}
	return &RedisPollLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisPollLimiter) windowKey(scope, subject string) string {
	return l.prefix + ":" + scope + ":" + subject
}

// ConsumeRateLimit admits one request for subject when fewer than limit were
// admitted during the last window. count includes this request, so count > limit
// means it was refused; retryAfterSeconds is when the next slot opens.
func (l *RedisPollLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error) {
	if l == nil || l.client == nil || limit <= 0 || window < time.Second {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	reply, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.windowKey(scope, subject)},
		l.now().UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("poll limiter: %w", err)
	}
	if len(reply) != 2 {
		return 0, 0, fmt.Errorf("poll limiter: unexpected reply %v", reply)
	}
	return int(reply[0]), secondsUntil(reply[1]), nil
}

// secondsUntil rounds a positive millisecond wait up to whole seconds, minimum one.
func secondsUntil(ms int64) int {
	if ms <= 0 {
		return 1
	}
	return int((ms + 999) / 1000)
}
