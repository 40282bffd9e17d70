// Package ratelimit provides a Redis-backed token bucket used to slow down
// credential guessing on the login endpoint.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Limiter allows limit requests per window per key.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// New returns a Limiter. A nil client or non-positive limit disables it.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

// Allow consumes a token for key if one is available. It fails open when
// Redis is unreachable: a broken limiter must not lock everyone out.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.rdb == nil || l.limit <= 0 {
		return true
	}
	now := time.Now().UnixMilli()
	interval := l.window.Milliseconds() / int64(l.limit)
	res, err := l.rdb.Eval(ctx, luaScript, []string{"rl:" + key}, l.limit, interval, now).Int()
	if err != nil {
		return true
	}
	return res == 1
}

// Middleware limits requests keyed by keyFunc, typically client IP.
func (l *Limiter) Middleware(keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.Request.Context(), keyFunc(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
			return
		}
		c.Next()
	}
}

// luaScript implements a token bucket in Redis, storing remaining tokens and
// the last refill timestamp in a hash per key.
const luaScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  ts = now
else
  local delta = now - ts
  local add = math.floor(delta / interval)
  if add > 0 then
    tokens = math.min(tokens + add, capacity)
    ts = ts + add * interval
  end
end
local allowed = 0
if tokens > 0 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
redis.call('PEXPIRE', key, interval * capacity)
return allowed
`
