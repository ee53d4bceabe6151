package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/R3E-Network/chat_layer/internal/clock"
)

// touchScript prunes, counts and conditionally records one attempt in a
// sorted set scored by epoch milliseconds.
//
// KEYS[1] set key; ARGV now_ms, window_ms, limit, member.
// Returns {allowed, retained, reset_ms}.
var touchScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end

local reset = now
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
  redis.call('PEXPIRE', key, window)
end
return {allowed, count, reset}
`)

// RedisBackend shares limiter state across processes through Redis.
type RedisBackend struct {
	client redis.UniversalClient
	clock  clock.Clock
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a backend over client. Keys are "<prefix><bucket>:<subject>".
func NewRedisBackend(client redis.UniversalClient, c clock.Clock, prefix string) *RedisBackend {
	if c == nil {
		c = clock.Real{}
	}
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisBackend{client: client, clock: c, prefix: prefix}
}

func (r *RedisBackend) Name() string { return "redis" }

// Touch implements Backend.
func (r *RedisBackend) Touch(ctx context.Context, req Request) (Result, error) {
	now := r.clock.Now()
	key := r.prefix + req.Bucket + ":" + req.Subject

	vals, err := touchScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(), req.Window.Milliseconds(), req.Limit, uuid.NewString()).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis touch %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("redis touch %s: unexpected reply %v", key, vals)
	}

	allowed, ok1 := vals[0].(int64)
	count, ok2 := vals[1].(int64)
	reset, ok3 := vals[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Result{}, fmt.Errorf("redis touch %s: unexpected reply %v", key, vals)
	}

	res := Result{Allowed: allowed == 1, ResetAt: time.UnixMilli(reset).UTC()}
	if res.Allowed {
		res.Remaining = req.Limit - int(count)
	}
	return res, nil
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
