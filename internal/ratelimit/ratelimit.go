// Package ratelimit provides atomic per-tenant send rate limiting using
// Redis Lua scripts. The GET → check → INCR pattern races under concurrent
// workers for the same tenant; the Lua script checks every window and
// increments all counters in one atomic step, so the window ceilings are
// enforced exactly.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parcelpost/relay/internal/domain"
)

// Window identifies which ceiling denied a send.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Limiter enforces per-tenant per-minute/hour/day send ceilings.
type Limiter struct {
	redis *redis.Client

	// Pre-compiled Lua script for atomicity
	script *redis.Script

	// now is injected by tests for window bucketing control.
	now func() time.Time
}

// Lua script for atomic multi-window rate limit check.
// Checks all windows BEFORE incrementing; increments only when all pass.
const multiWindowScript = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local dayKey = KEYS[3]
local increment = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])
local hourLimit = tonumber(ARGV[3])
local dayLimit = tonumber(ARGV[4])

local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local hrCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if minuteLimit > 0 and minCurrent + increment > minuteLimit then
    return {0, 1, minCurrent}
end
if hourLimit > 0 and hrCurrent + increment > hourLimit then
    return {0, 2, hrCurrent}
end
if dayLimit > 0 and dayCurrent + increment > dayLimit then
    return {0, 3, dayCurrent}
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, 120)
end

local newHr = redis.call("INCRBY", hourKey, increment)
if newHr == increment then
    redis.call("EXPIRE", hourKey, 7200)
end

local newDay = redis.call("INCRBY", dayKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dayKey, 90000)
end

return {1, 0, newDay}
`

// NewLimiter creates a limiter with a pre-compiled Lua script.
func NewLimiter(redisClient *redis.Client) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(multiWindowScript),
		now:    time.Now,
	}
}

// Result is the outcome of one check-and-increment.
type Result struct {
	Allowed bool
	// Window is the ceiling that denied the send (empty when allowed).
	Window Window
	// Current is the counter value observed in the denying window, or the
	// new daily total when allowed.
	Current int64
}

func (l *Limiter) keys(tenantID string) []string {
	now := l.now()
	return []string{
		fmt.Sprintf("relay:ratelimit:%s:min:%d", tenantID, now.Unix()/60),
		fmt.Sprintf("relay:ratelimit:%s:hr:%d", tenantID, now.Unix()/3600),
		fmt.Sprintf("relay:ratelimit:%s:day:%s", tenantID, now.UTC().Format("2006-01-02")),
	}
}

// CheckAndIncrement atomically checks the tenant's send ceilings and, if all
// pass, increments every window counter by count.
func (l *Limiter) CheckAndIncrement(ctx context.Context, tenantID string, policy domain.RateLimitPolicy, count int) (Result, error) {
	raw, err := l.script.Run(ctx, l.redis, l.keys(tenantID),
		count,
		policy.PerMinute,
		policy.PerHour,
		policy.PerDay,
	).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit check for %s: %w", tenantID, err)
	}

	allowed := raw[0].(int64) == 1
	res := Result{Allowed: allowed, Current: raw[2].(int64)}
	if !allowed {
		switch raw[1].(int64) {
		case 1:
			res.Window = WindowMinute
		case 2:
			res.Window = WindowHour
		case 3:
			res.Window = WindowDay
		}
	}
	return res, nil
}

// Usage returns the tenant's current counters across all windows, for
// observability endpoints.
func (l *Limiter) Usage(ctx context.Context, tenantID string) (map[string]int64, error) {
	keys := l.keys(tenantID)

	pipe := l.redis.Pipeline()
	minCmd := pipe.Get(ctx, keys[0])
	hrCmd := pipe.Get(ctx, keys[1])
	dayCmd := pipe.Get(ctx, keys[2])
	pipe.Exec(ctx)

	minute, _ := minCmd.Int64()
	hour, _ := hrCmd.Int64()
	day, _ := dayCmd.Int64()

	return map[string]int64{
		"minute": minute,
		"hour":   hour,
		"day":    day,
	}, nil
}
