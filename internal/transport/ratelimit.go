package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/campaign-delivery/internal/domain"
	"github.com/ignite/campaign-delivery/internal/pkg/logger"
	"github.com/ignite/campaign-delivery/internal/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// RateLimit caps sends through one transport. Zero fields are unlimited.
type RateLimit struct {
	PerSecond int
	PerMinute int
	Daily     int
}

// IsZero reports whether no limit is set.
func (l RateLimit) IsZero() bool {
	return l.PerSecond <= 0 && l.PerMinute <= 0 && l.Daily <= 0
}

// unlimited stands in for a zero limit inside the script.
const unlimited = 1 << 30

func (l RateLimit) orUnlimited(v int) int {
	if v <= 0 {
		return unlimited
	}
	return v
}

// Checks all three windows and increments only if every one has room, so
// concurrent drains on different hosts cannot overshoot between GET and INCR.
const rateLimitScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])
local dailyLimit = tonumber(ARGV[4])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secCurrent + increment > secondLimit then
    return {0, 1, secCurrent}
end
if minCurrent + increment > minuteLimit then
    return {0, 2, minCurrent}
end
if dayCurrent + increment > dailyLimit then
    return {0, 3, dayCurrent}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, 2)
end
local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, 120)
end
local newDay = redis.call("INCRBY", dailyKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dailyKey, 90000)
end

return {1, 0, newDay}
`

// denial reasons returned by rateLimitScript
const (
	deniedSecond = 1
	deniedMinute = 2
	deniedDaily  = 3
)

// RateLimitedSender holds each send until the shared Redis counters for the
// transport have room. Second and minute denials wait; an exhausted daily
// quota fails the message so the queue retries it later.
type RateLimitedSender struct {
	next   Sender
	redis  *redis.Client
	script *redis.Script
	name   string
	limit  RateLimit
	now    func() time.Time
}

// NewRateLimitedSender wraps next. name scopes the Redis keys, so every
// process sending through the same relay must use the same name.
func NewRateLimitedSender(next Sender, client *redis.Client, name string, limit RateLimit) *RateLimitedSender {
	return &RateLimitedSender{
		next:   next,
		redis:  client,
		script: redis.NewScript(rateLimitScript),
		name:   name,
		limit:  limit,
		now:    time.Now,
	}
}

// Send implements Sender.
func (r *RateLimitedSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	for {
		allowed, wait, err := r.take(ctx)
		if err != nil {
			return nil, err
		}
		if allowed {
			return r.next.Send(ctx, msg)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, MessageError(fmt.Errorf("rate limit wait: %w", ctx.Err()))
		case <-timer.C:
		}
	}
}

// take reserves one send. Redis errors let the send through; losing the
// limiter must not stop delivery.
func (r *RateLimitedSender) take(ctx context.Context) (bool, time.Duration, error) {
	now := r.now()
	res, err := r.script.Run(ctx, r.redis, r.keys(now),
		1,
		r.limit.orUnlimited(r.limit.PerSecond),
		r.limit.orUnlimited(r.limit.PerMinute),
		r.limit.orUnlimited(r.limit.Daily),
	).Slice()
	if err != nil {
		logger.Warn("rate limit check failed, sending anyway", "transport", r.name, "error", err.Error())
		return true, 0, nil
	}

	if allowed, _ := res[0].(int64); allowed == 1 {
		return true, 0, nil
	}
	reason, _ := res[1].(int64)
	switch reason {
	case deniedSecond:
		metrics.SendsThrottled.WithLabelValues("second").Inc()
		return false, time.Second - time.Duration(now.Nanosecond()), nil
	case deniedMinute:
		metrics.SendsThrottled.WithLabelValues("minute").Inc()
		return false, time.Duration(60-now.Second()) * time.Second, nil
	case deniedDaily:
		metrics.SendsThrottled.WithLabelValues("daily").Inc()
		return false, 0, MessageError(fmt.Errorf("daily send limit of %d reached for %s", r.limit.Daily, r.name))
	default:
		return false, 0, fmt.Errorf("rate limit: unexpected reply %v", res)
	}
}

func (r *RateLimitedSender) keys(now time.Time) []string {
	return []string{
		fmt.Sprintf("ratelimit:%s:sec:%d", r.name, now.Unix()),
		fmt.Sprintf("ratelimit:%s:min:%d", r.name, now.Unix()/60),
		fmt.Sprintf("ratelimit:%s:day:%s", r.name, now.UTC().Format("2006-01-02")),
	}
}

// Usage returns the current window counts.
func (r *RateLimitedSender) Usage(ctx context.Context) map[string]int64 {
	now := r.now()
	pipe := r.redis.Pipeline()
	keys := r.keys(now)
	secCmd := pipe.Get(ctx, keys[0])
	minCmd := pipe.Get(ctx, keys[1])
	dayCmd := pipe.Get(ctx, keys[2])
	pipe.Exec(ctx)

	s, _ := secCmd.Int64()
	m, _ := minCmd.Int64()
	d, _ := dayCmd.Int64()
	return map[string]int64{
		"second_current": s,
		"minute_current": m,
		"daily_current":  d,
	}
}
