// Package ratelimit caps how many gateway calls a project makes per minute.
// Every instance shares one sliding window per project, kept in a Redis
// sorted set and updated by a single Lua script so check and insert are
// atomic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowScript admits one call when the window has room.
//
//	KEYS[1]  window key
//	ARGV[1]  now, ms
//	ARGV[2]  window, ms
//	ARGV[3]  limit
//	ARGV[4]  member id
//
// It returns {admitted (0|1), calls in window, ms until the oldest call
// leaves the window}.
var windowScript = redis.NewScript(`
local key, now, window, limit = KEYS[1], tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local wait = window
	if oldest[2] then
		wait = tonumber(oldest[2]) + window - now
	end
	return {0, count, wait}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RPMLimiter admits at most Limit calls per project in any rolling minute.
type RPMLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	seq    func() string
}

// NewRPMLimiter returns a limiter for limit calls per minute. A limit of zero
// or less rejects every call.
func NewRPMLimiter(rdb *redis.Client, limit int) *RPMLimiter {
	return &RPMLimiter{
		rdb:    rdb,
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
		seq:    uuid.NewString,
	}
}

func key(projectID string) string { return "ledger:rpm:" + projectID }

// Allow records a call for projectID if the window has room. When Redis
// cannot be reached the call is admitted and the error returned, so the
// ledger keeps recording while the limiter is down.
func (r *RPMLimiter) Allow(ctx context.Context, projectID string) (Decision, error) {
	if r.limit <= 0 {
		return Decision{Limit: r.limit, RetryAfter: r.window}, nil
	}

	now := r.now().UnixMilli()
	res, err := windowScript.Run(ctx, r.rdb,
		[]string{key(projectID)},
		now, r.window.Milliseconds(), r.limit, r.seq(),
	).Int64Slice()
	if err != nil {
		return Decision{Allowed: true, Limit: r.limit, Remaining: r.limit}, fmt.Errorf("ratelimit: %w", err)
	}
	if len(res) != 3 {
		return Decision{Allowed: true, Limit: r.limit, Remaining: r.limit}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	d := Decision{
		Allowed:    res[0] == 1,
		Limit:      r.limit,
		Remaining:  max(r.limit-int(res[1]), 0),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}
	return d, nil
}
