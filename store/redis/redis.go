// Package redis provides a Redis-backed editqueue.UsageLedger.
//
// Each user's current month lives in one hash. Increments run as a Lua script
// so the month rollover and the counter update are a single atomic step,
// which makes it safe for multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/editqueue"
)

// Ledger is a Redis-backed UsageLedger.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
	freeLimit int64
	now       func() time.Time
}

var _ editqueue.UsageLedger = (*Ledger)(nil)

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "editqueue:usage:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// WithFreeLimit sets the monthly free allowance (default 1000).
func WithFreeLimit(n int64) Option {
	return func(l *Ledger) { l.freeLimit = n }
}

// WithClock overrides the time source used for month keys.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a new Redis-backed ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "editqueue:usage:",
		freeLimit: editqueue.DefaultMonthlyFreeLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) userKey(userID string) string {
	return l.keyPrefix + userID
}

// incrementScript atomically rolls the month over and increments.
// KEYS[1] = user hash key
// ARGV[1] = current month (YYYY-MM)
// ARGV[2] = free increment
// ARGV[3] = paid increment
// ARGV[4] = cost
// ARGV[5] = now (unix millis)
var incrementScript = goredis.NewScript(`
local key = KEYS[1]
local month = ARGV[1]
local now = ARGV[5]

-- Lazy monthly reset
local current = redis.call("HGET", key, "month")
if current ~= month then
    redis.call("HSET", key,
        "month", month,
        "free_requests", "0",
        "paid_requests", "0",
        "total_cost", "0",
        "last_reset", now)
end

redis.call("HINCRBY", key, "free_requests", tonumber(ARGV[2]))
redis.call("HINCRBY", key, "paid_requests", tonumber(ARGV[3]))
redis.call("HINCRBY", key, "total_cost", tonumber(ARGV[4]))
redis.call("HSET", key, "updated_at", now)
return 1
`)

// IncrementUsage adds one request and cost to the current month.
func (l *Ledger) IncrementUsage(ctx context.Context, userID string, free bool, cost int64) error {
	now := l.now().UTC()
	var freeInc, paidInc int64
	if free {
		freeInc = 1
	} else {
		paidInc = 1
	}

	_, err := incrementScript.Run(ctx, l.client,
		[]string{l.userKey(userID)},
		editqueue.MonthOf(now), freeInc, paidInc, cost, now.UnixMilli(),
	).Result()
	if err != nil {
		return fmt.Errorf("editqueue/redis: increment usage: %w", err)
	}
	return nil
}

// Usage returns the user's current-month row. A stale month reads as zero (read-only).
func (l *Ledger) Usage(ctx context.Context, userID string) (editqueue.Usage, error) {
	month := editqueue.MonthOf(l.now())

	vals, err := l.client.HMGet(ctx, l.userKey(userID),
		"month", "free_requests", "paid_requests", "total_cost", "last_reset", "updated_at").Result()
	if err != nil {
		return editqueue.Usage{}, fmt.Errorf("editqueue/redis: usage: %w", err)
	}

	zero := editqueue.Usage{UserID: userID, Month: month}
	if vals[0] == nil || str(vals[0]) != month {
		return zero, nil
	}

	return editqueue.Usage{
		UserID:       userID,
		Month:        month,
		FreeRequests: num(vals[1]),
		PaidRequests: num(vals[2]),
		TotalCost:    num(vals[3]),
		LastReset:    time.UnixMilli(num(vals[4])).UTC(),
		UpdatedAt:    time.UnixMilli(num(vals[5])).UTC(),
	}, nil
}

// Quota returns the user's free allowance for the current month.
func (l *Ledger) Quota(ctx context.Context, userID string) (editqueue.Quota, error) {
	u, err := l.Usage(ctx, userID)
	if err != nil {
		return editqueue.Quota{}, err
	}
	return editqueue.NewQuota(u.FreeRequests, l.freeLimit), nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	n, _ := strconv.ParseInt(str(v), 10, 64)
	return n
}
