// Package ratelimit caps how many generations a user can request per hour.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const window = time.Hour

// Quota is the outcome of one reservation in the current hourly window.
type Quota struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// Remaining is the number of generations left in the window. Zero for
// unlimited quotas.
func (q Quota) Remaining() int64 {
	if q.Limit <= 0 || q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// Limiter counts generations per user in calendar-hour windows (UTC).
// A nil limiter, a nil client or a non-positive limit never refuses.
type Limiter struct {
	redis  *redis.Client
	limit  int64
	prefix string
}

func New(rdb *redis.Client, limit int64) *Limiter {
	return &Limiter{redis: rdb, limit: limit, prefix: "ensaigpt:generations"}
}

// Reserve takes one generation from the user's budget. A refused reservation
// is handed back, so retrying after the limit does not push the count up.
func (l *Limiter) Reserve(ctx context.Context, userID int64, now time.Time) (Quota, error) {
	start := now.UTC().Truncate(window)
	q := Quota{Allowed: true, ResetAt: start.Add(window)}
	if l == nil || l.redis == nil || l.limit <= 0 {
		return q, nil
	}
	q.Limit = l.limit

	key := l.key(userID, start)
	var incr *redis.IntCmd
	if _, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, q.ResetAt)
		return nil
	}); err != nil {
		return Quota{}, fmt.Errorf("reserve generation: %w", err)
	}

	q.Used = incr.Val()
	if q.Used <= l.limit {
		return q, nil
	}
	if err := l.redis.Decr(ctx, key).Err(); err != nil {
		return Quota{}, fmt.Errorf("release refused generation: %w", err)
	}
	q.Allowed = false
	q.Used = l.limit
	return q, nil
}

func (l *Limiter) key(userID int64, windowStart time.Time) string {
	return fmt.Sprintf("%s:%d:%s", l.prefix, userID, windowStart.Format("2006010215"))
}
