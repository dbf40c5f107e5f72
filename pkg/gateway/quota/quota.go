// Package quota enforces the daily playlist-creation allowance as a plain
// yes/no gate. The gate answers the question; messaging and billing live
// elsewhere.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultDailyLimit is how many playlists a user may create per day.
	DefaultDailyLimit = 5

	keyPrefix = "melody:quota:playlist:"

	// Keys carry the date, so the TTL only needs to outlive the day it
	// belongs to before cleanup.
	keyTTL = 48 * time.Hour
)

// Gate answers whether the user may create another playlist right now.
type Gate interface {
	Allow(ctx context.Context, userRef string) (bool, error)
}

// Unlimited is a Gate that always allows; used when no limit is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }

func dayKey(userRef string, t time.Time) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, userRef, t.UTC().Format("2006-01-02"))
}

// RedisGate counts creations per user per UTC day in Redis.
type RedisGate struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

// NewRedisGate creates a gate backed by the given client. A non-positive
// limit falls back to DefaultDailyLimit.
func NewRedisGate(client *redis.Client, limit int) *RedisGate {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &RedisGate{client: client, limit: limit, now: time.Now}
}

func (g *RedisGate) Allow(ctx context.Context, userRef string) (bool, error) {
	key := dayKey(userRef, g.now())
	n, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("quota: incr: %w", err)
	}
	if n == 1 {
		if err := g.client.Expire(ctx, key, keyTTL).Err(); err != nil {
			return false, fmt.Errorf("quota: expire: %w", err)
		}
	}
	return n <= int64(g.limit), nil
}

// MemoryGate is the in-process fallback when Redis is not configured. Counts
// reset when the UTC day changes and do not survive restarts.
type MemoryGate struct {
	mu     sync.Mutex
	limit  int
	now    func() time.Time
	day    string
	counts map[string]int
}

// NewMemoryGate creates an in-memory gate.
func NewMemoryGate(limit int) *MemoryGate {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &MemoryGate{limit: limit, now: time.Now, counts: make(map[string]int)}
}

func (g *MemoryGate) Allow(_ context.Context, userRef string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	day := g.now().UTC().Format("2006-01-02")
	if day != g.day {
		g.day = day
		g.counts = make(map[string]int)
	}
	g.counts[userRef]++
	return g.counts[userRef] <= g.limit, nil
}
