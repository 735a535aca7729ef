// Package dedupe suppresses duplicate position packets. APRS-IS commonly
// delivers the same packet more than once when several igates hear the same
// transmission; suppressing repeats within a short window keeps the broadcast
// stream clean without affecting genuinely new positions.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the suppression window. APRS duplicates arrive within a few
// seconds of each other.
const DefaultTTL = 30 * time.Second

// Suppressor reports whether a packet key was already seen within the window.
type Suppressor interface {
	// Seen marks the key and reports whether it was already present.
	Seen(ctx context.Context, key string) bool
	Close() error
}

type memorySuppressor struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemory returns an in-process suppressor for single-instance deployments.
func NewMemory(ttl time.Duration) Suppressor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &memorySuppressor{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (m *memorySuppressor) Seen(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, ok := m.seen[key]; ok && now.Before(expiry) {
		return true
	}

	// Prune opportunistically; the map stays small at single-digit packet
	// rates but an unbounded feed burst should not leak.
	if len(m.seen) > 4096 {
		for k, expiry := range m.seen {
			if now.After(expiry) {
				delete(m.seen, k)
			}
		}
	}

	m.seen[key] = now.Add(m.ttl)
	return false
}

func (m *memorySuppressor) Close() error { return nil }

type redisSuppressor struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a Redis-backed suppressor so multiple server instances
// sharing one broker also share the suppression window.
func NewRedis(addr string, ttl time.Duration) (Suppressor, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &redisSuppressor{client: client, ttl: ttl}, nil
}

func (r *redisSuppressor) Seen(ctx context.Context, key string) bool {
	set, err := r.client.SetNX(ctx, "resqlink:dup:"+key, 1, r.ttl).Result()
	if err != nil {
		// Treat a broken cache as "not seen": a rare duplicate broadcast
		// beats dropping live packets.
		return false
	}
	return !set
}

func (r *redisSuppressor) Close() error { return r.client.Close() }
