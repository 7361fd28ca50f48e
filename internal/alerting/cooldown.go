package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownStore 按 key 抢占冷却窗口；返回 true 表示本次可以发送。
type CooldownStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryCooldown 是进程内冷却表。
type MemoryCooldown struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
	calls   int
}

// NewMemoryCooldown 构造进程内冷却表。
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{expires: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryCooldown) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.calls++
	if m.calls%256 == 0 {
		for k, exp := range m.expires {
			if !now.Before(exp) {
				delete(m.expires, k)
			}
		}
	}
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

// RedisCooldown 通过 SET NX 在多个实例间共享冷却窗口。
type RedisCooldown struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCooldown 构造 Redis 冷却表。
func NewRedisCooldown(client redis.Cmdable, prefix string) *RedisCooldown {
	if prefix == "" {
		prefix = "manipwatch:cooldown:"
	}
	return &RedisCooldown{client: client, prefix: prefix}
}

func (r *RedisCooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis cooldown %s: %w", key, err)
	}
	return ok, nil
}

var (
	_ CooldownStore = (*MemoryCooldown)(nil)
	_ CooldownStore = (*RedisCooldown)(nil)
)
