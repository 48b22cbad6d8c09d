// Package guard stops a task from firing twice for the same minute, e.g. when
// a slow dispatch overlaps the next tick or two replicas share a store.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Guard interface {
	// Acquire returns true when the caller owns key for ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// FiringKey identifies one firing of a task, truncated to the minute.
func FiringKey(taskID string, at time.Time) string {
	return fmt.Sprintf("firing:%s:%d", taskID, at.UTC().Truncate(time.Minute).Unix())
}

// Local is an in-process TTL set.
type Local struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweepLocked(now)
	if exp, ok := l.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.entries[key] = now.Add(ttl)
	return true, nil
}

func (l *Local) sweepLocked(now time.Time) {
	for k, exp := range l.entries {
		if !now.Before(exp) {
			delete(l.entries, k)
		}
	}
}

// Redis uses SET NX so replicas pointed at the same store share the guard.
type Redis struct {
	Client *redis.Client
	Prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, r.Prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
