package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis and cleans up its keys. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		for _, pattern := range []string{"rl:msg:test_*", "rl:conn:test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	id := fmt.Sprintf("test_within_%d", time.Now().UnixNano())

	for i := 0; i < RuleMessage.Limit; i++ {
		allowed, err := limiter.Allow(ctx, id, RuleMessage)
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d blocked within limit %d", i+1, RuleMessage.Limit)
		}
	}
}

func TestBlocksOverLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	id := fmt.Sprintf("test_over_%d", time.Now().UnixNano())

	for i := 0; i < RuleMessage.Limit; i++ {
		limiter.Allow(ctx, id, RuleMessage)
	}

	allowed, err := limiter.Allow(ctx, id, RuleMessage)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Errorf("request %d allowed past limit %d", RuleMessage.Limit+1, RuleMessage.Limit)
	}
}

// Separate identifiers never share a window.
func TestIdentifiersIsolated(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	busy := fmt.Sprintf("test_busy_%d", time.Now().UnixNano())
	idle := fmt.Sprintf("test_idle_%d", time.Now().UnixNano())

	for i := 0; i <= RuleMessage.Limit; i++ {
		limiter.Allow(ctx, busy, RuleMessage)
	}

	allowed, err := limiter.Allow(ctx, idle, RuleMessage)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !allowed {
		t.Error("idle identifier throttled by busy one")
	}
}
