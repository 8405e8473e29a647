package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_EnforcesLimit(t *testing.T) {
	limiter, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}
	id := "allow_" + time.Now().Format("150405.000000")

	for i := 0; i < rule.Limit; i++ {
		ok, err := limiter.Allow(ctx, id, rule)
		if err != nil || !ok {
			t.Fatalf("request %d: Allow() = %v, %v; want allowed", i+1, ok, err)
		}
	}
	ok, err := limiter.Allow(ctx, id, rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected request over the limit to be rejected")
	}

	ttl := client.TTL(ctx, rule.Key+id).Val()
	if ttl <= 0 || ttl > rule.Window {
		t.Errorf("unexpected window TTL %v", ttl)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	limiter := NewLimiter(client)

	ok, err := limiter.Allow(context.Background(), "anyone", RuleChat)
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if !ok {
		t.Error("expected the limiter to fail open")
	}
}
