package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// WebhookDeduplicator is a fast path that drops redelivered webhooks before they
// reach the store. The per-record event keys remain the source of truth.
type WebhookDeduplicator interface {
	// Claim returns false when key was already claimed within the retention window.
	Claim(ctx context.Context, key string) bool
	// Release forgets key so a failed delivery can be processed on retry.
	Release(ctx context.Context, key string)
}

type noopDeduplicator struct{}

func (noopDeduplicator) Claim(ctx context.Context, key string) bool { return true }
func (noopDeduplicator) Release(ctx context.Context, key string) {}

// RedisWebhookDeduplicator claims webhook keys with SET NX and a TTL.
type RedisWebhookDeduplicator struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisWebhookDeduplicator creates a Redis-backed deduplicator.
func NewRedisWebhookDeduplicator(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWebhookDeduplicator {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "accessedu:subscriptions"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisWebhookDeduplicator{client: client, prefix: trimmedPrefix + ":webhook", ttl: ttl}
}

func (d *RedisWebhookDeduplicator) Claim(ctx context.Context, key string) bool {
	if d == nil || d.client == nil || key == "" {
		return true
	}
	ok, err := d.client.SetNX(ctx, d.prefix+":"+key, 1, d.ttl).Result()
	if err != nil {
		// Fail open: the store-level idempotency check still applies.
		log.Printf("level=warn component=webhook_dedup msg=\"redis claim failed\" err=%v", err)
		return true
	}
	return ok
}

func (d *RedisWebhookDeduplicator) Release(ctx context.Context, key string) {
	if d == nil || d.client == nil || key == "" {
		return
	}
	if err := d.client.Del(ctx, d.prefix+":"+key).Err(); err != nil {
		log.Printf("level=warn component=webhook_dedup msg=\"redis release failed\" err=%v", err)
	}
}
