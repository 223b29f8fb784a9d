// Package cache provides the optional Redis fast path in front of event
// token issuance. Every method tolerates an absent or unreachable server;
// callers always fall through to the durable store on a miss.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"campusgate.org/internal/obs"
)

const tokenKeyPrefix = "campusgate:event-token:"

// Redis wraps a go-redis client as an attendance token cache.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the given address. An empty address returns a nil
// *Redis, which is safe to use: every method on a nil receiver is a no-op
// miss.
func NewRedis(addr, password string, db int) *Redis {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Redis{client: client}
}

// Healthy pings the server.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil {
		return false
	}
	return r.client.Ping(ctx).Err() == nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}

// GetEventToken returns the cached QR payload of an event, if present.
func (r *Redis) GetEventToken(ctx context.Context, eventID string) (string, bool) {
	if r == nil {
		return "", false
	}
	payload, err := r.client.Get(ctx, tokenKeyPrefix+eventID).Result()
	if err != nil {
		if err != redis.Nil {
			obs.LogEvent(map[string]any{"type": "cache", "op": "get", "error": err.Error()})
		}
		return "", false
	}
	return payload, true
}

// SetEventToken stores the QR payload with the token's remaining lifetime
// as TTL. Failures are logged and swallowed; the durable store is the
// source of truth.
func (r *Redis) SetEventToken(ctx context.Context, eventID, payload string, ttl time.Duration) {
	if r == nil || ttl <= 0 {
		return
	}
	if err := r.client.Set(ctx, tokenKeyPrefix+eventID, payload, ttl).Err(); err != nil {
		obs.LogEvent(map[string]any{"type": "cache", "op": "set", "error": err.Error()})
	}
}
