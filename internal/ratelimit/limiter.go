// Package ratelimit throttles chat traffic with a fixed-window counter kept
// in Redis: INCR the identity's key, EXPIRE it on the first hit of each
// window.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// An identity gets messageLimit sends per messageWindow.
const (
	keyPrefix     = "rl:msg:"
	messageLimit  = 5
	messageWindow = 10 * time.Second
)

// Limiter decides whether an identity may send another chat message. Redis
// errors fail open so an outage never mutes the chat.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// AllowMessage increments the identity's window counter and reports whether
// the identity is still within its limit.
func (l *Limiter) AllowMessage(ctx context.Context, identity string) bool {
	key := keyPrefix + identity

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] INCR %s: %v (allowing)", key, err)
		return true
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, messageWindow).Err(); err != nil {
			log.Printf("[ratelimit] EXPIRE %s: %v (allowing)", key, err)
			// Without a TTL the counter never resets. Drop it rather than
			// mute the identity until Redis is flushed.
			l.client.Del(ctx, key)
			return true
		}
	}

	return count <= messageLimit
}
