// Package session mirrors live connection state into Redis as observable
// operational state. The in-process chat layer stays authoritative; these
// records back the REST surface and expire on their own if a server dies
// without cleaning up.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all session hashes.
	KeyPrefix = "session:"

	// TTL is the time-to-live for session keys. Live connections refresh
	// it on every state change.
	TTL = 1 * time.Hour

	// Status values mirrored from the connection state machine.
	StatusWaiting      = "waiting"
	StatusMatched      = "matched"
	StatusDisconnected = "disconnected"
)

// Record is one connection's mirrored state.
type Record struct {
	ID          string `redis:"id"`
	Status      string `redis:"status"`       // waiting | matched | disconnected
	Partner     string `redis:"partner"`      // empty unless matched
	Server      string `redis:"server"`       // which server instance owns the connection
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	UpdatedAt   int64  `redis:"updated_at"`   // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create writes a fresh record in waiting status with the full TTL.
func (s *Store) Create(ctx context.Context, identity string) error {
	key := KeyPrefix + identity
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":           identity,
		"status":       StatusWaiting,
		"partner":      "",
		"server":       s.serverName,
		"connected_at": now,
		"updated_at":   now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, identity string) (*Record, error) {
	key := KeyPrefix + identity
	var record Record
	err := s.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.ID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// SetWaiting marks the record unpaired and refreshes the TTL.
func (s *Store) SetWaiting(ctx context.Context, identity string) error {
	return s.update(ctx, identity, StatusWaiting, "")
}

// SetMatched records the partner and refreshes the TTL.
func (s *Store) SetMatched(ctx context.Context, identity, partner string) error {
	return s.update(ctx, identity, StatusMatched, partner)
}

func (s *Store) update(ctx context.Context, identity, status, partner string) error {
	key := KeyPrefix + identity
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "partner", partner, "updated_at", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a record when its connection closes.
func (s *Store) Delete(ctx context.Context, identity string) error {
	return s.client.Del(ctx, KeyPrefix+identity).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
