// Package profile stores optional display profiles in Redis. Identities are
// opaque tokens; a profile gives one a human-readable name for matched
// announcements and the contacts listing.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for profile hashes.
	KeyPrefix = "profile:"

	// MaxNameLength bounds stored display names.
	MaxNameLength = 64
)

// Profile is one identity's stored display data.
type Profile struct {
	Identity  string `redis:"identity" json:"identity"`
	Name      string `redis:"name" json:"name"`
	UpdatedAt int64  `redis:"updated_at" json:"updated_at"`
}

// Store manages profiles in Redis.
type Store struct {
	client *redis.Client
}

// NewStore wraps an existing Redis client, letting the server share one
// connection pool across stores.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Set stores or replaces the identity's profile. Overlong names are rejected.
func (s *Store) Set(ctx context.Context, identity, name string) error {
	if name == "" {
		return fmt.Errorf("profile: name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("profile: name exceeds %d bytes", MaxNameLength)
	}

	key := KeyPrefix + identity
	return s.client.HSet(ctx, key,
		"identity", identity,
		"name", name,
		"updated_at", time.Now().Unix(),
	).Err()
}

// Get retrieves a profile. Returns nil if the identity has none.
func (s *Store) Get(ctx context.Context, identity string) (*Profile, error) {
	key := KeyPrefix + identity
	var p Profile
	if err := s.client.HGetAll(ctx, key).Scan(&p); err != nil {
		return nil, err
	}
	if p.Identity == "" {
		return nil, nil // not found
	}
	return &p, nil
}

// DisplayName resolves the identity's display name, falling back to
// "User <identity>" when no profile exists or Redis is unreachable.
// Lookups never fail; decoration is best-effort.
func (s *Store) DisplayName(ctx context.Context, identity string) string {
	p, err := s.Get(ctx, identity)
	if err != nil || p == nil || p.Name == "" {
		return "User " + identity
	}
	return p.Name
}
