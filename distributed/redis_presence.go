// This file contains the Redis-backed PresenceStore. Presence lives in
// short-lived Redis keys: one connection set per (user, instance) pair plus
// two index sets, all carrying the presence TTL. An instance that stops
// refreshing simply ages out, so a crashed peer never leaves permanent
// ghost entries behind.
package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seamchat/courier"
)

// RedisPresence implements the courier PresenceStore interface using Redis.
//
// Key layout:
//
//	courier:presence:conns:<user>:<instance>  SET of connection ids, TTL
//	courier:presence:users:<user>             SET of instance ids, TTL
//	courier:presence:owned:<instance>         SET of user ids, TTL
//
// Instance ids must not contain ':'. The default uuid instance ids never do.
// A TTL of zero or less disables expiry.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPresence creates a Redis-based presence store with the given TTL.
// The provided Redis client should be properly configured and connected;
// the client is owned by the caller and is not closed by Close.
func NewRedisPresence(ctx context.Context, client *redis.Client, ttl time.Duration) (*RedisPresence, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisPresence{
		client: client,
		ttl:    ttl,
	}, nil
}

func connsKey(userID, instanceID string) string {
	return fmt.Sprintf("courier:presence:conns:%s:%s", userID, instanceID)
}

func userKey(userID string) string {
	return fmt.Sprintf("courier:presence:users:%s", userID)
}

func ownedKey(instanceID string) string {
	return fmt.Sprintf("courier:presence:owned:%s", instanceID)
}

// Track records an entry and refreshes the TTL on every key it touches.
// Tracking an entry that already exists is an idempotent refresh.
func (r *RedisPresence) Track(ctx context.Context, entry courier.PresenceEntry) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, connsKey(entry.UserID, entry.InstanceID), entry.ConnectionID)
		pipe.SAdd(ctx, userKey(entry.UserID), entry.InstanceID)
		pipe.SAdd(ctx, ownedKey(entry.InstanceID), entry.UserID)

		if r.ttl > 0 {
			pipe.Expire(ctx, connsKey(entry.UserID, entry.InstanceID), r.ttl)
			pipe.Expire(ctx, userKey(entry.UserID), r.ttl)
			pipe.Expire(ctx, ownedKey(entry.InstanceID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track presence: %w", err)
	}
	return nil
}

// Untrack removes one connection. When it was the user's last connection on
// this instance the (user, instance) pair is dropped from the index sets.
// Removing an absent entry is a no-op.
func (r *RedisPresence) Untrack(ctx context.Context, entry courier.PresenceEntry) error {
	if err := r.client.SRem(ctx, connsKey(entry.UserID, entry.InstanceID), entry.ConnectionID).Err(); err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}
	remaining, err := r.client.SCard(ctx, connsKey(entry.UserID, entry.InstanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connsKey(entry.UserID, entry.InstanceID))
		pipe.SRem(ctx, userKey(entry.UserID), entry.InstanceID)
		pipe.SRem(ctx, ownedKey(entry.InstanceID), entry.UserID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}
	return nil
}

// Lookup returns every live entry for userID across all instances. An
// instance listed in the user index whose connection set has expired is
// lazily removed from the index on the way through.
func (r *RedisPresence) Lookup(ctx context.Context, userID string) ([]courier.PresenceEntry, error) {
	instances, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up presence: %w", err)
	}
	entries := make([]courier.PresenceEntry, 0)

	for _, instanceID := range instances {
		conns, err := r.client.SMembers(ctx, connsKey(userID, instanceID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to look up presence: %w", err)
		}
		if len(conns) == 0 {
			_ = r.client.SRem(ctx, userKey(userID), instanceID).Err()

			continue
		}
		for _, connectionID := range conns {
			entries = append(entries, courier.PresenceEntry{
				UserID:       userID,
				InstanceID:   instanceID,
				ConnectionID: connectionID,
			})
		}
	}
	return entries, nil
}

// RefreshOwned extends the TTL of every key belonging to instanceID. The
// user index keys are refreshed too so they outlive the connection sets
// they point at.
func (r *RedisPresence) RefreshOwned(ctx context.Context, instanceID string) error {
	if r.ttl <= 0 {
		return nil
	}
	users, err := r.client.SMembers(ctx, ownedKey(instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, ownedKey(instanceID), r.ttl)

		for _, userID := range users {
			pipe.Expire(ctx, connsKey(userID, instanceID), r.ttl)
			pipe.Expire(ctx, userKey(userID), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// FlushOwned removes every entry owned by instanceID so peers see the
// instance disappear immediately instead of waiting out the TTL.
func (r *RedisPresence) FlushOwned(ctx context.Context, instanceID string) error {
	users, err := r.client.SMembers(ctx, ownedKey(instanceID)).Result()
	if err != nil {
		return fmt.Errorf("failed to flush presence: %w", err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range users {
			pipe.Del(ctx, connsKey(userID, instanceID))
			pipe.SRem(ctx, userKey(userID), instanceID)
		}
		pipe.Del(ctx, ownedKey(instanceID))

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to flush presence: %w", err)
	}
	return nil
}

// Close releases resources held by the store. The Redis client itself is
// left open for the caller.
func (r *RedisPresence) Close() error {
	return nil
}
