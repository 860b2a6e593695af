// This file contains the PresenceStore interface and the in-memory
// LocalPresence implementation. Presence is the cluster-wide view of which
// instance holds connections for a user. It is a time-decaying view, never
// authoritative state: authoritative state is always the owning instance's
// Registry, and entries self-expire when their TTL lapses without a refresh.
package courier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PresenceEntry records that one connection for a user lives on an instance.
type PresenceEntry struct {
	UserID       string `json:"user_id"`
	InstanceID   string `json:"instance_id"`
	ConnectionID string `json:"connection_id"`
}

func (e PresenceEntry) key() string {
	return fmt.Sprintf("%s/%s/%s", e.UserID, e.InstanceID, e.ConnectionID)
}

// PresenceStore is the shared coordination store for cross-instance presence.
// All writes are additive and idempotent so concurrent instances never need a
// transaction; last-writer-wins on TTL refresh is acceptable because presence
// decays over time anyway.
type PresenceStore interface {
	// Track records an entry with the store's TTL. Tracking an entry that
	// already exists refreshes it.
	Track(ctx context.Context, entry PresenceEntry) error

	// Untrack removes an entry. Removing an absent entry is a no-op.
	Untrack(ctx context.Context, entry PresenceEntry) error

	// Lookup returns every live entry for userID across all instances.
	Lookup(ctx context.Context, userID string) ([]PresenceEntry, error)

	// RefreshOwned extends the TTL of every entry owned by instanceID.
	// Called periodically by the owning instance's heartbeat loop.
	RefreshOwned(ctx context.Context, instanceID string) error

	// FlushOwned removes every entry owned by instanceID. Called on clean
	// shutdown so peers do not wait out a TTL to learn the instance is gone.
	FlushOwned(ctx context.Context, instanceID string) error

	// Close releases any resources held by the store.
	Close() error
}

type presenceRecord struct {
	entry    PresenceEntry
	deadline time.Time
}

// LocalPresence is an in-memory PresenceStore for single-node deployments and
// tests. Entries expire ttl after their last Track or RefreshOwned; a ttl of
// zero disables expiry.
type LocalPresence struct {
	ttl     time.Duration
	records *store[presenceRecord]
}

// NewLocalPresence creates an in-memory presence store with the given TTL.
func NewLocalPresence(ttl time.Duration) *LocalPresence {
	return &LocalPresence{
		ttl:     ttl,
		records: newStore[presenceRecord](),
	}
}

func (l *LocalPresence) deadline() time.Time {
	if l.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(l.ttl)
}

func (l *LocalPresence) expired(rec presenceRecord) bool {
	return !rec.deadline.IsZero() && time.Now().After(rec.deadline)
}

func (l *LocalPresence) Track(ctx context.Context, entry PresenceEntry) error {
	if err := ctx.Err(); err != nil {
		return wrap(err, "presence track cancelled")
	}
	l.records.Upsert(entry.key(), presenceRecord{
		entry:    entry,
		deadline: l.deadline(),
	})

	return nil
}

func (l *LocalPresence) Untrack(ctx context.Context, entry PresenceEntry) error {
	if err := ctx.Err(); err != nil {
		return wrap(err, "presence untrack cancelled")
	}
	if err := l.records.Delete(entry.key()); err != nil {
		var e *Error
		if errors.As(err, &e) && e.Code == StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

func (l *LocalPresence) Lookup(ctx context.Context, userID string) ([]PresenceEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(err, "presence lookup cancelled")
	}
	entries := make([]PresenceEntry, 0)

	for key, rec := range l.records.List() {
		if rec.entry.UserID != userID {
			continue
		}
		if l.expired(rec) {
			_ = l.records.Delete(key)

			continue
		}
		entries = append(entries, rec.entry)
	}
	return entries, nil
}

func (l *LocalPresence) RefreshOwned(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return wrap(err, "presence refresh cancelled")
	}
	for key, rec := range l.records.List() {
		if rec.entry.InstanceID != instanceID || l.expired(rec) {
			continue
		}
		rec.deadline = l.deadline()

		l.records.Upsert(key, rec)
	}
	return nil
}

func (l *LocalPresence) FlushOwned(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return wrap(err, "presence flush cancelled")
	}
	for key, rec := range l.records.List() {
		if rec.entry.InstanceID == instanceID {
			_ = l.records.Delete(key)
		}
	}
	return nil
}

func (l *LocalPresence) Close() error {
	return nil
}
