package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	denyKeyPrefix   = "rl:deny:"
	allowKeyPrefix  = "rl:allow:"
	strikeKeyPrefix = "rl:strikes:"
)

// ListEntry is the metadata stored with an allow- or deny-list membership.
type ListEntry struct {
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListStore keeps the per-client allow and deny lists in the shared store so
// every service instance sees the same memberships. Each entry is a single
// key, so mutation is atomic per identity; there is no cross-entry
// transactional relationship.
type ListStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewListStore creates a list store on top of the shared store client.
func NewListStore(client *redis.Client, now func() time.Time) *ListStore {
	return &ListStore{client: client, now: now}
}

// Allow adds the identity to the allow list. A zero ttl makes the entry
// permanent until removed.
func (s *ListStore) Allow(ctx context.Context, identity, reason string, ttl time.Duration) error {
	return s.set(ctx, allowKeyPrefix+identity, reason, ttl)
}

// Deny adds the identity to the deny list.
func (s *ListStore) Deny(ctx context.Context, identity, reason string, ttl time.Duration) error {
	return s.set(ctx, denyKeyPrefix+identity, reason, ttl)
}

// RemoveAllow deletes the identity from the allow list.
func (s *ListStore) RemoveAllow(ctx context.Context, identity string) error {
	return s.remove(ctx, allowKeyPrefix+identity)
}

// RemoveDeny deletes the identity from the deny list.
func (s *ListStore) RemoveDeny(ctx context.Context, identity string) error {
	return s.remove(ctx, denyKeyPrefix+identity)
}

// GetAllow returns the active allow-list entry for the identity, or nil.
func (s *ListStore) GetAllow(ctx context.Context, identity string) (*ListEntry, error) {
	return s.get(ctx, allowKeyPrefix+identity)
}

// GetDeny returns the active deny-list entry for the identity, or nil.
func (s *ListStore) GetDeny(ctx context.Context, identity string) (*ListEntry, error) {
	return s.get(ctx, denyKeyPrefix+identity)
}

func (s *ListStore) set(ctx context.Context, key, reason string, ttl time.Duration) error {
	entry := ListEntry{Reason: reason, CreatedAt: s.now().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode list entry for key %v: %w", key, err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write list entry for key %v: %w", key, err)
	}
	return nil
}

func (s *ListStore) remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete list entry for key %v: %w", key, err)
	}
	return nil
}

func (s *ListStore) get(ctx context.Context, key string) (*ListEntry, error) {
	payload, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read list entry for key %v: %w", key, err)
	}
	var entry ListEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode list entry for key %v: %w", key, err)
	}
	return &entry, nil
}
