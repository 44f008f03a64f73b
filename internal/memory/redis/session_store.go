// Package redis implements the session store on Redis. The per-owner
// current-project pointer is small, hot and overwrite-only, which suits a
// Redis hash better than a Postgres round trip on every tool call.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/recall/internal/memory"
)

const keyPrefix = "recall:session:"

// SessionStore implements memory.SessionStore on a Redis hash per owner.
type SessionStore struct {
	client *redis.Client
}

// NewSessionStore creates a SessionStore over an existing client.
func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

// UpsertSession overwrites the owner's session hash and refreshes
// last-active. Idempotent.
func (s *SessionStore) UpsertSession(ctx context.Context, owner, project string) (*memory.SessionContext, error) {
	now := time.Now().UTC()
	key := keyPrefix + owner

	err := s.client.HSet(ctx, key, map[string]any{
		"current_project": project,
		"last_active":     now.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}

	return &memory.SessionContext{OwnerID: owner, Project: project, LastActive: now}, nil
}

// GetSession returns the owner's session, or the default session when the
// owner never switched project.
func (s *SessionStore) GetSession(ctx context.Context, owner string) (*memory.SessionContext, error) {
	fields, err := s.client.HGetAll(ctx, keyPrefix+owner).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return memory.DefaultSession(owner), nil
	}

	sess := &memory.SessionContext{
		OwnerID: owner,
		Project: fields["current_project"],
	}
	if raw, ok := fields["last_active"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			sess.LastActive = t
		}
	}
	if sess.Project == "" {
		sess.Project = memory.DefaultProject
	}
	return sess, nil
}

// Ping checks Redis connectivity.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
