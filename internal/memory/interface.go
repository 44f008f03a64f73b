package memory

import (
	"context"
	"time"
)

// Store is the durable structured storage for memories and relationships.
// Implementations must make each call atomic from the caller's perspective:
// a record is either fully written or the call reports failure.
//
// Lookup methods return (nil, nil) for ids that do not exist; the engine
// decides whether that is an error.
type Store interface {
	CreateMemory(ctx context.Context, m *Memory) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	// GetMemoriesByIDs fetches all matching records. Ids without a record
	// are silently omitted; callers must handle partial results. When
	// preserveOrder is set the result follows the input id order.
	GetMemoriesByIDs(ctx context.Context, ids []string, preserveOrder bool) ([]*Memory, error)

	CreateRelationship(ctx context.Context, r *Relationship) error
	RelationshipsFrom(ctx context.Context, memoryID string) ([]*Relationship, error)

	// MarkIndexed records that the memory's vector index entry was written.
	MarkIndexed(ctx context.Context, id string, at time.Time) error
	// ListUnindexed returns up to limit memories lacking an index entry,
	// oldest first, for the reconciliation sweep.
	ListUnindexed(ctx context.Context, limit int) ([]*Memory, error)

	AggregateStats(ctx context.Context, owner, project string) (*Stats, error)

	Ping(ctx context.Context) error
}

// SessionStore holds the per-owner current-project pointer. It is a separate
// interface so the pointer can live in a faster store (e.g. Redis) than the
// memory records.
type SessionStore interface {
	// UpsertSession overwrites the single session row for owner and
	// refreshes last-active. Idempotent.
	UpsertSession(ctx context.Context, owner, project string) (*SessionContext, error)
	// GetSession returns the owner's session, or the default session when
	// the owner never switched project.
	GetSession(ctx context.Context, owner string) (*SessionContext, error)
}

// Embedder turns text into a fixed-dimension vector. The dimension is shared
// with the vector index; mismatches are rejected by the index at collection
// creation time, not here.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Candidate is one ranked hit from the vector index. Score is monotonic,
// higher is more similar.
type Candidate struct {
	ID         string
	Score      float64
	Attributes map[string]any
}

// VectorIndex is the nearest-neighbor service consumed as an opaque
// collaborator. Attributes are a flat key→scalar mapping used for equality
// filtering; the structured store stays authoritative on conflict.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, attrs map[string]any) error
	Query(ctx context.Context, vector []float32, filter map[string]string, topK int) ([]Candidate, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
