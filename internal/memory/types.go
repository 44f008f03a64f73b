package memory

import (
	"time"
)

// Defaults applied when the caller omits optional fields.
const (
	DefaultProject     = "default"
	DefaultType        = "general"
	DefaultSearchLimit = 10
	DefaultStrength    = 0.5
)

// Memory is the canonical durable record. The structured store owns it; the
// vector index only holds a denormalized copy of a few fields for filtering.
// Once created, ID, Content, Project and Type are never mutated.
type Memory struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	Content    string         `json:"content"`
	Project    string         `json:"project"`
	Type       string         `json:"type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	AccessedAt time.Time      `json:"accessed_at"`

	// IndexedAt is nil while the record has no vector index entry, either
	// because the index upsert failed or the reconciler has not caught up.
	IndexedAt *time.Time `json:"indexed_at,omitempty"`
}

// RelationKind is the closed set of relationship edge types.
type RelationKind string

const (
	RelationInfluences  RelationKind = "influences"
	RelationDependsOn   RelationKind = "depends_on"
	RelationRelatesTo   RelationKind = "relates_to"
	RelationContradicts RelationKind = "contradicts"
	RelationExtends     RelationKind = "extends"
)

// RelationKinds lists every valid relationship kind.
var RelationKinds = []RelationKind{
	RelationInfluences,
	RelationDependsOn,
	RelationRelatesTo,
	RelationContradicts,
	RelationExtends,
}

// Valid reports whether k is a member of the closed kind set.
func (k RelationKind) Valid() bool {
	for _, known := range RelationKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Relationship is a directed, typed, weighted edge between two memories.
// Relationships are create-only and not deduplicated.
type Relationship struct {
	ID        string       `json:"id"`
	FromID    string       `json:"from_memory_id"`
	ToID      string       `json:"to_memory_id"`
	Kind      RelationKind `json:"kind"`
	Strength  float64      `json:"strength"`
	CreatedAt time.Time    `json:"created_at"`
}

// SessionContext is the per-owner current-project pointer. At most one row
// exists per owner; it is created lazily and overwritten on every switch.
type SessionContext struct {
	OwnerID    string    `json:"owner_id"`
	Project    string    `json:"project"`
	LastActive time.Time `json:"last_active"`
}

// DefaultSession is the value reported for an owner who never switched
// project: the literal default project with no recorded activity.
func DefaultSession(owner string) *SessionContext {
	return &SessionContext{OwnerID: owner, Project: DefaultProject}
}

// DailyCount is one day of creation activity.
type DailyCount struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int64  `json:"count"`
}

// Stats aggregates an owner's memory corpus. DailyCounts holds the most
// recent 7 distinct days with activity, descending by date.
type Stats struct {
	TotalMemories    int64        `json:"total_memories"`
	UniqueTypes      int64        `json:"unique_types"`
	UniqueProjects   int64        `json:"unique_projects"`
	AvgContentLength float64      `json:"avg_content_length"`
	DailyCounts      []DailyCount `json:"daily_counts"`
}

// SearchFilter is the structured equality filter applied alongside vector
// similarity. It is decided once per call and compiled into the concrete
// index/store query in one place.
type SearchFilter struct {
	Owner   string
	Project string
	Type    string
}

// Attributes flattens the filter into the key→value equality mapping the
// vector index consumes. Owner is always present; empty optional fields are
// omitted.
func (f SearchFilter) Attributes() map[string]string {
	attrs := map[string]string{"owner_id": f.Owner}
	if f.Project != "" {
		attrs["project"] = f.Project
	}
	if f.Type != "" {
		attrs["type"] = f.Type
	}
	return attrs
}

// ScoredMemory is a search hit: the resolved record, its similarity score
// from the index (0 if the index reported none), and, when requested, the
// memory's outgoing relationships.
type ScoredMemory struct {
	Memory        *Memory         `json:"memory"`
	Score         float64         `json:"score"`
	Relationships []*Relationship `json:"relationships,omitempty"`
}
