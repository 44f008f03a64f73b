// Package postgres implements the durable memory store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/blueberrycongee/recall/internal/memory"
)

// Store implements memory.Store and memory.SessionStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

// Config contains PostgreSQL connection settings.
type Config struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:         "localhost",
		Port:         5432,
		Database:     "recall",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// NewStore opens a connection pool and verifies connectivity.
func NewStore(cfg *Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// schema creates the three tables and the secondary indexes needed for
// acceptable read performance: (owner, project), (type), (created desc) and
// the relationship from-id.
const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	content     TEXT NOT NULL,
	project     TEXT NOT NULL DEFAULT 'default',
	type        TEXT NOT NULL DEFAULT 'general',
	metadata    JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	accessed_at TIMESTAMPTZ NOT NULL,
	indexed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_memories_owner_project ON memories (owner_id, project);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories (type);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_unindexed ON memories (created_at) WHERE indexed_at IS NULL;

CREATE TABLE IF NOT EXISTS memory_relationships (
	id             TEXT PRIMARY KEY,
	from_memory_id TEXT NOT NULL REFERENCES memories (id),
	to_memory_id   TEXT NOT NULL REFERENCES memories (id),
	kind           TEXT NOT NULL,
	strength       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_relationships_from ON memory_relationships (from_memory_id);

CREATE TABLE IF NOT EXISTS user_sessions (
	owner_id        TEXT PRIMARY KEY,
	current_project TEXT NOT NULL,
	last_active     TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMemory inserts a new memory record.
func (s *Store) CreateMemory(ctx context.Context, m *memory.Memory) error {
	metadataJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO memories (id, owner_id, content, project, type, metadata,
		                      created_at, updated_at, accessed_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.OwnerID, m.Content, m.Project, m.Type, string(metadataJSON),
		m.CreatedAt, m.UpdatedAt, m.AccessedAt, m.IndexedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory by id. Returns (nil, nil) when absent.
func (s *Store) GetMemory(ctx context.Context, id string) (*memory.Memory, error) {
	query := `
		SELECT id, owner_id, content, project, type, metadata,
		       created_at, updated_at, accessed_at, indexed_at
		FROM memories
		WHERE id = $1`

	m, err := scanMemory(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	return m, nil
}

// GetMemoriesByIDs fetches all records matching ids. Missing ids are
// silently omitted. With preserveOrder the input id order is kept; otherwise
// records come back newest first.
func (s *Store) GetMemoriesByIDs(ctx context.Context, ids []string, preserveOrder bool) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	order := "created_at DESC"
	if preserveOrder {
		order = "array_position($1, id)"
	}
	query := fmt.Sprintf(`
		SELECT id, owner_id, content, project, type, metadata,
		       created_at, updated_at, accessed_at, indexed_at
		FROM memories
		WHERE id = ANY($1)
		ORDER BY %s`, order)

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var memories []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// CreateRelationship inserts a directed edge. Endpoint existence is checked
// by the engine; the foreign keys are a second line of defense.
func (s *Store) CreateRelationship(ctx context.Context, r *memory.Relationship) error {
	query := `
		INSERT INTO memory_relationships (id, from_memory_id, to_memory_id, kind, strength, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.FromID, r.ToID, string(r.Kind), r.Strength, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

// RelationshipsFrom returns the outgoing edges of a memory, newest first.
func (s *Store) RelationshipsFrom(ctx context.Context, memoryID string) ([]*memory.Relationship, error) {
	query := `
		SELECT id, from_memory_id, to_memory_id, kind, strength, created_at
		FROM memory_relationships
		WHERE from_memory_id = $1
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer rows.Close()

	var rels []*memory.Relationship
	for rows.Next() {
		var r memory.Relationship
		var kind string
		if err := rows.Scan(&r.ID, &r.FromID, &r.ToID, &kind, &r.Strength, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		r.Kind = memory.RelationKind(kind)
		rels = append(rels, &r)
	}
	return rels, rows.Err()
}

// MarkIndexed records the vector index write time for a memory.
func (s *Store) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE memories SET indexed_at = $1 WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, at, id)
	return err
}

// ListUnindexed returns memories without an index entry, oldest first.
func (s *Store) ListUnindexed(ctx context.Context, limit int) ([]*memory.Memory, error) {
	query := `
		SELECT id, owner_id, content, project, type, metadata,
		       created_at, updated_at, accessed_at, indexed_at
		FROM memories
		WHERE indexed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query unindexed: %w", err)
	}
	defer rows.Close()

	var memories []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// AggregateStats returns aggregate statistics for an owner, optionally
// restricted to one project. The filter clause is compiled in one place so
// the placeholder count always matches the bound values.
func (s *Store) AggregateStats(ctx context.Context, owner, project string) (*memory.Stats, error) {
	filter := newFilter()
	filter.add("owner_id", owner)
	if project != "" {
		filter.add("project", project)
	}
	where, args := filter.clause(1)

	totalsQuery := fmt.Sprintf(`
		SELECT COUNT(*),
		       COUNT(DISTINCT type),
		       COUNT(DISTINCT project),
		       COALESCE(AVG(LENGTH(content)), 0)
		FROM memories
		WHERE %s`, where)

	var stats memory.Stats
	err := s.db.QueryRowContext(ctx, totalsQuery, args...).Scan(
		&stats.TotalMemories, &stats.UniqueTypes, &stats.UniqueProjects, &stats.AvgContentLength,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats totals: %w", err)
	}

	dailyQuery := fmt.Sprintf(`
		SELECT TO_CHAR(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM memories
		WHERE %s
		GROUP BY day
		ORDER BY day DESC
		LIMIT 7`, where)

	rows, err := s.db.QueryContext(ctx, dailyQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query daily counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dc memory.DailyCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		stats.DailyCounts = append(stats.DailyCounts, dc)
	}
	return &stats, rows.Err()
}

// UpsertSession overwrites the single session row for owner.
func (s *Store) UpsertSession(ctx context.Context, owner, project string) (*memory.SessionContext, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO user_sessions (owner_id, current_project, last_active)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id) DO UPDATE
		SET current_project = EXCLUDED.current_project,
		    last_active = EXCLUDED.last_active`

	if _, err := s.db.ExecContext(ctx, query, owner, project, now); err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}
	return &memory.SessionContext{OwnerID: owner, Project: project, LastActive: now}, nil
}

// GetSession returns the owner's session, or the default session when the
// owner never switched project.
func (s *Store) GetSession(ctx context.Context, owner string) (*memory.SessionContext, error) {
	query := `
		SELECT owner_id, current_project, last_active
		FROM user_sessions
		WHERE owner_id = $1`

	var sess memory.SessionContext
	err := s.db.QueryRowContext(ctx, query, owner).Scan(&sess.OwnerID, &sess.Project, &sess.LastActive)
	if err == sql.ErrNoRows {
		return memory.DefaultSession(owner), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &sess, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*memory.Memory, error) {
	var m memory.Memory
	var metadataJSON sql.NullString
	var indexedAt sql.NullTime

	err := row.Scan(
		&m.ID, &m.OwnerID, &m.Content, &m.Project, &m.Type, &metadataJSON,
		&m.CreatedAt, &m.UpdatedAt, &m.AccessedAt, &indexedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	if indexedAt.Valid {
		m.IndexedAt = &indexedAt.Time
	}
	return &m, nil
}
