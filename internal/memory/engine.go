package memory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/recall/internal/metrics"
	rerrors "github.com/blueberrycongee/recall/pkg/errors"
)

// ErrNoResults reports a search that completed successfully but matched
// nothing. It is a distinct outcome, not a member of the failure taxonomy.
var ErrNoResults = errors.New("no matching memories")

// indexContentLimit caps the content copy stored in the vector index payload.
// The structured store keeps the full text.
const indexContentLimit = 512

// previewLimit caps the content preview returned by CreateMemory.
const previewLimit = 100

// Engine orchestrates the structured store, the session store, the embedding
// service and the vector index to serve the five public operations. All
// operations are scoped by an explicit owner identifier supplied by the
// caller; the engine reads no ambient identity.
type Engine struct {
	store    Store
	sessions SessionStore
	embedder Embedder
	index    VectorIndex
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewEngine creates an Engine over the given backends.
func NewEngine(store Store, sessions SessionStore, embedder Embedder, index VectorIndex, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		sessions: sessions,
		embedder: embedder,
		index:    index,
		logger:   logger,
		tracer:   otel.Tracer("recall"),
	}
}

// CreateMemoryInput carries the caller-supplied fields for a new memory.
// Project and Type fall back to the literal defaults when empty; the session
// context is deliberately not consulted here.
type CreateMemoryInput struct {
	Owner    string
	Content  string
	Project  string
	Type     string
	Metadata map[string]any
}

// CreateMemoryResult is the outcome of a successful create. Warning is
// non-nil when the durable write succeeded but the index upsert failed: the
// record exists and is retrievable by id, just not via semantic search until
// the reconciler repairs it.
type CreateMemoryResult struct {
	Memory         *Memory
	ContentPreview string
	Warning        *rerrors.Error
}

// CreateMemory persists a new memory record and its vector index entry.
//
// The write ordering is the consistency contract: embed first, then the
// durable record, then the index entry. A failed durable write aborts before
// any index entry exists; a failed index upsert leaves a durable record with
// IndexedAt unset and is surfaced as a success-with-warning.
func (e *Engine) CreateMemory(ctx context.Context, in CreateMemoryInput) (*CreateMemoryResult, error) {
	ctx, span := e.tracer.Start(ctx, "memory.create")
	defer span.End()
	done := e.observe("create")

	if in.Owner == "" {
		return nil, done(rerrors.NewValidation("owner is required"))
	}
	if in.Content == "" {
		return nil, done(rerrors.NewValidation("content must not be empty"))
	}
	if in.Project == "" {
		in.Project = DefaultProject
	}
	if in.Type == "" {
		in.Type = DefaultType
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}

	vector, err := e.embed(ctx, in.Content)
	if err != nil {
		span.RecordError(err)
		return nil, done(err)
	}

	now := time.Now().UTC()
	m := &Memory{
		ID:         uuid.NewString(),
		OwnerID:    in.Owner,
		Content:    in.Content,
		Project:    in.Project,
		Type:       in.Type,
		Metadata:   in.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
		AccessedAt: now,
	}
	span.SetAttributes(attribute.String("memory.id", m.ID), attribute.String("memory.project", m.Project))

	if err := e.store.CreateMemory(ctx, m); err != nil {
		span.RecordError(err)
		return nil, done(rerrors.NewInternal("store_insert", err))
	}

	result := &CreateMemoryResult{
		Memory:         m,
		ContentPreview: truncate(m.Content, previewLimit),
	}

	start := time.Now()
	err = e.index.Upsert(ctx, m.ID, vector, indexAttributes(m))
	metrics.UpstreamLatency.WithLabelValues("vector_index", "upsert").Observe(time.Since(start).Seconds())
	if err != nil {
		// Accepted inconsistency window: durable record without an index
		// entry. Reported as a warning, never swallowed.
		metrics.PartialIndexFailures.Inc()
		result.Warning = rerrors.NewPartialIndex(m.ID, err)
		e.logger.Warn("vector index upsert failed, memory stored without index entry",
			"memory_id", m.ID, "owner", m.OwnerID, "error", err)
		done(nil)
		return result, nil
	}

	if err := e.store.MarkIndexed(ctx, m.ID, time.Now().UTC()); err != nil {
		// The index entry exists; a failed mark only means the reconciler
		// may re-upsert it later. Upserts are idempotent by id.
		e.logger.Warn("failed to mark memory as indexed", "memory_id", m.ID, "error", err)
	}
	indexed := time.Now().UTC()
	m.IndexedAt = &indexed

	done(nil)
	return result, nil
}

// SearchInput carries a hybrid search request. Limit defaults to
// DefaultSearchLimit when zero or negative.
type SearchInput struct {
	Owner                string
	Query                string
	Project              string
	Type                 string
	Limit                int
	IncludeRelationships bool
}

// SearchMemories returns memories ranked by semantic relevance, filtered by
// the structured fields. Results are sorted by similarity score descending,
// ties broken by most recent creation time; the count never exceeds the
// requested limit. An empty resolved set yields ErrNoResults.
func (e *Engine) SearchMemories(ctx context.Context, in SearchInput) ([]*ScoredMemory, error) {
	ctx, span := e.tracer.Start(ctx, "memory.search")
	defer span.End()
	done := e.observe("search")

	if in.Owner == "" {
		return nil, done(rerrors.NewValidation("owner is required"))
	}
	if in.Query == "" {
		return nil, done(rerrors.NewValidation("query must not be empty"))
	}
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	vector, err := e.embed(ctx, in.Query)
	if err != nil {
		span.RecordError(err)
		return nil, done(err)
	}

	// Filter decided once per call, compiled by the index adapter.
	filter := SearchFilter{Owner: in.Owner, Project: in.Project, Type: in.Type}

	// Over-fetch 2x so candidates dropped during store resolution do not
	// cost a second round trip.
	start := time.Now()
	candidates, err := e.index.Query(ctx, vector, filter.Attributes(), limit*2)
	metrics.UpstreamLatency.WithLabelValues("vector_index", "query").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return nil, done(rerrors.NewUpstream("index_query", err))
	}
	metrics.SearchCandidates.WithLabelValues("index").Observe(float64(len(candidates)))

	ids := make([]string, 0, len(candidates))
	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ID)
		scores[c.ID] = c.Score
	}

	resolved, err := e.store.GetMemoriesByIDs(ctx, ids, false)
	if err != nil {
		span.RecordError(err)
		return nil, done(rerrors.NewInternal("store_resolve", err))
	}
	metrics.SearchCandidates.WithLabelValues("resolved").Observe(float64(len(resolved)))

	// Index/store drift is tolerated: candidate ids missing from the store
	// are dropped silently.
	results := make([]*ScoredMemory, 0, len(resolved))
	for _, m := range resolved {
		sm := &ScoredMemory{Memory: m, Score: scores[m.ID]}
		if in.IncludeRelationships {
			rels, err := e.store.RelationshipsFrom(ctx, m.ID)
			if err != nil {
				span.RecordError(err)
				return nil, done(rerrors.NewInternal("store_relationships", err))
			}
			sm.Relationships = rels
		}
		results = append(results, sm)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	if len(results) == 0 {
		done(nil)
		return nil, ErrNoResults
	}

	span.SetAttributes(attribute.Int("memory.search.results", len(results)))
	done(nil)
	return results, nil
}

// RelateInput carries a relationship creation request. Strength defaults to
// DefaultStrength when nil.
type RelateInput struct {
	FromID   string
	ToID     string
	Kind     RelationKind
	Strength *float64
}

// CreateRelationship validates endpoints, kind and strength, then persists
// the directed edge. Duplicate edges between the same ordered pair are
// allowed.
func (e *Engine) CreateRelationship(ctx context.Context, in RelateInput) (*Relationship, error) {
	ctx, span := e.tracer.Start(ctx, "memory.relate")
	defer span.End()
	done := e.observe("relate")

	if in.FromID == "" || in.ToID == "" {
		return nil, done(rerrors.NewValidation("from and to memory ids are required"))
	}
	if !in.Kind.Valid() {
		return nil, done(rerrors.NewValidation("unknown relationship kind: " + string(in.Kind)))
	}
	strength := DefaultStrength
	if in.Strength != nil {
		strength = *in.Strength
	}
	if strength < 0.0 || strength > 1.0 {
		return nil, done(rerrors.NewValidation("strength must be between 0.0 and 1.0"))
	}

	// Both endpoints must resolve at creation time. The backing store may
	// additionally enforce referential integrity, but the contract lives
	// here.
	for _, id := range []string{in.FromID, in.ToID} {
		m, err := e.store.GetMemory(ctx, id)
		if err != nil {
			span.RecordError(err)
			return nil, done(rerrors.NewInternal("store_get", err))
		}
		if m == nil {
			return nil, done(rerrors.NewNotFound(id))
		}
	}

	r := &Relationship{
		ID:        uuid.NewString(),
		FromID:    in.FromID,
		ToID:      in.ToID,
		Kind:      in.Kind,
		Strength:  strength,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRelationship(ctx, r); err != nil {
		span.RecordError(err)
		return nil, done(rerrors.NewInternal("store_insert", err))
	}

	done(nil)
	return r, nil
}

// RelationshipsFrom returns the direct outgoing edges of a memory.
func (e *Engine) RelationshipsFrom(ctx context.Context, memoryID string) ([]*Relationship, error) {
	if memoryID == "" {
		return nil, rerrors.NewValidation("memory id is required")
	}
	rels, err := e.store.RelationshipsFrom(ctx, memoryID)
	if err != nil {
		return nil, rerrors.NewInternal("store_relationships", err)
	}
	return rels, nil
}

// SwitchProject overwrites the owner's current-project pointer. It is a pure
// state transition with no terminal state; calling it twice with the same
// project is observably idempotent apart from the last-active timestamp.
func (e *Engine) SwitchProject(ctx context.Context, owner, project string) (*SessionContext, error) {
	ctx, span := e.tracer.Start(ctx, "memory.switch_project")
	defer span.End()
	done := e.observe("switch_project")

	if owner == "" {
		return nil, done(rerrors.NewValidation("owner is required"))
	}
	if project == "" {
		return nil, done(rerrors.NewValidation("project must not be empty"))
	}

	sess, err := e.sessions.UpsertSession(ctx, owner, project)
	if err != nil {
		span.RecordError(err)
		return nil, done(rerrors.NewInternal("session_upsert", err))
	}

	done(nil)
	return sess, nil
}

// GetSession returns the owner's current session context, defaulting to the
// literal default project when the owner never switched.
func (e *Engine) GetSession(ctx context.Context, owner string) (*SessionContext, error) {
	if owner == "" {
		return nil, rerrors.NewValidation("owner is required")
	}
	sess, err := e.sessions.GetSession(ctx, owner)
	if err != nil {
		return nil, rerrors.NewInternal("session_get", err)
	}
	return sess, nil
}

// GetStats returns aggregate statistics over the owner's memories, optionally
// restricted to one project.
func (e *Engine) GetStats(ctx context.Context, owner, project string) (*Stats, error) {
	ctx, span := e.tracer.Start(ctx, "memory.stats")
	defer span.End()
	done := e.observe("stats")

	if owner == "" {
		return nil, done(rerrors.NewValidation("owner is required"))
	}

	stats, err := e.store.AggregateStats(ctx, owner, project)
	if err != nil {
		span.RecordError(err)
		return nil, done(rerrors.NewInternal("store_stats", err))
	}

	done(nil)
	return stats, nil
}

// embed calls the embedding service and classifies failures as upstream.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vector, err := e.embedder.Embed(ctx, text)
	metrics.UpstreamLatency.WithLabelValues("embedder", "embed").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, rerrors.NewUpstream("embed", err)
	}
	return vector, nil
}

// observe starts an operation timer and returns a closer that records the
// outcome. The closer passes its error through so call sites stay one line.
func (e *Engine) observe(operation string) func(err error) error {
	start := time.Now()
	return func(err error) error {
		status := "ok"
		if err != nil {
			status = string(rerrors.KindOf(err))
		}
		metrics.OperationTotal.WithLabelValues(operation, status).Inc()
		metrics.OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		return err
	}
}

// indexAttributes builds the flat payload stored next to the vector. The
// content copy is truncated; the structured store remains authoritative.
func indexAttributes(m *Memory) map[string]any {
	return map[string]any{
		"owner_id":   m.OwnerID,
		"project":    m.Project,
		"type":       m.Type,
		"content":    truncate(m.Content, indexContentLimit),
		"created_at": m.CreatedAt.Unix(),
	}
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
