package memory_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/recall/internal/memory"
	"github.com/blueberrycongee/recall/internal/memory/inmem"
	rerrors "github.com/blueberrycongee/recall/pkg/errors"
)

// flakyIndex wraps the in-memory index with switchable failures so tests can
// exercise the partial-index path.
type flakyIndex struct {
	*inmem.VectorIndex
	failUpsert bool
	failQuery  bool
}

func (f *flakyIndex) Upsert(ctx context.Context, id string, vector []float32, attrs map[string]any) error {
	if f.failUpsert {
		return errors.New("index unavailable")
	}
	return f.VectorIndex.Upsert(ctx, id, vector, attrs)
}

func (f *flakyIndex) Query(ctx context.Context, vector []float32, filter map[string]string, topK int) ([]memory.Candidate, error) {
	if f.failQuery {
		return nil, errors.New("index unavailable")
	}
	return f.VectorIndex.Query(ctx, vector, filter, topK)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedding service down")
}

func (failingEmbedder) Dimension() int { return 8 }

type testEnv struct {
	engine *memory.Engine
	store  *inmem.Store
	index  *flakyIndex
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := inmem.NewStore()
	index := &flakyIndex{VectorIndex: inmem.NewVectorIndex()}
	engine := memory.NewEngine(store, store, inmem.NewHashEmbedder(64), index, slog.New(slog.DiscardHandler))
	return &testEnv{engine: engine, store: store, index: index}
}

func (env *testEnv) mustCreate(t *testing.T, owner, content, project, memType string) *memory.Memory {
	t.Helper()
	result, err := env.engine.CreateMemory(context.Background(), memory.CreateMemoryInput{
		Owner:   owner,
		Content: content,
		Project: project,
		Type:    memType,
	})
	require.NoError(t, err)
	require.Nil(t, result.Warning)
	return result.Memory
}

func TestCreateMemoryAppliesDefaults(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.CreateMemory(context.Background(), memory.CreateMemoryInput{
		Owner:   "alice",
		Content: "prefers dark roast coffee",
	})
	require.NoError(t, err)

	m := result.Memory
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "default", m.Project)
	assert.Equal(t, "general", m.Type)
	assert.NotNil(t, m.Metadata)
	assert.False(t, m.CreatedAt.IsZero())
	assert.NotNil(t, m.IndexedAt)
	assert.Equal(t, "prefers dark roast coffee", result.ContentPreview)
}

func TestCreateMemoryTruncatesPreview(t *testing.T) {
	env := newTestEnv(t)

	long := strings.Repeat("a", 150)
	result, err := env.engine.CreateMemory(context.Background(), memory.CreateMemoryInput{
		Owner:   "alice",
		Content: long,
	})
	require.NoError(t, err)

	assert.Equal(t, strings.Repeat("a", 100)+"...", result.ContentPreview)
	// The stored record keeps the full text.
	stored, err := env.store.GetMemory(context.Background(), result.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, long, stored.Content)
}

func TestCreateMemoryValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.CreateMemory(ctx, memory.CreateMemoryInput{Content: "no owner"})
	assert.True(t, rerrors.IsValidation(err))

	_, err = env.engine.CreateMemory(ctx, memory.CreateMemoryInput{Owner: "alice"})
	assert.True(t, rerrors.IsValidation(err))
}

func TestCreateMemoryEmbedderFailure(t *testing.T) {
	store := inmem.NewStore()
	engine := memory.NewEngine(store, store, failingEmbedder{}, inmem.NewVectorIndex(), slog.New(slog.DiscardHandler))

	_, err := engine.CreateMemory(context.Background(), memory.CreateMemoryInput{
		Owner:   "alice",
		Content: "should not persist",
	})
	assert.True(t, rerrors.IsUpstream(err))

	// Nothing reaches the store when embedding fails.
	stats, statErr := store.AggregateStats(context.Background(), "alice", "")
	require.NoError(t, statErr)
	assert.Zero(t, stats.TotalMemories)
}

func TestSearchRanksByRelevance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m1 := env.mustCreate(t, "alice", "I prefer typescript for backend services", "", "")
	m2 := env.mustCreate(t, "alice", "typescript strict mode caught a production bug", "", "")
	env.mustCreate(t, "alice", "water the tomato plants every other morning", "", "")

	results, err := env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner: "alice",
		Query: "typescript",
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	got := []string{results[0].Memory.ID, results[1].Memory.ID}
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, got)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestSearchScopedByOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustCreate(t, "alice", "typescript migration notes", "", "")
	env.mustCreate(t, "bob", "typescript compiler flags", "", "")

	results, err := env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner: "alice",
		Query: "typescript",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alice", results[0].Memory.OwnerID)
}

func TestSearchProjectAndTypeFilters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustCreate(t, "alice", "deploy the api gateway on fridays", "infra", "decision")
	env.mustCreate(t, "alice", "deploy previews are flaky on the web app", "webapp", "insight")

	results, err := env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner:   "alice",
		Query:   "deploy",
		Project: "infra",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "infra", results[0].Memory.Project)

	results, err = env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner: "alice",
		Query: "deploy",
		Type:  "insight",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "insight", results[0].Memory.Type)
}

func TestSearchTieBreaksOnRecency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Identical content embeds to identical vectors, so the scores tie and
	// ordering falls to creation time.
	older := env.mustCreate(t, "alice", "rotate the signing keys quarterly", "", "")
	time.Sleep(5 * time.Millisecond)
	newer := env.mustCreate(t, "alice", "rotate the signing keys quarterly", "", "")

	results, err := env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner: "alice",
		Query: "rotate the signing keys quarterly",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, newer.ID, results[0].Memory.ID)
	assert.Equal(t, older.ID, results[1].Memory.ID)
}

func TestSearchRespectsLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		env.mustCreate(t, "alice", "retro notes from the platform sync", "", "")
	}

	results, err := env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner: "alice",
		Query: "retro notes",
		Limit: 3,
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchNoResults(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.SearchMemories(context.Background(), memory.SearchInput{
		Owner: "alice",
		Query: "anything at all",
	})
	assert.ErrorIs(t, err, memory.ErrNoResults)
}

func TestSearchValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.SearchMemories(ctx, memory.SearchInput{Query: "q"})
	assert.True(t, rerrors.IsValidation(err))

	_, err = env.engine.SearchMemories(ctx, memory.SearchInput{Owner: "alice"})
	assert.True(t, rerrors.IsValidation(err))
}

func TestSearchIndexFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "some content", "", "")
	env.index.failQuery = true

	_, err := env.engine.SearchMemories(context.Background(), memory.SearchInput{
		Owner: "alice",
		Query: "some content",
	})
	assert.True(t, rerrors.IsUpstream(err))
}

func TestSearchIncludesRelationships(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	from := env.mustCreate(t, "alice", "we chose postgres for the ledger", "", "decision")
	to := env.mustCreate(t, "alice", "the ledger needs strong consistency", "", "insight")

	_, err := env.engine.CreateRelationship(ctx, memory.RelateInput{
		FromID: from.ID,
		ToID:   to.ID,
		Kind:   memory.RelationInfluences,
	})
	require.NoError(t, err)

	results, err := env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner:                "alice",
		Query:                "postgres ledger",
		IncludeRelationships: true,
	})
	require.NoError(t, err)

	var found bool
	for _, r := range results {
		if r.Memory.ID == from.ID {
			found = true
			require.Len(t, r.Relationships, 1)
			assert.Equal(t, to.ID, r.Relationships[0].ToID)
			assert.Equal(t, memory.RelationInfluences, r.Relationships[0].Kind)
		}
	}
	assert.True(t, found)
}

func TestCreateRelationshipDefaultsAndValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.mustCreate(t, "alice", "memory a", "", "")
	b := env.mustCreate(t, "alice", "memory b", "", "")

	rel, err := env.engine.CreateRelationship(ctx, memory.RelateInput{
		FromID: a.ID,
		ToID:   b.ID,
		Kind:   memory.RelationDependsOn,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, rel.Strength)
	assert.NotEmpty(t, rel.ID)

	_, err = env.engine.CreateRelationship(ctx, memory.RelateInput{
		FromID: a.ID,
		ToID:   b.ID,
		Kind:   "made_up_kind",
	})
	assert.True(t, rerrors.IsValidation(err))

	bad := 1.5
	_, err = env.engine.CreateRelationship(ctx, memory.RelateInput{
		FromID:   a.ID,
		ToID:     b.ID,
		Kind:     memory.RelationExtends,
		Strength: &bad,
	})
	assert.True(t, rerrors.IsValidation(err))
}

func TestCreateRelationshipMissingEndpoint(t *testing.T) {
	env := newTestEnv(t)
	a := env.mustCreate(t, "alice", "memory a", "", "")

	_, err := env.engine.CreateRelationship(context.Background(), memory.RelateInput{
		FromID: a.ID,
		ToID:   "does-not-exist",
		Kind:   memory.RelationRelatesTo,
	})
	assert.True(t, rerrors.IsNotFound(err))
}

func TestCreateRelationshipAllowsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.mustCreate(t, "alice", "memory a", "", "")
	b := env.mustCreate(t, "alice", "memory b", "", "")

	for i := 0; i < 2; i++ {
		_, err := env.engine.CreateRelationship(ctx, memory.RelateInput{
			FromID: a.ID,
			ToID:   b.ID,
			Kind:   memory.RelationContradicts,
		})
		require.NoError(t, err)
	}

	rels, err := env.engine.RelationshipsFrom(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, rels, 2)
}

func TestSwitchProjectAndGetSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// An owner who never switched reports the literal default.
	sess, err := env.engine.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "default", sess.Project)
	assert.True(t, sess.LastActive.IsZero())

	sess, err = env.engine.SwitchProject(ctx, "alice", "backend")
	require.NoError(t, err)
	assert.Equal(t, "backend", sess.Project)
	assert.False(t, sess.LastActive.IsZero())

	// Switching to the same project again is a plain overwrite.
	again, err := env.engine.SwitchProject(ctx, "alice", "backend")
	require.NoError(t, err)
	assert.Equal(t, "backend", again.Project)

	_, err = env.engine.SwitchProject(ctx, "alice", "")
	assert.True(t, rerrors.IsValidation(err))
}

func TestSwitchProjectDoesNotAffectCreateDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.SwitchProject(ctx, "alice", "backend")
	require.NoError(t, err)

	// CreateMemory without an explicit project uses the literal default,
	// not the session pointer.
	m := env.mustCreate(t, "alice", "some fact", "", "")
	assert.Equal(t, "default", m.Project)
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mustCreate(t, "alice", "abcd", "infra", "decision")
	env.mustCreate(t, "alice", "abcdefgh", "infra", "insight")
	env.mustCreate(t, "alice", "abcd", "webapp", "decision")
	env.mustCreate(t, "bob", "not alices", "infra", "decision")

	stats, err := env.engine.GetStats(ctx, "alice", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalMemories)
	assert.EqualValues(t, 2, stats.UniqueTypes)
	assert.EqualValues(t, 2, stats.UniqueProjects)
	assert.InDelta(t, 16.0/3.0, stats.AvgContentLength, 0.001)
	require.Len(t, stats.DailyCounts, 1)
	assert.EqualValues(t, 3, stats.DailyCounts[0].Count)

	scoped, err := env.engine.GetStats(ctx, "alice", "infra")
	require.NoError(t, err)
	assert.EqualValues(t, 2, scoped.TotalMemories)

	empty, err := env.engine.GetStats(ctx, "nobody", "")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalMemories)
	assert.Empty(t, empty.DailyCounts)
}

func TestPartialIndexFailureAndReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.index.failUpsert = true

	result, err := env.engine.CreateMemory(ctx, memory.CreateMemoryInput{
		Owner:   "alice",
		Content: "stored but not indexed yet",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Warning)
	assert.Equal(t, rerrors.KindPartialIndex, result.Warning.Kind)

	// Retrievable by id despite the missing index entry.
	stored, err := env.store.GetMemory(ctx, result.Memory.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Nil(t, stored.IndexedAt)

	// Absent from semantic search until repaired.
	_, err = env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner: "alice",
		Query: "stored but not indexed yet",
	})
	assert.ErrorIs(t, err, memory.ErrNoResults)

	env.index.failUpsert = false
	repaired, err := env.engine.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	stored, err = env.store.GetMemory(ctx, result.Memory.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.IndexedAt)

	results, err := env.engine.SearchMemories(ctx, memory.SearchInput{
		Owner: "alice",
		Query: "stored but not indexed yet",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, result.Memory.ID, results[0].Memory.ID)
}

func TestReconcileNothingPending(t *testing.T) {
	env := newTestEnv(t)
	env.mustCreate(t, "alice", "already indexed", "", "")

	repaired, err := env.engine.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, repaired)
}
