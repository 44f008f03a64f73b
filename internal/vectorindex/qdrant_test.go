package vectorindex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQdrant(t *testing.T, handler http.Handler) *Qdrant {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	q, err := NewQdrant(Config{
		Address:    server.URL,
		Collection: "test_memories",
		Dimension:  3,
	})
	require.NoError(t, err)
	return q
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	var created bool
	q := newTestQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/test_memories/exists":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"exists": false}})
		case r.Method == http.MethodPut && r.URL.Path == "/collections/test_memories":
			var body struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 3, body.Vectors.Size)
			assert.Equal(t, "Cosine", body.Vectors.Distance)
			created = true
			_ = json.NewEncoder(w).Encode(map[string]any{"result": true})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	require.NoError(t, q.EnsureCollection(context.Background()))
	assert.True(t, created)
}

func TestEnsureCollectionSkipsWhenPresent(t *testing.T) {
	q := newTestQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/test_memories/exists", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"exists": true}})
	}))

	require.NoError(t, q.EnsureCollection(context.Background()))
}

func TestUpsertSendsPoint(t *testing.T) {
	q := newTestQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/collections/test_memories/points", r.URL.Path)

		var body struct {
			Points []struct {
				ID      string         `json:"id"`
				Vector  []float64      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Points, 1)
		assert.Equal(t, "mem-1", body.Points[0].ID)
		assert.Len(t, body.Points[0].Vector, 3)
		assert.Equal(t, "alice", body.Points[0].Payload["owner_id"])

		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"status": "completed"}})
	}))

	err := q.Upsert(context.Background(), "mem-1", []float32{0.1, 0.2, 0.3}, map[string]any{"owner_id": "alice"})
	require.NoError(t, err)
}

func TestUpsertReportsFailure(t *testing.T) {
	q := newTestQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"wrong vector size"}}`, http.StatusBadRequest)
	}))

	err := q.Upsert(context.Background(), "mem-1", []float32{0.1}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=400")
}

func TestQueryBuildsFilterAndParsesResults(t *testing.T) {
	q := newTestQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/test_memories/points/search", r.URL.Path)

		var body struct {
			Vector      []float64 `json:"vector"`
			Limit       int       `json:"limit"`
			WithPayload bool      `json:"with_payload"`
			Filter      struct {
				Must []struct {
					Key   string `json:"key"`
					Match struct {
						Value string `json:"value"`
					} `json:"match"`
				} `json:"must"`
			} `json:"filter"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 20, body.Limit)
		assert.True(t, body.WithPayload)

		// Conditions arrive sorted by key.
		require.Len(t, body.Filter.Must, 2)
		assert.Equal(t, "owner_id", body.Filter.Must[0].Key)
		assert.Equal(t, "alice", body.Filter.Must[0].Match.Value)
		assert.Equal(t, "project", body.Filter.Must[1].Key)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"id": "mem-1", "score": 0.92, "payload": map[string]any{"owner_id": "alice"}},
				{"id": "mem-2", "score": 0.77, "payload": map[string]any{"owner_id": "alice"}},
			},
		})
	}))

	candidates, err := q.Query(context.Background(), []float32{0.1, 0.2, 0.3},
		map[string]string{"owner_id": "alice", "project": "infra"}, 20)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "mem-1", candidates[0].ID)
	assert.InDelta(t, 0.92, candidates[0].Score, 0.001)
	assert.Equal(t, "alice", candidates[0].Attributes["owner_id"])
}

func TestQueryOmitsEmptyFilter(t *testing.T) {
	q := newTestQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasFilter := body["filter"]
		assert.False(t, hasFilter)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": []any{}})
	}))

	candidates, err := q.Query(context.Background(), []float32{0.1, 0.2, 0.3}, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDelete(t *testing.T) {
	q := newTestQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/test_memories/points/delete", r.URL.Path)

		var body struct {
			Points []string `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"mem-1"}, body.Points)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"status": "completed"}})
	}))

	require.NoError(t, q.Delete(context.Background(), "mem-1"))
}

func TestNewQdrantAddsScheme(t *testing.T) {
	q, err := NewQdrant(Config{Address: "localhost:6333"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:6333", q.apiBase)
}

func TestNewQdrantRequiresAddress(t *testing.T) {
	_, err := NewQdrant(Config{})
	assert.Error(t, err)
}
