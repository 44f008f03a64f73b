// Package vectorindex implements the vector index port on Qdrant over its
// HTTP API. The index holds a denormalized copy of a few memory fields as
// point payload, purely for equality filtering; the structured store stays
// authoritative.
package vectorindex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/recall/internal/memory"
)

// Qdrant implements memory.VectorIndex against a Qdrant collection.
type Qdrant struct {
	client     *http.Client
	apiBase    string
	apiKey     string
	collection string
	dimension  int
}

// Config holds configuration for the Qdrant index.
type Config struct {
	Address    string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// NewQdrant creates a Qdrant vector index client.
func NewQdrant(cfg Config) (*Qdrant, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}

	address := cfg.Address
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}

	if cfg.Collection == "" {
		cfg.Collection = "recall_memories"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Qdrant{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		apiBase:    address,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}, nil
}

// EnsureCollection creates the collection if it doesn't exist. The dimension
// is fixed here; vectors of a different dimension are rejected by Qdrant on
// upsert, which is the mismatch-rejection point the engine relies on.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	exists, err := q.collectionExists(ctx)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	createBody := map[string]any{
		"vectors": map[string]any{
			"size":     q.dimension,
			"distance": "Cosine",
		},
	}

	bodyBytes, err := json.Marshal(createBody)
	if err != nil {
		return fmt.Errorf("marshal create body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("create collection request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create collection failed: status=%d, body=%s", resp.StatusCode, string(body))
	}
	return nil
}

func (q *Qdrant) collectionExists(ctx context.Context) (bool, error) {
	url := fmt.Sprintf("%s/collections/%s/exists", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false, err
	}
	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("check collection exists: status=%d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return result.Result.Exists, nil
}

// Upsert writes a point keyed by the memory id with the flat attribute
// payload. Upserts are idempotent by id.
func (q *Qdrant) Upsert(ctx context.Context, id string, vector []float32, attrs map[string]any) error {
	point := map[string]any{
		"id":      id,
		"vector":  toFloat64(vector),
		"payload": attrs,
	}
	upsertBody := map[string]any{
		"points": []any{point},
	}

	bodyBytes, err := json.Marshal(upsertBody)
	if err != nil {
		return fmt.Errorf("marshal upsert body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("upsert request: %w", err)
	}
	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("upsert request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upsert failed: status=%d, body=%s", resp.StatusCode, string(body))
	}
	return nil
}

// Query performs a similarity search with must-match equality conditions
// built from the flat filter mapping. Results come back ranked, higher
// score is more similar.
func (q *Qdrant) Query(ctx context.Context, vector []float32, filter map[string]string, topK int) ([]memory.Candidate, error) {
	if topK <= 0 {
		topK = memory.DefaultSearchLimit
	}

	searchBody := map[string]any{
		"vector":       toFloat64(vector),
		"limit":        topK,
		"with_payload": true,
	}
	if conditions := mustConditions(filter); len(conditions) > 0 {
		searchBody["filter"] = map[string]any{
			"must": conditions,
		}
	}

	bodyBytes, err := json.Marshal(searchBody)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var result struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	candidates := make([]memory.Candidate, 0, len(result.Result))
	for _, r := range result.Result {
		candidates = append(candidates, memory.Candidate{
			ID:         r.ID,
			Score:      r.Score,
			Attributes: r.Payload,
		})
	}
	return candidates, nil
}

// Delete removes a point by id.
func (q *Qdrant) Delete(ctx context.Context, id string) error {
	deleteBody := map[string]any{
		"points": []string{id},
	}

	bodyBytes, err := json.Marshal(deleteBody)
	if err != nil {
		return fmt.Errorf("marshal delete body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/delete", q.apiBase, q.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	q.setHeaders(req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete failed: status=%d, body=%s", resp.StatusCode, string(body))
	}
	return nil
}

// Ping checks that the collection is reachable.
func (q *Qdrant) Ping(ctx context.Context) error {
	_, err := q.collectionExists(ctx)
	return err
}

func (q *Qdrant) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
}

func mustConditions(filter map[string]string) []map[string]any {
	// Deterministic condition order keeps request bodies reproducible in
	// tests.
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conditions := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		conditions = append(conditions, map[string]any{
			"key": key,
			"match": map[string]any{
				"value": filter[key],
			},
		})
	}
	return conditions
}

func toFloat64(vector []float32) []float64 {
	out := make([]float64, len(vector))
	for i, v := range vector {
		out[i] = float64(v)
	}
	return out
}
