// Package inmem provides in-memory implementations of the memory backends.
// They back unit tests and let the server run without external services;
// production deployments use the postgres, redis and qdrant adapters.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/recall/internal/memory"
)

// Store is a thread-safe in-memory memory.Store and memory.SessionStore.
type Store struct {
	mu            sync.RWMutex
	memories      map[string]*memory.Memory
	relationships map[string][]*memory.Relationship // keyed by from-id
	sessions      map[string]*memory.SessionContext
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		memories:      make(map[string]*memory.Memory),
		relationships: make(map[string][]*memory.Relationship),
		sessions:      make(map[string]*memory.SessionContext),
	}
}

func (s *Store) CreateMemory(ctx context.Context, m *memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[m.ID] = copyMemory(m)
	return nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, nil
	}
	return copyMemory(m), nil
}

func (s *Store) GetMemoriesByIDs(ctx context.Context, ids []string, preserveOrder bool) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*memory.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			out = append(out, copyMemory(m))
		}
	}
	if !preserveOrder {
		sort.Slice(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}
	return out, nil
}

func (s *Store) CreateRelationship(ctx context.Context, r *memory.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.relationships[r.FromID] = append(s.relationships[r.FromID], &cp)
	return nil
}

func (s *Store) RelationshipsFrom(ctx context.Context, memoryID string) ([]*memory.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rels := s.relationships[memoryID]
	out := make([]*memory.Relationship, len(rels))
	for i, r := range rels {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) MarkIndexed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.memories[id]; ok {
		m.IndexedAt = &at
	}
	return nil
}

func (s *Store) ListUnindexed(ctx context.Context, limit int) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*memory.Memory
	for _, m := range s.memories {
		if m.IndexedAt == nil {
			pending = append(pending, copyMemory(m))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) AggregateStats(ctx context.Context, owner, project string) (*memory.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &memory.Stats{}
	types := make(map[string]struct{})
	projects := make(map[string]struct{})
	days := make(map[string]int64)
	var totalLen int64

	for _, m := range s.memories {
		if m.OwnerID != owner {
			continue
		}
		if project != "" && m.Project != project {
			continue
		}
		stats.TotalMemories++
		types[m.Type] = struct{}{}
		projects[m.Project] = struct{}{}
		totalLen += int64(len(m.Content))
		days[m.CreatedAt.UTC().Format("2006-01-02")]++
	}

	stats.UniqueTypes = int64(len(types))
	stats.UniqueProjects = int64(len(projects))
	if stats.TotalMemories > 0 {
		stats.AvgContentLength = float64(totalLen) / float64(stats.TotalMemories)
	}

	dates := make([]string, 0, len(days))
	for d := range days {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if len(dates) > 7 {
		dates = dates[:7]
	}
	for _, d := range dates {
		stats.DailyCounts = append(stats.DailyCounts, memory.DailyCount{Date: d, Count: days[d]})
	}

	return stats, nil
}

func (s *Store) UpsertSession(ctx context.Context, owner, project string) (*memory.SessionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &memory.SessionContext{
		OwnerID:    owner,
		Project:    project,
		LastActive: time.Now().UTC(),
	}
	s.sessions[owner] = sess
	cp := *sess
	return &cp, nil
}

func (s *Store) GetSession(ctx context.Context, owner string) (*memory.SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[owner]; ok {
		cp := *sess
		return &cp, nil
	}
	return memory.DefaultSession(owner), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// copyMemory deep-copies metadata to avoid side effects across callers.
func copyMemory(m *memory.Memory) *memory.Memory {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	if m.IndexedAt != nil {
		at := *m.IndexedAt
		cp.IndexedAt = &at
	}
	return &cp
}
