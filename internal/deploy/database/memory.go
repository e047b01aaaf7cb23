package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// MemoryStore 内存存储，用于测试与一次性运行
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]model.ContainerRecord
	releases map[string]model.Release
	rollouts map[string]model.RolloutRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]model.ContainerRecord),
		releases: make(map[string]model.Release),
		rollouts: make(map[string]model.RolloutRecord),
	}
}

func copyRelease(r *model.Release) *model.Release {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

func copyRecord(r model.ContainerRecord) model.ContainerRecord {
	r.Current = copyRelease(r.Current)
	r.Previous = copyRelease(r.Previous)
	return r
}

func copyRollout(r model.RolloutRecord) model.RolloutRecord {
	r.Succeeded = append([]string(nil), r.Succeeded...)
	r.RolledBack = append([]string(nil), r.RolledBack...)
	r.Indeterminate = append([]string(nil), r.Indeterminate...)
	return r
}

func (m *MemoryStore) GetRecord(_ context.Context, host, role string) (model.ContainerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[model.RouteKey(role, host)]
	if !ok {
		return model.ContainerRecord{}, fmt.Errorf("record %s/%s: %w", role, host, model.ErrNotFound)
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) PutRecord(_ context.Context, rec model.ContainerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[model.RouteKey(rec.Role, rec.Host)] = copyRecord(rec)
	return nil
}

func (m *MemoryStore) ListRecords(_ context.Context) ([]model.ContainerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ContainerRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Host < out[j].Host
	})
	return out, nil
}

func (m *MemoryStore) SaveRelease(_ context.Context, rel model.Release) (model.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.releases[rel.Version]; ok {
		if existing.Image != rel.Image {
			return model.Release{}, fmt.Errorf("release %s: %w", rel.Version, model.ErrAlreadyExists)
		}
		return existing, nil
	}
	m.releases[rel.Version] = rel
	return rel, nil
}

func (m *MemoryStore) GetRelease(_ context.Context, version string) (model.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rel, ok := m.releases[version]
	if !ok {
		return model.Release{}, fmt.Errorf("release %s: %w", version, model.ErrNotFound)
	}
	return rel, nil
}

func (m *MemoryStore) ListReleases(_ context.Context) ([]model.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Release, 0, len(m.releases))
	for _, rel := range m.releases {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (m *MemoryStore) SaveRollout(_ context.Context, rec model.RolloutRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollouts[rec.ID] = copyRollout(rec)
	return nil
}

func (m *MemoryStore) ListRollouts(_ context.Context, limit int) ([]model.RolloutRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.RolloutRecord, 0, len(m.rollouts))
	for _, rec := range m.rollouts {
		out = append(out, copyRollout(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
