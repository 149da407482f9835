package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps registrations in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	subject map[string]*SubjectWatch
	table   map[string]*TableWatch
	push    map[string]*PushRegistration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subject: make(map[string]*SubjectWatch),
		table:   make(map[string]*TableWatch),
		push:    make(map[string]*PushRegistration),
	}
}

func (m *MemoryStore) PutSubjectWatch(_ context.Context, w *SubjectWatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subject[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) GetSubjectWatch(_ context.Context, id string) (*SubjectWatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.subject[id]
	if !ok {
		return nil, fmt.Errorf("subject watch %s: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

func (m *MemoryStore) ListSubjectWatches(_ context.Context) ([]*SubjectWatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SubjectWatch, 0, len(m.subject))
	for _, w := range m.subject {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteSubjectWatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subject, id)
	return nil
}

func (m *MemoryStore) PutTableWatch(_ context.Context, w *TableWatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[w.ID] = w.Clone()
	return nil
}

func (m *MemoryStore) GetTableWatch(_ context.Context, id string) (*TableWatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.table[id]
	if !ok {
		return nil, fmt.Errorf("table watch %s: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

func (m *MemoryStore) ListTableWatches(_ context.Context) ([]*TableWatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TableWatch, 0, len(m.table))
	for _, w := range m.table {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteTableWatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.table, id)
	return nil
}

func (m *MemoryStore) PutPushRegistration(_ context.Context, r *PushRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) FindPushRegistration(_ context.Context, key PushKey) (*PushRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.push {
		if r.Key() == key {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("push registration %+v: %w", key, ErrNotFound)
}

func (m *MemoryStore) ListPushRegistrations(_ context.Context) ([]*PushRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PushRegistration, 0, len(m.push))
	for _, r := range m.push {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeletePushRegistration(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.push, id)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
