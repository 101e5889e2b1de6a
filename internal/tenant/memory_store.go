package tenant

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory tenant store for tests and development mode.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	byName  map[string]string
	byHash  map[string]string
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		byName:  make(map[string]string),
		byHash:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[t.Name]; ok {
		return ErrNameTaken
	}
	cp := *t
	m.tenants[t.ID] = &cp
	m.byName[t.Name] = t.ID
	m.byHash[t.APIKeyHash] = t.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByAPIKeyHash(ctx context.Context, hash string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.tenants[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.tenants[t.ID]
	if !ok {
		return ErrNotFound
	}
	delete(m.byName, old.Name)
	cp := *t
	m.tenants[t.ID] = &cp
	m.byName[t.Name] = t.ID
	return nil
}

func (m *MemoryStore) List(ctx context.Context, afterCreated time.Time, afterID string, limit int) ([]*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	tenants := make([]*Tenant, 0, limit)
	for _, t := range all {
		if t.CreatedAt.Before(afterCreated) ||
			(t.CreatedAt.Equal(afterCreated) && t.ID <= afterID) {
			continue
		}
		tenants = append(tenants, t)
		if len(tenants) >= limit {
			break
		}
	}
	return tenants, nil
}

var _ Store = (*MemoryStore)(nil)
