package store

import (
	"sync"

	"tgmarket/pkg/domain"
)

// MemoryStore keeps users and products in-process. It backs tests and local
// development without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	products map[string]domain.Product
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		products: make(map[string]domain.Product),
	}
}

// UpsertUser inserts or refreshes a user, preserving CreatedAt on update.
func (m *MemoryStore) UpsertUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	}
	m.users[u.ID] = u
	return nil
}

// GetUser looks up a user by id.
func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// CreateProduct stores a new product record.
func (m *MemoryStore) CreateProduct(p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = cloneProduct(p)
	return nil
}

// GetProduct looks up a product by id.
func (m *MemoryStore) GetProduct(id string) (domain.Product, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return domain.Product{}, false, nil
	}
	return cloneProduct(p), true, nil
}

// UpdateProduct replaces a product record.
func (m *MemoryStore) UpdateProduct(p domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; !ok {
		return nil
	}
	m.products[p.ID] = cloneProduct(p)
	return nil
}

// DeleteProduct removes a product record.
func (m *MemoryStore) DeleteProduct(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id)
	return nil
}

// cloneProduct copies the image slice so callers cannot mutate stored state.
func cloneProduct(p domain.Product) domain.Product {
	images := make([]string, len(p.Images))
	copy(images, p.Images)
	p.Images = images
	return p
}
