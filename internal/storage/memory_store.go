package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory object store for tests and development mode.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

type memoryObject struct {
	body     []byte
	metadata map[string]string
}

// NewMemoryStore creates an in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	m.objects[key] = memoryObject{body: append([]byte(nil), body...), metadata: md}
	return nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	md := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}
	return &ObjectInfo{Key: key, Size: int64(len(obj.body)), Metadata: md}, nil
}

func (m *MemoryStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[key]; !ok {
		return "", time.Time{}, ErrNotFound
	}
	return fmt.Sprintf("memory://%s?ttl=%d", key, int64(ttl.Seconds())), time.Now().UTC().Add(ttl), nil
}

// Get returns the stored body. Test helper, not part of ObjectStore.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.body...), true
}

// Delete removes the object. Test helper for crash scenarios.
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// Compile-time assertion that MemoryStore implements ObjectStore.
var _ ObjectStore = (*MemoryStore)(nil)
