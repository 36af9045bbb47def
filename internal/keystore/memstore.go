package keystore

import (
	"context"
	"sync"
)

// MemoryStore is a Store kept entirely in memory. Embeddings use it when the
// platform has no secure store; tests use it for determinism.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[Key][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[Key][]byte)}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, key Key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), value...)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[key]
	if !ok {
		return nil, ErrItemNotFound
	}
	return append([]byte(nil), value...), nil
}

// GetAll implements Store.
func (s *MemoryStore) GetAll(ctx context.Context, service string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []Item
	for key, value := range s.items {
		if key.Service != service {
			continue
		}
		items = append(items, Item{Key: key, Value: append([]byte(nil), value...)})
	}
	return items, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return ErrItemNotFound
	}
	delete(s.items, key)
	return nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
