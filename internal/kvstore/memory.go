package kvstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-node
// development runs. It copies items on the way in and out so callers can
// never alias stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[string]Item),
	}
}

func (s *MemoryStore) Get(ctx context.Context, table, key string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, table, key string, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tables[table] == nil {
		s.tables[table] = make(map[string]Item)
	}
	s.tables[table][key] = item.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, table, key string, set map[string]string, incr map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tables[table] == nil {
		s.tables[table] = make(map[string]Item)
	}
	item, ok := s.tables[table][key]
	if !ok {
		item = Item{}
	} else {
		item = item.Clone()
	}
	for f, v := range set {
		item[f] = v
	}
	for f, d := range incr {
		item.SetInt64(f, item.Int64(f)+d)
	}
	s.tables[table][key] = item
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, table string, filter func(Item) bool) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := []Item{}
	for _, item := range s.tables[table] {
		if filter == nil || filter(item) {
			items = append(items, item.Clone())
		}
	}
	return items, nil
}

func (s *MemoryStore) Delete(ctx context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tables[table], key)
	return nil
}
