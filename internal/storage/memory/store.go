// Package memory stores key-value records in-memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Record is a stored value with its content type.
type Record struct {
	Value       []byte
	ContentType string
}

// Store keeps records in a map. It is safe for concurrent use.
type Store struct {
	id   string
	name string

	mu     sync.RWMutex
	data   map[string]Record
	writes int
}

// NewStore creates an in-memory store. An empty id gets a random UUID.
func NewStore(id, name string) *Store {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	return &Store{
		id:   id,
		name: name,
		data: make(map[string]Record),
	}
}

// ID implements crawler.KeyValueStore.
func (s *Store) ID() string { return s.id }

// Name implements crawler.KeyValueStore.
func (s *Store) Name() string { return s.name }

// SetValue persists a copy of value under key.
func (s *Store) SetValue(ctx context.Context, key string, value []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = Record{
		Value:       append([]byte(nil), value...),
		ContentType: contentType,
	}
	s.writes++
	return nil
}

// Get returns the record stored under key.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[key]
	return rec, ok
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Writes returns the number of successful SetValue calls.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
