package statestore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// InMemoryStore mirrors the SQLite store's semantics without durability.
type InMemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: map[string][]byte{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Get(_ context.Context, key string, out any) (bool, error) {
	if s == nil {
		return false, errors.New("in-memory state store: nil store")
	}
	s.mu.Lock()
	raw, ok := s.values[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := decodeValue(key, raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

func (s *InMemoryStore) SetMany(_ context.Context, entries map[string]any) error {
	if s == nil {
		return errors.New("in-memory state store: nil store")
	}
	encoded := make(map[string][]byte, len(entries))
	for k, v := range entries {
		b, err := encodeValue(k, v)
		if err != nil {
			return err
		}
		encoded[k] = b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, b := range encoded {
		s.values[k] = b
	}
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, keys ...string) error {
	if s == nil {
		return errors.New("in-memory state store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func (s *InMemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, errors.New("in-memory state store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
