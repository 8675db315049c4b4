// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package ps

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

// NewMemoryStore returns a new volatile store. Closing it does nothing, so it can be shared
// between contexts.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[uuid.UUID]*Entry)}
}

func (s *memoryStore) Put(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.UUID]; exists {
		return ErrAlreadyExists
	}
	s.entries[e.UUID] = copyEntry(e)
	return nil
}

func (s *memoryStore) Get(id uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.entries[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *memoryStore) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; !exists {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *memoryStore) List() (out []*Entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].UUID[:], out[j].UUID[:]) < 0
	})
	return out, nil
}

func (s *memoryStore) Close() error {
	return nil
}
