package store

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process session store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Get(_ context.Context, roomID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[roomID]
	if !ok {
		return nil, nil
	}
	out := r
	return &out, nil
}

func (s *InMemoryStore) Set(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.LastUpdated.IsZero() {
		record.LastUpdated = time.Now().UTC()
	}
	s.records[record.RoomID] = record
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, roomID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
