package history

import (
	"context"
	"maps"
	"sync"
)

type memoryStore struct {
	mu    sync.RWMutex
	convs map[string][]Entry
}

func NewMemory() Store {
	return &memoryStore{convs: map[string][]Entry{}}
}

func (s *memoryStore) Append(_ context.Context, conversationID string, entries ...Entry) error {
	batch := make([]Entry, len(entries))
	for i, entry := range entries {
		entry.Metadata = maps.Clone(entry.Metadata)
		batch[i] = entry
	}
	s.mu.Lock()
	s.convs[conversationID] = append(s.convs[conversationID], batch...)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Read(_ context.Context, conversationID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.convs[conversationID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *memoryStore) Close(context.Context) error { return nil }
