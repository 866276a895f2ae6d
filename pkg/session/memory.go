package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps mappings in process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Mapping
	tasks    map[string]string
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Mapping),
		tasks:    make(map[string]string),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, contextID string) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[contextID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Set(ctx context.Context, contextID string, m *Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(contextID, m.Clone())
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, contextID string, mutate func(*Mapping)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[contextID]
	if !ok {
		return nil
	}
	next := cur.Clone()
	mutate(next)
	s.put(contextID, next)
	return nil
}

// put stores m and reconciles the reverse index. Callers hold mu.
func (s *MemoryStore) put(contextID string, m *Mapping) {
	m.ContextID = contextID
	if prev, ok := s.sessions[contextID]; ok {
		for _, id := range staleTasks(prev.TaskIDs, m.TaskIDs) {
			if s.tasks[id] == contextID {
				delete(s.tasks, id)
			}
		}
	}
	s.sessions[contextID] = m
	for _, id := range m.TaskIDs {
		s.tasks[id] = contextID
	}
}

func (s *MemoryStore) Delete(ctx context.Context, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(contextID)
	return nil
}

func (s *MemoryStore) remove(contextID string) {
	m, ok := s.sessions[contextID]
	if !ok {
		return
	}
	for _, id := range m.TaskIDs {
		if s.tasks[id] == contextID {
			delete(s.tasks, id)
		}
	}
	delete(s.sessions, contextID)
}

func (s *MemoryStore) GetByTaskID(ctx context.Context, taskID string) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contextID, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := s.sessions[contextID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, m := range s.sessions {
		if m.LastActivity.Before(cutoff) {
			s.remove(id)
			removed++
		}
	}
	return removed, nil
}

// Len is the number of stored mappings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemoryStore) Close() error { return nil }
