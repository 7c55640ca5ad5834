// Package mock provides an in-memory store.PersistentStore for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kapellhq/kapell/pkg/store"
)

// Compile-time interface check.
var _ store.PersistentStore = (*Store)(nil)

// Store keeps everything in process memory. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]store.SessionRecord
	pending  map[string]map[string]store.PendingRecord
}

// New creates an empty mock store.
func New() *Store {
	return &Store{
		sessions: make(map[string]store.SessionRecord),
		pending:  make(map[string]map[string]store.PendingRecord),
	}
}

// GetSession implements [store.PersistentStore].
func (s *Store) GetSession(_ context.Context, id string) (*store.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// SaveSession implements [store.PersistentStore].
func (s *Store) SaveSession(_ context.Context, rec store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.sessions[rec.ID] = rec
	return nil
}

// PutPendingToolCall implements [store.PersistentStore].
func (s *Store) PutPendingToolCall(_ context.Context, rec store.PendingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls, ok := s.pending[rec.SessionID]
	if !ok {
		calls = make(map[string]store.PendingRecord)
		s.pending[rec.SessionID] = calls
	}
	calls[rec.CallID] = rec
	return nil
}

// GetPendingToolCalls implements [store.PersistentStore].
func (s *Store) GetPendingToolCalls(_ context.Context, sessionID string) ([]store.PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := []store.PendingRecord{}
	for _, rec := range s.pending[sessionID] {
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeletePendingToolCall implements [store.PersistentStore].
func (s *Store) DeletePendingToolCall(_ context.Context, sessionID, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if callID == "" {
		delete(s.pending, sessionID)
		return nil
	}
	delete(s.pending[sessionID], callID)
	return nil
}

// Close implements [store.PersistentStore].
func (s *Store) Close() {}
