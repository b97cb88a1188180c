// Package memstore keeps call records in memory. It backs tests and
// single-node development runs where PostgreSQL is not configured.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/voxline-ai/voxline/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is an in-memory store.Store.
type Store struct {
	mu    sync.RWMutex
	calls map[string]store.CallRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{calls: make(map[string]store.CallRecord)}
}

// SaveCall stores or overwrites one record.
func (s *Store) SaveCall(_ context.Context, rec store.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rec.CallID] = rec
	return nil
}

// GetCall returns one record, or store.ErrNotFound.
func (s *Store) GetCall(_ context.Context, callID string) (store.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callID]
	if !ok {
		return store.CallRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ListCalls returns an agent's records, newest first.
func (s *Store) ListCalls(_ context.Context, agentID string, limit int) ([]store.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.CallRecord
	for _, rec := range s.calls {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}
