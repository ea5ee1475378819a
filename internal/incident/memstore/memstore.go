// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/capcode/internal/incident"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 10000

// Store holds the most recent records in memory. Once full, the oldest record
// is evicted on every insert. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	capacity int
	records  map[string]*incident.Record // record ID -> record
	order    []string                    // record IDs, oldest first
}

// New initializes a new in-memory Store holding at most capacity records.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		records:  make(map[string]*incident.Record),
	}
}

// Get retrieves a record by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Put stores a copy of the record. Replacing an existing ID keeps its position.
func (s *Store) Put(_ context.Context, r *incident.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; !ok {
		if len(s.order) >= s.capacity {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.records, oldest)
		}
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = r.Clone()
	return nil
}

// Recent returns copies of up to limit records, newest first.
func (s *Store) Recent(_ context.Context, limit int) ([]*incident.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(limit, len(s.order))
	if n <= 0 {
		return []*incident.Record{}, nil
	}
	out := make([]*incident.Record, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[s.order[i]].Clone())
	}
	return out, nil
}

// Len reports how many records are held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
