// Package inmem provides an in-memory implementation of run.Store for testing
// and local development. The store holds run records in a map keyed by run ID
// with no persistence across process restarts. Use this for unit tests or
// prototyping; production deployments should use a durable backend such as
// features/run/mongo (MongoDB-backed implementation).
package inmem

import (
	"context"
	"fmt"
	"sync"

	"goa.design/acp/run"
)

// Store implements run.Store in memory with no durability. All operations are
// thread-safe via sync.RWMutex. Records are defensively cloned on read and
// write so callers can never mutate stored state without going through Swap,
// which preserves the compare-and-set discipline the lifecycle relies on.
type Store struct {
	mu      sync.RWMutex
	records map[string]run.Record
}

var _ run.Store = (*Store)(nil)

// New constructs an empty Store with no recorded runs. The returned store is
// immediately ready for use and requires no additional configuration.
func New() *Store {
	return &Store{records: make(map[string]run.Record)}
}

// Create inserts a new record keyed by rec.ID. It fails with run.ErrRunExists
// when the ID is already taken.
func (s *Store) Create(_ context.Context, rec run.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", run.ErrRunExists, rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// Load retrieves the record for the given run ID, failing with
// run.ErrRunNotFound when no such run exists. The returned record is a
// defensive clone.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[runID]
	if !ok {
		return run.Record{}, fmt.Errorf("%w: %s", run.ErrRunNotFound, runID)
	}
	return rec.Clone(), nil
}

// Swap replaces the stored record iff its current state equals prev. It fails
// with run.ErrRunNotFound for unknown IDs and run.ErrStateConflict when a
// concurrent writer transitioned the run first. On success it returns a clone
// of the stored record.
func (s *Store) Swap(_ context.Context, rec run.Record, prev run.State) (run.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.ID]
	if !ok {
		return run.Record{}, fmt.Errorf("%w: %s", run.ErrRunNotFound, rec.ID)
	}
	if stored.State != prev {
		return run.Record{}, fmt.Errorf("%w: %s is %q, expected %q",
			run.ErrStateConflict, rec.ID, stored.State, prev)
	}
	s.records[rec.ID] = rec.Clone()
	return rec.Clone(), nil
}

// List returns clones of all records matching the filter, in no particular
// order.
func (s *Store) List(_ context.Context, f run.Filter) ([]run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Record
	for _, rec := range s.records {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Reset clears all stored records, resetting the store to an empty state. This
// is useful in tests to ensure isolation between test cases. It is not part of
// the run.Store interface.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]run.Record)
}

// Len reports the number of stored records. Not part of run.Store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
