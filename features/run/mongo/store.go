package mongo

import (
	"context"
	"errors"

	mongoc "goa.design/acp/features/run/mongo/clients/mongo"
	"goa.design/acp/run"
)

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

var _ run.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// NewStoreFromMongo builds the Mongo client from opts and wraps it in a
// Store.
func NewStoreFromMongo(opts mongoc.Options) (*Store, error) {
	client, err := mongoc.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(client)
}

// Create inserts a new run record.
func (s *Store) Create(ctx context.Context, rec run.Record) error {
	return s.client.InsertRun(ctx, rec)
}

// Load retrieves a run record by ID.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	return s.client.LoadRun(ctx, runID)
}

// Swap replaces the stored record iff its current state equals prev.
func (s *Store) Swap(ctx context.Context, rec run.Record, prev run.State) (run.Record, error) {
	return s.client.SwapRun(ctx, rec, prev)
}

// List returns records matching the filter.
func (s *Store) List(ctx context.Context, f run.Filter) ([]run.Record, error) {
	return s.client.ListRuns(ctx, f)
}
