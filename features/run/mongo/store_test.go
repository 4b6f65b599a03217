package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	mongoc "goa.design/acp/features/run/mongo/clients/mongo"
	"goa.design/acp/run"
)

type fakeClient struct {
	mongoc.Client

	insert func(context.Context, run.Record) error
	load   func(context.Context, string) (run.Record, error)
	swap   func(context.Context, run.Record, run.State) (run.Record, error)
	list   func(context.Context, run.Filter) ([]run.Record, error)
}

func (f *fakeClient) InsertRun(ctx context.Context, rec run.Record) error {
	return f.insert(ctx, rec)
}

func (f *fakeClient) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	return f.load(ctx, runID)
}

func (f *fakeClient) SwapRun(ctx context.Context, rec run.Record, prev run.State) (run.Record, error) {
	return f.swap(ctx, rec, prev)
}

func (f *fakeClient) ListRuns(ctx context.Context, filter run.Filter) ([]run.Record, error) {
	return f.list(ctx, filter)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestNewStoreFromMongoValidatesOptions(t *testing.T) {
	_, err := NewStoreFromMongo(mongoc.Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestStoreDelegatesToClient(t *testing.T) {
	rec := run.Record{ID: "run-1", AgentName: "echo", State: run.StateCreated}
	client := &fakeClient{
		insert: func(_ context.Context, got run.Record) error {
			require.Equal(t, rec, got)
			return nil
		},
		load: func(_ context.Context, runID string) (run.Record, error) {
			require.Equal(t, "run-1", runID)
			return rec, nil
		},
		swap: func(_ context.Context, got run.Record, prev run.State) (run.Record, error) {
			require.Equal(t, run.StateCreated, prev)
			return got, nil
		},
		list: func(_ context.Context, f run.Filter) ([]run.Record, error) {
			require.Equal(t, []run.State{run.StateAwaiting}, f.States)
			return []run.Record{rec}, nil
		},
	}
	store, err := NewStore(client)
	require.NoError(t, err)

	require.NoError(t, store.Create(context.Background(), rec))

	got, err := store.Load(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	next := rec
	next.State = run.StateInProgress
	swapped, err := store.Swap(context.Background(), next, run.StateCreated)
	require.NoError(t, err)
	require.Equal(t, run.StateInProgress, swapped.State)

	listed, err := store.List(context.Background(), run.Filter{States: []run.State{run.StateAwaiting}})
	require.NoError(t, err)
	require.Len(t, listed, 1)
}
