package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeExec struct {
	id string

	mu      sync.Mutex
	aborted []string
}

func (f *fakeExec) RunID() string { return f.id }

func (f *fakeExec) Abort(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, reason)
}

func (f *fakeExec) abortReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

func TestPutGetRemove(t *testing.T) {
	t.Parallel()

	r := New()
	exec := &fakeExec{id: "run-1"}
	require.NoError(t, r.Put(exec))
	require.Equal(t, 1, r.Len())

	got, ok := r.Get("run-1")
	require.True(t, ok)
	require.Same(t, exec, got)

	_, ok = r.Get("run-2")
	require.False(t, ok)

	r.Remove("run-1")
	require.Equal(t, 0, r.Len())
	_, ok = r.Get("run-1")
	require.False(t, ok)

	r.Remove("run-1") // absent, no-op
}

func TestPutRejectsSecondExecution(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Put(&fakeExec{id: "run-1"}))
	err := r.Put(&fakeExec{id: "run-1"})
	require.ErrorContains(t, err, "already has a live execution")
	require.Equal(t, 1, r.Len())
}

func TestPutValidates(t *testing.T) {
	t.Parallel()

	r := New()
	require.ErrorContains(t, r.Put(nil), "execution is required")
	require.ErrorContains(t, r.Put(&fakeExec{}), "run ID is required")
}

func TestCloseAbortsEverything(t *testing.T) {
	t.Parallel()

	r := New()
	execs := []*fakeExec{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, e := range execs {
		require.NoError(t, r.Put(e))
	}

	r.Close()
	r.Close() // idempotent

	require.Equal(t, 0, r.Len())
	for _, e := range execs {
		require.Equal(t, []string{"shutting down"}, e.abortReasons())
	}

	err := r.Put(&fakeExec{id: "late"})
	require.ErrorContains(t, err, "registry is closed")
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := New()
	var wg sync.WaitGroup
	ids := []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8"}
	wg.Add(len(ids) * 2)
	for _, id := range ids {
		go func(id string) {
			defer wg.Done()
			_ = r.Put(&fakeExec{id: id})
		}(id)
		go func(id string) {
			defer wg.Done()
			_, _ = r.Get(id)
			_ = r.Len()
		}(id)
	}
	wg.Wait()
	require.Equal(t, len(ids), r.Len())
}
