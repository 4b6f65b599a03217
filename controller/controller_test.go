package controller_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/acp/agent"
	"goa.design/acp/controller"
	"goa.design/acp/expiry"
	"goa.design/acp/registry"
	"goa.design/acp/run"
	"goa.design/acp/run/inmem"
	"goa.design/acp/stream"
)

var nameSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"name": {"type": "string"}},
	"required": ["name"]
}`)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *captureSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) all() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Event(nil), s.events...)
}

// recordingAgent runs a scripted invoke and records cancel hook calls.
type recordingAgent struct {
	invoke func(context.Context, agent.Call) (agent.Result, error)

	mu        sync.Mutex
	cancelled []string
}

func (a *recordingAgent) Invoke(ctx context.Context, call agent.Call) (agent.Result, error) {
	return a.invoke(ctx, call)
}

func (a *recordingAgent) OnCancel(_ context.Context, runID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, runID)
	return nil
}

func (a *recordingAgent) cancelledRuns() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

func needsNameAgent() *recordingAgent {
	return &recordingAgent{invoke: func(_ context.Context, call agent.Call) (agent.Result, error) {
		if len(call.Resume) == 0 {
			return agent.Result{Await: &run.AwaitRequest{
				Reason: `missing field "name"`,
				Schema: nameSchema,
			}}, nil
		}
		var in struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(call.Resume, &in); err != nil {
			return agent.Result{}, err
		}
		out, err := json.Marshal(map[string]string{"greeting": "Hello " + in.Name})
		if err != nil {
			return agent.Result{}, err
		}
		return agent.Result{Output: out}, nil
	}}
}

// blockingAgent parks Invoke until released or cancelled, letting tests hold
// a run in in-progress.
type blockingAgent struct {
	started chan string
	release chan struct{}

	mu        sync.Mutex
	cancelled []string
}

func newBlockingAgent() *blockingAgent {
	return &blockingAgent{started: make(chan string, 8), release: make(chan struct{})}
}

func (a *blockingAgent) Invoke(ctx context.Context, call agent.Call) (agent.Result, error) {
	a.started <- call.RunID
	select {
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	case <-a.release:
		return agent.Result{Output: json.RawMessage(`"done"`)}, nil
	}
}

func (a *blockingAgent) OnCancel(_ context.Context, runID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, runID)
	return nil
}

func (a *blockingAgent) cancelledRuns() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

type fixture struct {
	catalog *agent.Catalog
	store   *inmem.Store
	reg     *registry.Registry
	sink    *captureSink
	clock   *fakeClock
	exp     *expiry.Manager
	ctl     *controller.Controller
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		catalog: agent.NewCatalog(),
		store:   inmem.New(),
		reg:     registry.New(),
		sink:    &captureSink{},
		clock:   newFakeClock(),
	}
	f.exp = expiry.New(f.store,
		expiry.WithTTL(ttl),
		expiry.WithClock(f.clock.Now),
		expiry.WithRegistry(f.reg),
		expiry.WithSink(f.sink),
	)
	ctl, err := controller.New(f.catalog, f.store, f.reg,
		controller.WithExpiry(f.exp),
		controller.WithSink(f.sink),
		controller.WithClock(f.clock.Now),
	)
	require.NoError(t, err)
	f.ctl = ctl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctl.Close(ctx)
	})
	return f
}

func (f *fixture) register(t *testing.T, name string, s run.Statefulness, resumable bool, schema json.RawMessage, impl agent.Agent) {
	t.Helper()
	require.NoError(t, f.catalog.Register(agent.Registration{
		Name:         name,
		Statefulness: s,
		Resumable:    resumable,
		InputSchema:  schema,
		Agent:        impl,
	}))
}

func waitState(t *testing.T, ctl *controller.Controller, runID string, want run.State) run.Record {
	t.Helper()
	var rec run.Record
	require.Eventually(t, func() bool {
		got, err := ctl.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		rec = got
		return got.State == want
	}, 2*time.Second, 5*time.Millisecond, "run %s never reached %s (last: %s)", runID, want, rec.State)
	return rec
}

func TestEchoRunCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.register(t, "echo", run.Stateless, false, nil, agent.Func(
		func(_ context.Context, call agent.Call) (agent.Result, error) {
			return agent.Result{Output: call.Input}, nil
		},
	))

	snapshot, err := f.ctl.Create(context.Background(), "echo", json.RawMessage(`"hi"`))
	require.NoError(t, err)
	require.Equal(t, run.StateInProgress, snapshot.State)
	require.Equal(t, "echo", snapshot.AgentName)
	require.Equal(t, run.Stateless, snapshot.Statefulness)
	require.NotEmpty(t, snapshot.ID)
	require.Nil(t, snapshot.Output)

	final := waitState(t, f.ctl, snapshot.ID, run.StateCompleted)
	require.JSONEq(t, `"hi"`, string(final.Output))
	require.Nil(t, final.Error)
	require.Nil(t, final.AwaitRequest)
	require.Nil(t, final.ExpiresAt)

	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	events := f.sink.all()
	require.Len(t, events, 3)
	first, ok := events[0].(stream.StateChanged)
	require.True(t, ok)
	require.Equal(t, run.StateCreated, first.Data.From)
	require.Equal(t, run.StateInProgress, first.Data.To)
	second, ok := events[1].(stream.StateChanged)
	require.True(t, ok)
	require.Equal(t, run.StateInProgress, second.Data.From)
	require.Equal(t, run.StateCompleted, second.Data.To)
	fin, ok := events[2].(stream.RunFinished)
	require.True(t, ok)
	require.Equal(t, run.StateCompleted, fin.Data.State)
	require.JSONEq(t, `"hi"`, string(fin.Data.Output))
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.register(t, "strict", run.Stateless, false, nameSchema, agent.Func(
		func(_ context.Context, call agent.Call) (agent.Result, error) {
			return agent.Result{Output: call.Input}, nil
		},
	))

	_, err := f.ctl.Create(context.Background(), "ghost", nil)
	require.ErrorIs(t, err, run.ErrUnknownAgent)

	_, err = f.ctl.Create(context.Background(), "strict", json.RawMessage(`{"name":42}`))
	require.ErrorIs(t, err, run.ErrInvalidInput)

	_, err = f.ctl.Create(context.Background(), "strict", json.RawMessage(`{"name"`))
	require.ErrorIs(t, err, run.ErrInvalidInput)

	rec, err := f.ctl.Create(context.Background(), "strict", json.RawMessage(`{"name":"Ann"}`))
	require.NoError(t, err)
	waitState(t, f.ctl, rec.ID, run.StateCompleted)
}

func TestNeedsNameScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.register(t, "needs-name", run.Serializable, false, nil, needsNameAgent())

	rec, err := f.ctl.Create(context.Background(), "needs-name", json.RawMessage(`{}`))
	require.NoError(t, err)

	parked := waitState(t, f.ctl, rec.ID, run.StateAwaiting)
	require.NotNil(t, parked.AwaitRequest)
	require.Equal(t, `missing field "name"`, parked.AwaitRequest.Reason)
	require.JSONEq(t, string(nameSchema), string(parked.AwaitRequest.Schema))
	require.Nil(t, parked.Output)
	require.Nil(t, parked.Error)
	require.Equal(t, 1, f.reg.Len())

	// Resume input is validated against the await schema.
	_, err = f.ctl.Resume(context.Background(), rec.ID, json.RawMessage(`{"name":42}`))
	require.ErrorIs(t, err, run.ErrInvalidInput)

	resumed, err := f.ctl.Resume(context.Background(), rec.ID, json.RawMessage(`{"name":"Ann"}`))
	require.NoError(t, err)
	require.Equal(t, run.StateInProgress, resumed.State)
	require.Nil(t, resumed.AwaitRequest)

	final := waitState(t, f.ctl, rec.ID, run.StateCompleted)
	require.JSONEq(t, `{"greeting":"Hello Ann"}`, string(final.Output))
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	var types []stream.EventType
	for _, ev := range f.sink.all() {
		types = append(types, ev.Type())
	}
	require.Equal(t, []stream.EventType{
		stream.EventStateChanged,   // created -> in-progress
		stream.EventStateChanged,   // in-progress -> awaiting
		stream.EventInputRequested, // the await request
		stream.EventStateChanged,   // awaiting -> in-progress
		stream.EventStateChanged,   // in-progress -> completed
		stream.EventRunFinished,
	}, types)
}

func TestResumeErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	blocker := newBlockingAgent()
	f.register(t, "blocker", run.Serializable, false, nil, blocker)

	_, err := f.ctl.Resume(context.Background(), "nope", nil)
	require.ErrorIs(t, err, run.ErrRunNotFound)

	rec, err := f.ctl.Create(context.Background(), "blocker", nil)
	require.NoError(t, err)
	<-blocker.started

	_, err = f.ctl.Resume(context.Background(), rec.ID, json.RawMessage(`{}`))
	require.ErrorIs(t, err, run.ErrInvalidTransition)

	close(blocker.release)
	waitState(t, f.ctl, rec.ID, run.StateCompleted)
}

func TestCancelInProgressRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	blocker := newBlockingAgent()
	f.register(t, "blocker", run.Serializable, false, nil, blocker)

	rec, err := f.ctl.Create(context.Background(), "blocker", nil)
	require.NoError(t, err)
	<-blocker.started

	snapshot, err := f.ctl.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, run.StateCancelling, snapshot.State)

	final := waitState(t, f.ctl, rec.ID, run.StateCancelled)
	require.Nil(t, final.Output)
	require.Nil(t, final.Error)
	require.Eventually(t, func() bool {
		return len(blocker.cancelledRuns()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	// Terminal and not resumable: further input is rejected.
	_, err = f.ctl.Resume(context.Background(), rec.ID, json.RawMessage(`{}`))
	require.ErrorIs(t, err, run.ErrInvalidTransition)
	require.ErrorIs(t, err, run.ErrNotResumable)
}

func TestCancelAwaitingRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	impl := needsNameAgent()
	f.register(t, "needs-name", run.Serializable, false, nil, impl)

	rec, err := f.ctl.Create(context.Background(), "needs-name", json.RawMessage(`{}`))
	require.NoError(t, err)
	waitState(t, f.ctl, rec.ID, run.StateAwaiting)

	snapshot, err := f.ctl.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, run.StateCancelling, snapshot.State)
	require.Nil(t, snapshot.AwaitRequest)

	final := waitState(t, f.ctl, rec.ID, run.StateCancelled)
	require.Nil(t, final.AwaitRequest)
	require.Equal(t, []string{rec.ID}, impl.cancelledRuns())

	_, err = f.ctl.Resume(context.Background(), rec.ID, json.RawMessage(`{"name":"Ann"}`))
	require.ErrorIs(t, err, run.ErrInvalidTransition)
}

func TestCancelTerminalRunRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.register(t, "echo", run.Stateless, false, nil, agent.Func(
		func(_ context.Context, call agent.Call) (agent.Result, error) {
			return agent.Result{Output: call.Input}, nil
		},
	))

	rec, err := f.ctl.Create(context.Background(), "echo", json.RawMessage(`1`))
	require.NoError(t, err)
	waitState(t, f.ctl, rec.ID, run.StateCompleted)

	_, err = f.ctl.Cancel(context.Background(), rec.ID)
	require.ErrorIs(t, err, run.ErrInvalidTransition)

	_, err = f.ctl.Cancel(context.Background(), "nope")
	require.ErrorIs(t, err, run.ErrRunNotFound)
}

func TestConcurrentCancelAndComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)

	for i := 0; i < 10; i++ {
		blocker := newBlockingAgent()
		name := fmt.Sprintf("racer-%d", i)
		f.register(t, name, run.Serializable, false, nil, blocker)

		rec, err := f.ctl.Create(context.Background(), name, nil)
		require.NoError(t, err)
		<-blocker.started

		var (
			wg        sync.WaitGroup
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = f.ctl.Cancel(context.Background(), rec.ID)
		}()
		go func() {
			defer wg.Done()
			close(blocker.release)
		}()
		wg.Wait()

		// Exactly one of the two outcomes wins, and the cancel result tells
		// which: an accepted cancel always ends in cancelled with the agent
		// output discarded, a rejected one means completion won.
		if cancelErr == nil {
			final := waitState(t, f.ctl, rec.ID, run.StateCancelled)
			require.Nil(t, final.Output)
		} else {
			require.ErrorIs(t, cancelErr, run.ErrInvalidTransition)
			final := waitState(t, f.ctl, rec.ID, run.StateCompleted)
			require.JSONEq(t, `"done"`, string(final.Output))
		}
	}
}

func TestStatelessAgentCannotAwait(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.register(t, "rogue", run.Stateless, false, nil, agent.Func(
		func(context.Context, agent.Call) (agent.Result, error) {
			return agent.Result{Await: &run.AwaitRequest{Reason: "more"}}, nil
		},
	))

	rec, err := f.ctl.Create(context.Background(), "rogue", nil)
	require.NoError(t, err)

	final := waitState(t, f.ctl, rec.ID, run.StateFailed)
	require.NotNil(t, final.Error)
	require.Equal(t, run.FailureAgentError, final.Error.Kind)
	require.Contains(t, final.Error.Message, "stateless")
	require.Nil(t, final.AwaitRequest)
}

func TestAgentErrorFailsRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.register(t, "faulty", run.Stateless, false, nil, agent.Func(
		func(context.Context, agent.Call) (agent.Result, error) {
			return agent.Result{}, errors.New("model overloaded")
		},
	))

	rec, err := f.ctl.Create(context.Background(), "faulty", nil)
	require.NoError(t, err)

	final := waitState(t, f.ctl, rec.ID, run.StateFailed)
	require.Equal(t, run.FailureAgentError, final.Error.Kind)
	require.Equal(t, "model overloaded", final.Error.Message)
	require.Nil(t, final.Output)
}

func TestContinueFromTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	var turns int
	var mu sync.Mutex
	f.register(t, "phoenix", run.Serializable, true, nil, agent.Func(
		func(_ context.Context, call agent.Call) (agent.Result, error) {
			mu.Lock()
			turns++
			n := turns
			mu.Unlock()
			if n == 1 {
				return agent.Result{}, errors.New("first attempt failed")
			}
			out, _ := json.Marshal(map[string]int{"attempt": n})
			return agent.Result{Output: out}, nil
		},
	))

	rec, err := f.ctl.Create(context.Background(), "phoenix", nil)
	require.NoError(t, err)
	failed := waitState(t, f.ctl, rec.ID, run.StateFailed)
	require.Equal(t, run.FailureAgentError, failed.Error.Kind)

	// continue clears the previous outcome before the agent runs again.
	resumed, err := f.ctl.Resume(context.Background(), rec.ID, json.RawMessage(`{"retry":true}`))
	require.NoError(t, err)
	require.Equal(t, run.StateInProgress, resumed.State)
	require.Nil(t, resumed.Error)
	require.Nil(t, resumed.Output)

	final := waitState(t, f.ctl, rec.ID, run.StateCompleted)
	require.JSONEq(t, `{"attempt":2}`, string(final.Output))
	require.Nil(t, final.Error)
}

func TestLazyExpiryWithoutSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.register(t, "live-session", run.NonSerializable, false, nil, needsNameAgent())

	rec, err := f.ctl.Create(context.Background(), "live-session", json.RawMessage(`{}`))
	require.NoError(t, err)
	parked := waitState(t, f.ctl, rec.ID, run.StateAwaiting)
	require.NotNil(t, parked.ExpiresAt)
	require.Equal(t, 1, f.reg.Len())

	f.clock.Advance(2 * time.Second)

	// No sweep is running: the read itself detects and enforces expiry.
	got, err := f.ctl.Get(context.Background(), rec.ID)
	require.ErrorIs(t, err, run.ErrRunExpired)
	require.Equal(t, run.StateFailed, got.State)
	require.Equal(t, run.FailureExpired, got.Error.Kind)
	require.Nil(t, got.ExpiresAt)

	// The live execution was aborted and released.
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	// Later reads return the failed snapshot without error.
	again, err := f.ctl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, run.StateFailed, again.State)

	// Resumption is gone with the run.
	_, err = f.ctl.Resume(context.Background(), rec.ID, json.RawMessage(`{"name":"Ann"}`))
	require.ErrorIs(t, err, run.ErrInvalidTransition)
}

func TestResumeExpiredRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.register(t, "live-session", run.NonSerializable, false, nil, needsNameAgent())

	rec, err := f.ctl.Create(context.Background(), "live-session", json.RawMessage(`{}`))
	require.NoError(t, err)
	waitState(t, f.ctl, rec.ID, run.StateAwaiting)

	f.clock.Advance(time.Minute)

	_, err = f.ctl.Resume(context.Background(), rec.ID, json.RawMessage(`{"name":"Ann"}`))
	require.ErrorIs(t, err, run.ErrRunExpired)

	final, err := f.ctl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, run.StateFailed, final.State)
	require.Equal(t, run.FailureExpired, final.Error.Kind)
}

func TestCloseStopsNewWork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	f.register(t, "echo", run.Stateless, false, nil, agent.Func(
		func(_ context.Context, call agent.Call) (agent.Result, error) {
			return agent.Result{Output: call.Input}, nil
		},
	))

	rec, err := f.ctl.Create(context.Background(), "echo", json.RawMessage(`"bye"`))
	require.NoError(t, err)
	waitState(t, f.ctl, rec.ID, run.StateCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.ctl.Close(ctx))

	_, err = f.ctl.Create(context.Background(), "echo", nil)
	require.ErrorContains(t, err, "controller is closed")
	_, err = f.ctl.Resume(context.Background(), rec.ID, nil)
	require.ErrorContains(t, err, "controller is closed")
	_, err = f.ctl.Cancel(context.Background(), rec.ID)
	require.ErrorContains(t, err, "controller is closed")

	// Reads keep working so shutdown paths can report final states.
	got, err := f.ctl.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, run.StateCompleted, got.State)
}

func TestGetUnknownRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	_, err := f.ctl.Get(context.Background(), "nope")
	require.ErrorIs(t, err, run.ErrRunNotFound)
}
