// Package controller drives runs through their lifecycle. It owns the only
// mutation path for run records: every operation validates the requested
// event against the transition table, persists the result with a
// compare-and-set on the observed state, and only then makes it observable
// to callers and event subscribers.
//
// Agent work happens asynchronously. The controller invokes the agent in a
// goroutine per turn, maps its outcome (output, input request, error) onto
// lifecycle events, and settles races between concurrent writers through the
// store CAS: the loser reloads and follows the stored state instead of
// overwriting the winner.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/acp/agent"
	"goa.design/acp/expiry"
	"goa.design/acp/registry"
	"goa.design/acp/run"
	"goa.design/acp/stream"
	"goa.design/acp/telemetry"
)

type (
	// Controller orchestrates run lifecycles against the agents registered in
	// its catalog. All methods are safe for concurrent use; operations on the
	// same run are serialized by a per-run lock while independent runs
	// proceed in parallel.
	Controller struct {
		catalog *agent.Catalog
		store   run.Store
		reg     *registry.Registry
		exp     *expiry.Manager
		sink    stream.Sink
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		nowFn   func() time.Time
		newID   func() string

		lmu   sync.Mutex
		locks map[string]*sync.Mutex

		mu     sync.Mutex
		closed bool
		wg     sync.WaitGroup
	}

	// Option configures optional controller settings.
	Option func(*Controller)
)

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(c *Controller) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithSink sets the sink lifecycle events are published to.
func WithSink(sink stream.Sink) Option {
	return func(c *Controller) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithExpiry wires the TTL manager. Without it runs never expire.
func WithExpiry(m *expiry.Manager) Option {
	return func(c *Controller) { c.exp = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.nowFn = now
		}
	}
}

// New constructs a Controller. The catalog and store are required; a nil
// registry gets a fresh one. Defaults: no expiry, discarded events, no-op
// telemetry, wall clock, UUID run IDs.
func New(catalog *agent.Catalog, store run.Store, reg *registry.Registry, opts ...Option) (*Controller, error) {
	if catalog == nil {
		return nil, fmt.Errorf("agent catalog is required")
	}
	if store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if reg == nil {
		reg = registry.New()
	}
	c := &Controller{
		catalog: catalog,
		store:   store,
		reg:     reg,
		sink:    stream.NopSink{},
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
		nowFn:   time.Now,
		newID:   uuid.NewString,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Create validates the request, persists a new run, applies start, and
// invokes the agent asynchronously. It returns the in-progress snapshot;
// callers observe the rest of the lifecycle through Get or the event stream.
func (c *Controller) Create(ctx context.Context, agentName string, input json.RawMessage) (run.Record, error) {
	ctx, span := c.tracer.Start(ctx, "acp.run.create")
	defer span.End()

	if err := c.operational(); err != nil {
		return run.Record{}, c.fail(span, err)
	}
	areg, err := c.catalog.Lookup(agentName)
	if err != nil {
		return run.Record{}, c.fail(span, err)
	}
	if err := c.catalog.ValidateInput(agentName, input); err != nil {
		return run.Record{}, c.fail(span, err)
	}

	now := c.nowFn()
	rec := run.Record{
		ID:           c.newID(),
		AgentName:    agentName,
		State:        run.StateCreated,
		Input:        input,
		Statefulness: areg.Statefulness,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.exp != nil {
		c.exp.Touch(&rec)
	}
	if err := c.store.Create(ctx, rec); err != nil {
		return run.Record{}, c.fail(span, fmt.Errorf("persist run: %w", err))
	}
	c.metrics.IncCounter(telemetry.MetricRunsCreated, 1, "agent", agentName)
	c.logger.Info(ctx, "run created", "run_id", rec.ID, "agent", agentName)

	lock := c.runLock(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	e := c.newExecution(rec.ID, agentName, areg.Agent)
	if err := c.reg.Put(e); err != nil {
		return run.Record{}, c.fail(span, fmt.Errorf("register execution: %w", err))
	}
	started, err := c.apply(ctx, rec, run.EventStart, nil)
	if err != nil {
		c.reg.Remove(rec.ID)
		return run.Record{}, c.fail(span, err)
	}
	c.startInvoke(e, agent.Call{RunID: rec.ID, Input: rec.Input})
	return started, nil
}

// Resume feeds input into a run. An awaiting run has the input validated
// against its await schema and re-enters in-progress via input-received. A
// terminal run of a resumable agent re-enters in-progress via continue with
// its previous outcome cleared. Anything else is an invalid transition.
func (c *Controller) Resume(ctx context.Context, runID string, input json.RawMessage) (run.Record, error) {
	ctx, span := c.tracer.Start(ctx, "acp.run.resume")
	defer span.End()

	if err := c.operational(); err != nil {
		return run.Record{}, c.fail(span, err)
	}

	lock := c.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := c.load(ctx, runID)
	if err != nil {
		return rec, c.fail(span, err)
	}

	// The sweep does not take run locks; a lost CAS means it expired the run
	// mid-call and gets one reload to settle what the caller sees.
	for attempt := 0; ; attempt++ {
		updated, err := c.resumeLocked(ctx, rec, input)
		if err == nil || !run.IsStateConflict(err) || attempt > 0 {
			if err != nil {
				return updated, c.fail(span, err)
			}
			return updated, nil
		}
		rec, err = c.reloadAfterConflict(ctx, runID)
		if err != nil {
			return rec, c.fail(span, err)
		}
	}
}

// resumeLocked performs one resume attempt against the given snapshot. The
// caller holds the run lock.
func (c *Controller) resumeLocked(ctx context.Context, rec run.Record, input json.RawMessage) (run.Record, error) {
	switch {
	case rec.State == run.StateAwaiting:
		var schema json.RawMessage
		if rec.AwaitRequest != nil {
			schema = rec.AwaitRequest.Schema
		}
		if err := agent.ValidateJSON(input, schema); err != nil {
			return rec, err
		}
		e, created, err := c.ensureExecution(rec)
		if err != nil {
			return rec, err
		}
		updated, err := c.apply(ctx, rec, run.EventInputReceived, nil)
		if err != nil {
			if created {
				c.reg.Remove(rec.ID)
			}
			return rec, err
		}
		c.logger.Info(ctx, "run resumed", "run_id", rec.ID)
		c.startInvoke(e, agent.Call{RunID: rec.ID, Input: updated.Input, Resume: input})
		return updated, nil

	case rec.State.Terminal():
		areg, err := c.catalog.Lookup(rec.AgentName)
		if err != nil {
			return rec, err
		}
		if !areg.Resumable {
			return rec, fmt.Errorf("%w: agent %q", run.ErrNotResumable, rec.AgentName)
		}
		if err := agent.ValidateJSON(input, nil); err != nil {
			return rec, err
		}
		e, created, err := c.ensureExecution(rec)
		if err != nil {
			return rec, err
		}
		updated, err := c.apply(ctx, rec, run.EventContinue, nil)
		if err != nil {
			if created {
				c.reg.Remove(rec.ID)
			}
			return rec, err
		}
		c.logger.Info(ctx, "run continued", "run_id", rec.ID, "from", string(rec.State))
		c.startInvoke(e, agent.Call{RunID: rec.ID, Input: updated.Input, Resume: input})
		return updated, nil

	default:
		_, err := run.Next(rec.State, run.EventInputReceived)
		return rec, err
	}
}

// Cancel requests cooperative cancellation. It applies cancel-request,
// returns the cancelling snapshot, cancels the in-flight invocation context,
// and calls the agent's OnCancel hook. The transition to cancelled happens
// asynchronously once the agent acknowledges.
func (c *Controller) Cancel(ctx context.Context, runID string) (run.Record, error) {
	ctx, span := c.tracer.Start(ctx, "acp.run.cancel")
	defer span.End()

	if err := c.operational(); err != nil {
		return run.Record{}, c.fail(span, err)
	}

	lock := c.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := c.load(ctx, runID)
	if err != nil {
		return rec, c.fail(span, err)
	}

	updated, err := c.apply(ctx, rec, run.EventCancelRequest, nil)
	if err != nil {
		if run.IsStateConflict(err) {
			stored, rerr := c.reloadAfterConflict(ctx, runID)
			if rerr != nil {
				return stored, c.fail(span, rerr)
			}
			_, nerr := run.Next(stored.State, run.EventCancelRequest)
			if nerr == nil {
				nerr = run.ErrStateConflict
			}
			return stored, c.fail(span, nerr)
		}
		return rec, c.fail(span, err)
	}
	c.logger.Info(ctx, "run cancelling", "run_id", runID)

	impl, inflight := c.signalCancel(updated)
	c.trackGo(func() {
		cctx := context.Background()
		if err := impl.OnCancel(cctx, runID); err != nil {
			c.logger.Warn(cctx, "agent cancel hook failed", "run_id", runID, "error", err.Error())
		}
		if !inflight {
			c.confirmCancel(runID)
		}
	})
	return updated, nil
}

// signalCancel aborts the live execution, if any, and returns the agent
// implementation to notify plus whether an invocation is in flight. With an
// invocation in flight its own return path confirms the cancel; otherwise
// the caller confirms once OnCancel returns.
func (c *Controller) signalCancel(rec run.Record) (agent.Agent, bool) {
	if e, ok := c.reg.Get(rec.ID); ok {
		if exec, ok := e.(*execution); ok {
			return exec.agent, exec.abortForCancel()
		}
		e.Abort("cancel requested")
	}
	areg, err := c.catalog.Lookup(rec.AgentName)
	if err != nil {
		// No implementation to notify; the confirm path still runs.
		return agent.Func(func(context.Context, agent.Call) (agent.Result, error) {
			return agent.Result{}, nil
		}), false
	}
	return areg.Agent, false
}

// Get returns a read-only snapshot. It remains subject to the lazy expiry
// check: the call that detects expiry forces the run to failed and returns
// ErrRunExpired; later reads return the failed snapshot normally. Get keeps
// working after Close so shutdown paths can report final states.
func (c *Controller) Get(ctx context.Context, runID string) (run.Record, error) {
	ctx, span := c.tracer.Start(ctx, "acp.run.get")
	defer span.End()

	rec, err := c.load(ctx, runID)
	if err != nil {
		return rec, c.fail(span, err)
	}
	return rec, nil
}

// Close stops accepting Create, Resume, and Cancel, aborts in-flight
// invocations, and waits for execution goroutines until ctx expires. Records
// are left as they are: serializable runs are replayed by Recover on the
// next start, others are failed there with kind lost-context.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.reg.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply validates ev against rec's state, persists the transition with a
// compare-and-set on that state, and reports it through metrics and the
// event sink. The mutate hook sets event-specific fields (output, failure,
// await request); the field invariants tied to the destination state and the
// expiry bookkeeping are enforced here so no caller can skip them.
func (c *Controller) apply(ctx context.Context, rec run.Record, ev run.Event, mutate func(*run.Record)) (run.Record, error) {
	next, err := run.Next(rec.State, ev)
	if err != nil {
		return rec, err
	}
	updated := rec.Clone()
	updated.State = next
	if mutate != nil {
		mutate(&updated)
	}
	if next != run.StateCompleted {
		updated.Output = nil
	}
	if next != run.StateFailed {
		updated.Error = nil
	}
	if next != run.StateAwaiting {
		updated.AwaitRequest = nil
	}
	if c.exp != nil {
		c.exp.Touch(&updated)
		c.exp.Clear(&updated)
	}
	updated.UpdatedAt = c.nowFn()

	stored, err := c.store.Swap(ctx, updated, rec.State)
	if err != nil {
		return rec, err
	}

	c.metrics.IncCounter(telemetry.MetricTransitions, 1, "event", string(ev))
	c.publish(ctx, stream.NewStateChanged(stored.ID, rec.State, next, ev, stored.UpdatedAt))
	if next == run.StateAwaiting && stored.AwaitRequest != nil {
		c.publish(ctx, stream.NewInputRequested(stored.ID, *stored.AwaitRequest))
	}
	if next.Terminal() {
		c.publish(ctx, stream.NewRunFinished(stored))
	}
	return stored, nil
}

// load fetches a run and enforces expiry lazily. A run past its deadline is
// forced to failed here and reported with ErrRunExpired; if a concurrent
// transition beat the enforcement, the fresh record is returned instead.
func (c *Controller) load(ctx context.Context, runID string) (run.Record, error) {
	rec, err := c.store.Load(ctx, runID)
	if err != nil {
		return run.Record{}, err
	}
	if c.exp != nil && c.exp.Expired(rec) {
		return c.exp.Enforce(ctx, rec)
	}
	return rec, nil
}

// reloadAfterConflict refreshes a snapshot after a lost CAS. When the winner
// was the expiry sweep the caller's operation fails with ErrRunExpired, the
// same outcome it would have seen arriving a moment later.
func (c *Controller) reloadAfterConflict(ctx context.Context, runID string) (run.Record, error) {
	stored, err := c.store.Load(ctx, runID)
	if err != nil {
		return run.Record{}, err
	}
	if stored.State == run.StateFailed && stored.Error != nil && stored.Error.Kind == run.FailureExpired {
		return stored, run.ErrRunExpired
	}
	return stored, nil
}

// confirmCancel applies cancel-confirmed to a cancelling run. Both the
// invocation return path and the OnCancel path funnel here; the CAS makes
// sure only one confirmation lands.
func (c *Controller) confirmCancel(runID string) {
	ctx := context.Background()
	lock := c.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := c.store.Load(ctx, runID)
	if err != nil {
		c.logger.Error(ctx, "cancel confirmation load failed", "run_id", runID, "error", err.Error())
		return
	}
	if rec.State != run.StateCancelling {
		return
	}
	if _, err := c.apply(ctx, rec, run.EventCancelConfirmed, nil); err != nil {
		if !run.IsStateConflict(err) {
			c.logger.Error(ctx, "cancel confirmation failed", "run_id", runID, "error", err.Error())
		}
		return
	}
	c.reg.Remove(runID)
	c.logger.Info(ctx, "run cancelled", "run_id", runID)
}

// ensureExecution returns the live execution for rec, building and
// registering a fresh one when none exists. Resume needs this after a
// restart (serializable runs are replayed on first access) and on every
// continue from a terminal state, whose execution was released on settle.
// The second return reports whether the execution was created by this call.
func (c *Controller) ensureExecution(rec run.Record) (*execution, bool, error) {
	if e, ok := c.reg.Get(rec.ID); ok {
		if exec, ok := e.(*execution); ok {
			return exec, false, nil
		}
		return nil, false, fmt.Errorf("run %q: foreign execution registered", rec.ID)
	}
	areg, err := c.catalog.Lookup(rec.AgentName)
	if err != nil {
		return nil, false, err
	}
	e := c.newExecution(rec.ID, rec.AgentName, areg.Agent)
	if err := c.reg.Put(e); err != nil {
		return nil, false, fmt.Errorf("register execution: %w", err)
	}
	return e, true, nil
}

// runLock returns the mutex serializing operations on runID. Locks are tiny
// and live as long as the process; the store itself retains records
// indefinitely, so this adds no new growth class.
func (c *Controller) runLock(runID string) *sync.Mutex {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	l, ok := c.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[runID] = l
	}
	return l
}

func (c *Controller) operational() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("controller is closed")
	}
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) trackGo(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) publish(ctx context.Context, ev stream.Event) {
	if err := c.sink.Send(ctx, ev); err != nil {
		c.logger.Warn(ctx, "event delivery failed",
			"run_id", ev.RunID(),
			"event", string(ev.Type()),
			"error", err.Error(),
		)
	}
}

// fail records err on the span and passes it through.
func (c *Controller) fail(span telemetry.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
