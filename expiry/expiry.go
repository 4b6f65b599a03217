// Package expiry enforces time-to-live on non-serializable runs. Such runs
// hold resources that exist only inside the owning process, so an idle run
// cannot be kept resumable forever; past its deadline it is forced to failed
// with kind expired.
//
// Enforcement is belt and braces: a background sweep scans for overdue runs,
// and every read/resume/cancel re-checks the deadline lazily so correctness
// never depends on sweep timing. Forcing a run to failed is a guarded
// compare-and-set write rather than an event-table transition; the lifecycle
// table governs caller and agent driven events, while expiry acts on whatever
// continuable state the run idles in.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/acp/registry"
	"goa.design/acp/run"
	"goa.design/acp/stream"
	"goa.design/acp/telemetry"
)

type (
	// Manager owns the TTL policy for non-serializable runs: it stamps
	// deadlines on continuable states, clears them on terminal states, checks
	// them lazily, and sweeps overdue runs in the background.
	Manager struct {
		store    run.Store
		reg      *registry.Registry
		sink     stream.Sink
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		ttl      time.Duration
		interval time.Duration
		now      func() time.Time

		wg        sync.WaitGroup
		closeOnce sync.Once
		closeCh   chan struct{}
	}

	// Option configures optional manager settings.
	Option func(*Manager)
)

const (
	// DefaultTTL is the default idle window before a non-serializable run
	// expires.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is the default period between background sweeps.
	DefaultSweepInterval = 30 * time.Second
)

// WithTTL sets the idle window before expiry.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSweepInterval sets the period between background sweeps.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock overrides the time source, letting tests move deadlines without
// sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRegistry lets the manager abort the live execution of a run it expires.
func WithRegistry(reg *registry.Registry) Option {
	return func(m *Manager) { m.reg = reg }
}

// WithSink sets the event sink expired runs are reported to.
func WithSink(sink stream.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// New constructs a Manager over the given store. Defaults: 5 minute TTL,
// 30 second sweep interval, wall clock, no-op telemetry, discarded events.
func New(store run.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		sink:     stream.NopSink{},
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		ttl:      DefaultTTL,
		interval: DefaultSweepInterval,
		now:      time.Now,
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured idle window.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Touch stamps the expiry deadline on rec when it is a non-serializable run
// in a continuable state. Any other record is left untouched; in particular
// entry into cancelling neither refreshes nor clears the deadline.
func (m *Manager) Touch(rec *run.Record) {
	if rec.Statefulness != run.NonSerializable || !rec.State.Continuable() {
		return
	}
	deadline := m.now().Add(m.ttl)
	rec.ExpiresAt = &deadline
}

// Clear drops the expiry deadline when rec reached a terminal state.
func (m *Manager) Clear(rec *run.Record) {
	if rec.State.Terminal() {
		rec.ExpiresAt = nil
	}
}

// Expired reports whether rec is past its deadline. Runs without a deadline
// never expire.
func (m *Manager) Expired(rec run.Record) bool {
	return rec.ExpiresAt != nil && rec.State.Continuable() && !m.now().Before(*rec.ExpiresAt)
}

// Enforce forces an expired run to failed with kind expired, aborts its live
// execution if one is registered, and reports the transition. It returns the
// failed record together with ErrRunExpired.
//
// The write is compare-and-set on the state Enforce observed. Losing the race
// means a concurrent transition won; Enforce then reloads and follows the
// stored state: if another enforcer already expired the run it still returns
// ErrRunExpired with the stored snapshot, and if the run moved on (an input
// arrived first, say) it returns the fresh record with no error so the caller
// proceeds against reality.
func (m *Manager) Enforce(ctx context.Context, rec run.Record) (run.Record, error) {
	from := rec.State
	failed := rec.Clone()
	failed.State = run.StateFailed
	failed.AwaitRequest = nil
	failed.Error = &run.Failure{
		Kind:    run.FailureExpired,
		Message: fmt.Sprintf("run expired after %s of inactivity", m.ttl),
	}
	failed.ExpiresAt = nil
	failed.UpdatedAt = m.now()

	updated, err := m.store.Swap(ctx, failed, from)
	if err != nil {
		if !run.IsStateConflict(err) {
			return rec, fmt.Errorf("expire run %s: %w", rec.ID, err)
		}
		stored, loadErr := m.store.Load(ctx, rec.ID)
		if loadErr != nil {
			return rec, fmt.Errorf("expire run %s: %w", rec.ID, loadErr)
		}
		if stored.State == run.StateFailed && stored.Error != nil && stored.Error.Kind == run.FailureExpired {
			return stored, run.ErrRunExpired
		}
		return stored, nil
	}

	if m.reg != nil {
		if exec, ok := m.reg.Get(updated.ID); ok {
			exec.Abort("run expired")
			m.reg.Remove(updated.ID)
		}
	}

	m.logger.Warn(ctx, "run expired",
		"run_id", updated.ID,
		"agent", updated.AgentName,
		"from", string(from),
	)
	m.metrics.IncCounter(telemetry.MetricRunsExpired, 1, "agent", updated.AgentName)
	m.publish(ctx, stream.NewStateChanged(updated.ID, from, run.StateFailed, run.EventTimeoutOrError, updated.UpdatedAt))
	m.publish(ctx, stream.NewRunFinished(updated))

	return updated, run.ErrRunExpired
}

// Start launches the background sweep. Call at most once; Stop shuts the
// sweep down. The context bounds individual sweep passes, not the loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.closeCh:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop terminates the background sweep and waits for an in-flight pass to
// finish. It is idempotent.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() { close(m.closeCh) })
	m.wg.Wait()
}

// Sweep runs one pass: it lists overdue non-serializable runs and enforces
// each. Races with concurrent transitions are settled by the store CAS, so a
// run that receives input mid-sweep survives untouched.
func (m *Manager) Sweep(ctx context.Context) {
	deadline := m.now()
	overdue, err := m.store.List(ctx, run.Filter{
		States:        []run.State{run.StateCreated, run.StateInProgress, run.StateAwaiting},
		Statefulness:  []run.Statefulness{run.NonSerializable},
		ExpiresBefore: &deadline,
	})
	if err != nil {
		m.logger.Error(ctx, "expiry sweep list failed", "error", err.Error())
		return
	}
	for _, rec := range overdue {
		if _, err := m.Enforce(ctx, rec); err != nil && !run.IsExpired(err) {
			m.logger.Error(ctx, "expiry sweep enforce failed", "run_id", rec.ID, "error", err.Error())
		}
	}
}

func (m *Manager) publish(ctx context.Context, ev stream.Event) {
	if err := m.sink.Send(ctx, ev); err != nil {
		m.logger.Warn(ctx, "event delivery failed",
			"run_id", ev.RunID(),
			"event", string(ev.Type()),
			"error", err.Error(),
		)
	}
}
