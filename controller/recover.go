package controller

import (
	"context"
	"fmt"

	"goa.design/acp/agent"
	"goa.design/acp/run"
	"goa.design/acp/stream"
	"goa.design/acp/telemetry"
)

// Recover rebuilds in-process state from the store after a restart. Call it
// once at startup, before serving traffic.
//
// Serializable runs are replayed into fresh executions: created runs are
// started, in-progress runs re-invoked (the agent reconstructs its position
// from persisted state), awaiting runs re-registered to wait for resume, and
// cancelling runs confirmed through the agent's cancel hook. Stateless and
// non-serializable runs cannot outlive the process that executed them: those
// found mid-flight are failed with kind lost-context, except cancelling ones,
// whose stop the restart itself guarantees, so the cancel is confirmed.
func (c *Controller) Recover(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "acp.run.recover")
	defer span.End()

	if err := c.operational(); err != nil {
		return c.fail(span, err)
	}

	active, err := c.store.List(ctx, run.Filter{
		States: []run.State{
			run.StateCreated,
			run.StateInProgress,
			run.StateAwaiting,
			run.StateCancelling,
		},
	})
	if err != nil {
		return c.fail(span, fmt.Errorf("list active runs: %w", err))
	}

	var replayed, cancelled, lost, expired int
	for _, rec := range active {
		if _, live := c.reg.Get(rec.ID); live {
			continue
		}
		if c.exp != nil && c.exp.Expired(rec) {
			if _, err := c.exp.Enforce(ctx, rec); err != nil && !run.IsExpired(err) {
				c.logger.Error(ctx, "recovery expiry failed", "run_id", rec.ID, "error", err.Error())
				continue
			}
			expired++
			c.metrics.IncCounter(telemetry.MetricRunsRecovered, 1, "outcome", "expired")
			continue
		}

		switch {
		case rec.Statefulness == run.Serializable:
			if err := c.replay(ctx, rec); err != nil {
				c.logger.Warn(ctx, "recovery replay skipped",
					"run_id", rec.ID,
					"agent", rec.AgentName,
					"error", err.Error(),
				)
				continue
			}
			replayed++
			c.metrics.IncCounter(telemetry.MetricRunsRecovered, 1, "outcome", "replayed")

		case rec.State == run.StateCancelling:
			// The restart did what the cancel was waiting for.
			if _, err := c.apply(ctx, rec, run.EventCancelConfirmed, nil); err != nil {
				if !run.IsStateConflict(err) {
					c.logger.Error(ctx, "recovery cancel confirmation failed", "run_id", rec.ID, "error", err.Error())
				}
				continue
			}
			cancelled++
			c.metrics.IncCounter(telemetry.MetricRunsRecovered, 1, "outcome", "cancelled")

		default:
			if err := c.loseContext(ctx, rec); err != nil {
				if !run.IsStateConflict(err) {
					c.logger.Error(ctx, "recovery lost-context write failed", "run_id", rec.ID, "error", err.Error())
				}
				continue
			}
			lost++
			c.metrics.IncCounter(telemetry.MetricRunsRecovered, 1, "outcome", "lost-context")
		}
	}

	c.logger.Info(ctx, "restart recovery complete",
		"replayed", replayed,
		"cancelled", cancelled,
		"lost_context", lost,
		"expired", expired,
	)
	return nil
}

// replay rebuilds the execution of a serializable run and drives it per its
// persisted state.
func (c *Controller) replay(ctx context.Context, rec run.Record) error {
	areg, err := c.catalog.Lookup(rec.AgentName)
	if err != nil {
		// Leave the record untouched: a serializable run survives until its
		// agent is registered again.
		return err
	}
	e := c.newExecution(rec.ID, rec.AgentName, areg.Agent)
	if err := c.reg.Put(e); err != nil {
		return err
	}

	switch rec.State {
	case run.StateCreated:
		started, err := c.apply(ctx, rec, run.EventStart, nil)
		if err != nil {
			c.reg.Remove(rec.ID)
			return err
		}
		c.startInvoke(e, agent.Call{RunID: rec.ID, Input: started.Input})

	case run.StateInProgress:
		c.startInvoke(e, agent.Call{RunID: rec.ID, Input: rec.Input})

	case run.StateAwaiting:
		// Parked: the execution waits for Resume or Cancel.

	case run.StateCancelling:
		impl := areg.Agent
		runID := rec.ID
		c.trackGo(func() {
			cctx := context.Background()
			if err := impl.OnCancel(cctx, runID); err != nil {
				c.logger.Warn(cctx, "agent cancel hook failed", "run_id", runID, "error", err.Error())
			}
			c.confirmCancel(runID)
		})
	}
	return nil
}

// loseContext forces a run whose execution context died with its process to
// failed with kind lost-context. Like expiry enforcement this is a guarded
// direct write, not an event-table edge: created runs have no failure edge
// yet still need the forced outcome.
func (c *Controller) loseContext(ctx context.Context, rec run.Record) error {
	from := rec.State
	failed := rec.Clone()
	failed.State = run.StateFailed
	failed.Output = nil
	failed.AwaitRequest = nil
	failed.Error = &run.Failure{
		Kind:    run.FailureLostContext,
		Message: fmt.Sprintf("%s execution context lost in process restart", rec.Statefulness),
	}
	failed.ExpiresAt = nil
	failed.UpdatedAt = c.nowFn()

	stored, err := c.store.Swap(ctx, failed, from)
	if err != nil {
		return err
	}

	c.logger.Warn(ctx, "run lost its execution context",
		"run_id", stored.ID,
		"agent", stored.AgentName,
		"from", string(from),
	)
	c.publish(ctx, stream.NewStateChanged(stored.ID, from, run.StateFailed, run.EventError, stored.UpdatedAt))
	c.publish(ctx, stream.NewRunFinished(stored))
	return nil
}
