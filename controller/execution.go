package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/acp/agent"
	"goa.design/acp/run"
	"goa.design/acp/telemetry"
)

// execution is the live, in-process side of a run: the agent resolved at
// registration time and the context that cooperative cancellation cuts. One
// execution serves every turn of a run until it reaches a terminal state; a
// later continue builds a fresh one.
type execution struct {
	ctl       *Controller
	id        string
	agentName string
	agent     agent.Agent

	// ctx is cancelled by Abort. Each invocation derives its context from it,
	// so an abort reaches the current turn and poisons any later one.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight bool
}

func (c *Controller) newExecution(runID, agentName string, impl agent.Agent) *execution {
	ectx, cancel := context.WithCancel(context.Background())
	return &execution{
		ctl:       c,
		id:        runID,
		agentName: agentName,
		agent:     impl,
		ctx:       ectx,
		cancel:    cancel,
	}
}

// RunID implements registry.Execution.
func (e *execution) RunID() string { return e.id }

// Abort implements registry.Execution: it cancels the invocation context.
// The agent observes the cancellation and returns; the settle path then maps
// the outcome against whatever state the run is in by that time.
func (e *execution) Abort(reason string) {
	e.ctl.logger.Debug(context.Background(), "aborting execution", "run_id", e.id, "reason", reason)
	e.cancel()
}

// abortForCancel cancels the invocation context and reports whether a turn
// is in flight. With one in flight its return path confirms the cancel;
// otherwise the caller owns the confirmation.
func (e *execution) abortForCancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel()
	return e.inflight
}

func (e *execution) setInflight(v bool) {
	e.mu.Lock()
	e.inflight = v
	e.mu.Unlock()
}

// startInvoke launches one agent turn. The goroutine is tracked so Close can
// wait for invocations to drain.
func (c *Controller) startInvoke(e *execution, call agent.Call) {
	c.trackGo(func() { e.runTurn(call) })
}

// runTurn performs one agent invocation and settles its outcome.
func (e *execution) runTurn(call agent.Call) {
	ictx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	e.setInflight(true)
	started := time.Now()
	result, err := e.agent.Invoke(ictx, call)
	e.ctl.metrics.RecordTimer(telemetry.MetricInvokeDuration, time.Since(started), "agent", e.agentName)
	e.setInflight(false)

	e.settle(result, err)
}

// settle maps a turn's outcome onto the lifecycle. It runs under the run
// lock and follows the stored state rather than assuming the one the turn
// started from: a cancel that landed mid-invocation turns the outcome into a
// confirmation and discards the result. Lost CAS races (the expiry sweep
// does not take run locks) reload and re-settle.
func (e *execution) settle(result agent.Result, invokeErr error) {
	ctx := context.Background()
	c := e.ctl
	lock := c.runLock(e.id)
	lock.Lock()
	defer lock.Unlock()

	for {
		rec, err := c.store.Load(ctx, e.id)
		if err != nil {
			c.logger.Error(ctx, "settle load failed", "run_id", e.id, "error", err.Error())
			return
		}

		switch {
		case rec.State == run.StateCancelling:
			if _, err := c.apply(ctx, rec, run.EventCancelConfirmed, nil); err != nil {
				if run.IsStateConflict(err) {
					continue
				}
				c.logger.Error(ctx, "cancel confirmation failed", "run_id", e.id, "error", err.Error())
			} else {
				c.logger.Info(ctx, "run cancelled", "run_id", e.id)
			}
			c.reg.Remove(e.id)
			return

		case rec.State != run.StateInProgress:
			// A concurrent writer already settled this run; drop the outcome.
			if rec.State.Terminal() {
				c.reg.Remove(e.id)
			}
			return

		case invokeErr != nil:
			if errors.Is(invokeErr, context.Canceled) && c.isClosed() {
				// Shutdown abort: leave the record for restart recovery.
				return
			}
			if _, err := c.apply(ctx, rec, run.EventError, func(r *run.Record) {
				r.Error = &run.Failure{Kind: run.FailureAgentError, Message: invokeErr.Error()}
			}); err != nil {
				if run.IsStateConflict(err) {
					continue
				}
				c.logger.Error(ctx, "persist run failure failed", "run_id", e.id, "error", err.Error())
			} else {
				c.logger.Warn(ctx, "run failed", "run_id", e.id, "agent", e.agentName, "error", invokeErr.Error())
			}
			c.reg.Remove(e.id)
			return

		case result.Await != nil:
			if rec.Statefulness == run.Stateless {
				// Stateless runs never await; a stateless agent asking for
				// input is a contract violation and fails the run.
				if _, err := c.apply(ctx, rec, run.EventError, func(r *run.Record) {
					r.Error = &run.Failure{
						Kind:    run.FailureAgentError,
						Message: "stateless agent requested additional input",
					}
				}); err != nil {
					if run.IsStateConflict(err) {
						continue
					}
					c.logger.Error(ctx, "persist run failure failed", "run_id", e.id, "error", err.Error())
				}
				c.reg.Remove(e.id)
				return
			}
			if _, err := c.apply(ctx, rec, run.EventNeedInput, func(r *run.Record) {
				req := *result.Await
				r.AwaitRequest = &req
			}); err != nil {
				if run.IsStateConflict(err) {
					continue
				}
				c.logger.Error(ctx, "persist await failed", "run_id", e.id, "error", err.Error())
				return
			}
			c.logger.Info(ctx, "run awaiting input", "run_id", e.id)
			// The execution stays registered: an awaiting run can still be
			// resumed or cancelled through it.
			return

		default:
			if _, err := c.apply(ctx, rec, run.EventComplete, func(r *run.Record) {
				r.Output = result.Output
			}); err != nil {
				if run.IsStateConflict(err) {
					continue
				}
				c.logger.Error(ctx, "persist completion failed", "run_id", e.id, "error", err.Error())
			} else {
				c.logger.Info(ctx, "run completed", "run_id", e.id)
			}
			c.reg.Remove(e.id)
			return
		}
	}
}
