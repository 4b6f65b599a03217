// Package middleware provides reusable agent.Agent middlewares such as
// invocation rate limiting.
package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"goa.design/acp/agent"
)

type (
	// RateLimiter applies a token bucket to agent invocations. It blocks
	// callers until capacity is available, bounding how fast runs of an agent
	// may start or resume.
	//
	// The limiter is process-local and sits at the agent boundary. Callers
	// construct one instance per budget and wrap agents with Middleware
	// before registering them in the catalog.
	RateLimiter struct {
		limiter *rate.Limiter
	}

	limitedAgent struct {
		next    agent.Agent
		limiter *RateLimiter
	}
)

// NewRateLimiter constructs a RateLimiter allowing perSecond invocations with
// the given burst capacity. Non-positive arguments are clamped to 1.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Middleware returns an agent.Agent middleware that enforces the invocation
// limit. Several agents may share one limiter to draw from a common budget.
func (l *RateLimiter) Middleware() func(agent.Agent) agent.Agent {
	return func(next agent.Agent) agent.Agent {
		if next == nil {
			return nil
		}
		return &limitedAgent{next: next, limiter: l}
	}
}

// Invoke blocks until the limiter grants capacity, then delegates. The wait
// respects ctx, so cancelled runs stop waiting immediately.
func (a *limitedAgent) Invoke(ctx context.Context, call agent.Call) (agent.Result, error) {
	if err := a.limiter.limiter.Wait(ctx); err != nil {
		return agent.Result{}, err
	}
	return a.next.Invoke(ctx, call)
}

// OnCancel delegates without consuming limiter capacity. Cancellation must
// never queue behind throttled invocations.
func (a *limitedAgent) OnCancel(ctx context.Context, runID string) error {
	return a.next.OnCancel(ctx, runID)
}
