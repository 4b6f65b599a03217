package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/acp/agent"
	"goa.design/acp/agent/middleware"
	"goa.design/acp/run"
)

// Demo agents registered at startup. They exercise the three statefulness
// classes: echo is stateless, triage is serializable and resumable, sleeper
// holds non-serializable in-process state (a running timer).

var triageInputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["subject"],
	"properties": {
		"subject":  {"type": "string", "minLength": 1},
		"priority": {"type": "string", "enum": ["low", "normal", "high"]}
	}
}`)

var prioritySchema = json.RawMessage(`{
	"type": "object",
	"required": ["priority"],
	"properties": {
		"priority": {"type": "string", "enum": ["low", "normal", "high"]}
	}
}`)

func registerDemoAgents(catalog *agent.Catalog) error {
	limiter := middleware.NewRateLimiter(100, 20)
	regs := []agent.Registration{
		{
			Name:         "echo",
			Statefulness: run.Stateless,
			Agent:        limiter.Middleware()(agent.Func(echoAgent)),
		},
		{
			Name:         "triage",
			Statefulness: run.Serializable,
			Resumable:    true,
			InputSchema:  triageInputSchema,
			Agent:        agent.Func(triageAgent),
		},
		{
			Name:         "sleeper",
			Statefulness: run.NonSerializable,
			Agent:        agent.Func(sleeperAgent),
		},
	}
	for _, reg := range regs {
		if err := catalog.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

// echoAgent completes immediately with its input.
func echoAgent(_ context.Context, call agent.Call) (agent.Result, error) {
	out := call.Input
	if len(out) == 0 {
		out = json.RawMessage(`null`)
	}
	return agent.Result{Output: out}, nil
}

// triageAgent routes a ticket to a queue by priority. When the creation
// payload omits the priority it parks the run and asks for one.
func triageAgent(_ context.Context, call agent.Call) (agent.Result, error) {
	var ticket struct {
		Subject  string `json:"subject"`
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(call.Input, &ticket); err != nil {
		return agent.Result{}, fmt.Errorf("decode ticket: %w", err)
	}
	if len(call.Resume) > 0 {
		var answer struct {
			Priority string `json:"priority"`
		}
		if err := json.Unmarshal(call.Resume, &answer); err != nil {
			return agent.Result{}, fmt.Errorf("decode priority answer: %w", err)
		}
		ticket.Priority = answer.Priority
	}
	if ticket.Priority == "" {
		return agent.Result{Await: &run.AwaitRequest{
			Reason: fmt.Sprintf("ticket %q needs a priority", ticket.Subject),
			Schema: prioritySchema,
		}}, nil
	}
	queue := map[string]string{"high": "oncall", "normal": "support", "low": "backlog"}[ticket.Priority]
	if queue == "" {
		return agent.Result{}, fmt.Errorf("unknown priority %q", ticket.Priority)
	}
	out, err := json.Marshal(map[string]string{"queue": queue, "priority": ticket.Priority})
	if err != nil {
		return agent.Result{}, err
	}
	return agent.Result{Output: out}, nil
}

// sleeperAgent sleeps for the requested duration. The timer lives in this
// process only, so sleeper runs expire and do not survive restarts.
func sleeperAgent(ctx context.Context, call agent.Call) (agent.Result, error) {
	var req struct {
		Duration string `json:"duration"`
	}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &req); err != nil {
			return agent.Result{}, fmt.Errorf("decode sleep request: %w", err)
		}
	}
	d := time.Second
	if req.Duration != "" {
		var err error
		if d, err = time.ParseDuration(req.Duration); err != nil {
			return agent.Result{}, fmt.Errorf("invalid duration %q: %w", req.Duration, err)
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	case <-timer.C:
	}
	out, err := json.Marshal(map[string]string{"slept": d.String()})
	if err != nil {
		return agent.Result{}, err
	}
	return agent.Result{Output: out}, nil
}
