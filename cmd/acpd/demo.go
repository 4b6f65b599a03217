package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/acp/agent"
	"goa.design/acp/controller"
	"goa.design/acp/expiry"
	"goa.design/acp/registry"
	"goa.design/acp/run"
	runmem "goa.design/acp/run/inmem"
	"goa.design/acp/stream"
	streammem "goa.design/acp/stream/inmem"
)

// runDemo drives one scripted pass over the run lifecycle against a fully
// in-process stack: a run that completes, a run that parks awaiting input and
// resumes, and a run that is cancelled mid-flight. Lifecycle events are
// printed as they arrive on the bus.
func runDemo(ctx context.Context) error {
	catalog := agent.NewCatalog()
	if err := registerDemoAgents(catalog); err != nil {
		return err
	}
	store := runmem.New()
	bus := streammem.NewBus()
	reg := registry.New()
	exp := expiry.New(store,
		expiry.WithTTL(time.Minute),
		expiry.WithRegistry(reg),
		expiry.WithSink(bus),
	)
	ctl, err := controller.New(catalog, store, reg,
		controller.WithExpiry(exp),
		controller.WithSink(bus),
	)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = ctl.Close(shutdownCtx)
		_ = bus.Close(shutdownCtx)
	}()

	events, cancelSub, err := bus.Subscribe("")
	if err != nil {
		return err
	}
	defer cancelSub()
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range events {
			printEvent(ev)
		}
	}()

	// A stateless run that completes on the first turn.
	rec, err := ctl.Create(ctx, "echo", json.RawMessage(`{"message":"hello"}`))
	if err != nil {
		return fmt.Errorf("create echo run: %w", err)
	}
	if rec, err = waitRun(ctx, ctl, rec.ID, run.StateCompleted); err != nil {
		return err
	}
	fmt.Printf("echo %s completed: %s\n", rec.ID, rec.Output)

	// A serializable run that parks until the caller supplies a priority.
	rec, err = ctl.Create(ctx, "triage", json.RawMessage(`{"subject":"printer on fire"}`))
	if err != nil {
		return fmt.Errorf("create triage run: %w", err)
	}
	if rec, err = waitRun(ctx, ctl, rec.ID, run.StateAwaiting); err != nil {
		return err
	}
	fmt.Printf("triage %s awaiting: %s\n", rec.ID, rec.AwaitRequest.Reason)
	if _, err = ctl.Resume(ctx, rec.ID, json.RawMessage(`{"priority":"high"}`)); err != nil {
		return fmt.Errorf("resume triage run: %w", err)
	}
	if rec, err = waitRun(ctx, ctl, rec.ID, run.StateCompleted); err != nil {
		return err
	}
	fmt.Printf("triage %s completed: %s\n", rec.ID, rec.Output)

	// A non-serializable run cancelled while its timer is still pending.
	rec, err = ctl.Create(ctx, "sleeper", json.RawMessage(`{"duration":"30s"}`))
	if err != nil {
		return fmt.Errorf("create sleeper run: %w", err)
	}
	if _, err = ctl.Cancel(ctx, rec.ID); err != nil {
		return fmt.Errorf("cancel sleeper run: %w", err)
	}
	if rec, err = waitRun(ctx, ctl, rec.ID, run.StateCancelled); err != nil {
		return err
	}
	fmt.Printf("sleeper %s cancelled\n", rec.ID)

	cancelSub()
	<-printerDone
	return nil
}

// waitRun polls the run until it reaches want, settles somewhere else
// terminal, or the five second budget runs out.
func waitRun(ctx context.Context, ctl *controller.Controller, runID string, want run.State) (run.Record, error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := ctl.Get(ctx, runID)
		if err != nil {
			return run.Record{}, err
		}
		if rec.State == want {
			return rec, nil
		}
		if rec.State.Terminal() {
			return rec, fmt.Errorf("run %s settled in %q while waiting for %q", runID, rec.State, want)
		}
		if time.Now().After(deadline) {
			return rec, fmt.Errorf("run %s stuck in %q while waiting for %q", runID, rec.State, want)
		}
		select {
		case <-ctx.Done():
			return run.Record{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func printEvent(ev stream.Event) {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		payload = fmt.Appendf(nil, "%v", ev.Payload())
	}
	fmt.Printf("event %-15s run=%s %s\n", ev.Type(), ev.RunID(), payload)
}
