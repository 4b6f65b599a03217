package controller_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/acp/agent"
	"goa.design/acp/controller"
	"goa.design/acp/registry"
	"goa.design/acp/run"
	"goa.design/acp/run/inmem"
)

// snapshotConsistent checks the field rules every persisted record obeys.
// AwaitRequest must be set exactly in awaiting and Error exactly in failed;
// Output may only be set in completed.
func snapshotConsistent(rec run.Record) bool {
	if !rec.State.Valid() {
		return false
	}
	if (rec.AwaitRequest != nil) != (rec.State == run.StateAwaiting) {
		return false
	}
	if (rec.Error != nil) != (rec.State == run.StateFailed) {
		return false
	}
	if rec.Output != nil && rec.State != run.StateCompleted {
		return false
	}
	return true
}

// fuzzController builds a controller whose agents settle instantly so every
// sequence drains within the close timeout. mirror completes with its input,
// parker asks for a name before completing, and flaky fails until resumed.
func fuzzController() (*controller.Controller, error) {
	catalog := agent.NewCatalog()
	regs := []agent.Registration{
		{
			Name:         "mirror",
			Statefulness: run.Stateless,
			Agent: agent.Func(func(_ context.Context, call agent.Call) (agent.Result, error) {
				return agent.Result{Output: call.Input}, nil
			}),
		},
		{
			Name:         "parker",
			Statefulness: run.Serializable,
			Agent:        needsNameAgent(),
		},
		{
			Name:         "flaky",
			Statefulness: run.Serializable,
			Resumable:    true,
			Agent: agent.Func(func(_ context.Context, call agent.Call) (agent.Result, error) {
				if len(call.Resume) == 0 {
					return agent.Result{}, errors.New("first attempt failed")
				}
				return agent.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
			}),
		},
	}
	for _, r := range regs {
		if err := catalog.Register(r); err != nil {
			return nil, err
		}
	}
	return controller.New(catalog, inmem.New(), registry.New())
}

// driveOps decodes and executes an operation sequence. Resume and cancel may
// legitimately be rejected depending on where the run happens to be; any
// other operation error fails the sequence. After every operation all known
// runs are re-read and checked.
func driveOps(ctl *controller.Controller, ops []int) ([]string, bool) {
	ctx := context.Background()
	var ids []string
	for _, op := range ops {
		kind, sel := op%6, op/6
		switch kind {
		case 0, 1, 2:
			name, input := "mirror", json.RawMessage(`{"n":1}`)
			switch kind {
			case 1:
				name, input = "parker", json.RawMessage(`{}`)
			case 2:
				name, input = "flaky", nil
			}
			rec, err := ctl.Create(ctx, name, input)
			if err != nil {
				return ids, false
			}
			ids = append(ids, rec.ID)
		case 3:
			if len(ids) == 0 {
				continue
			}
			_, err := ctl.Resume(ctx, ids[sel%len(ids)], json.RawMessage(`{"name":"x"}`))
			if err != nil && !errors.Is(err, run.ErrInvalidTransition) {
				return ids, false
			}
		case 4:
			if len(ids) == 0 {
				continue
			}
			_, err := ctl.Cancel(ctx, ids[sel%len(ids)])
			if err != nil && !errors.Is(err, run.ErrInvalidTransition) {
				return ids, false
			}
		case 5:
			if len(ids) == 0 {
				continue
			}
			if _, err := ctl.Get(ctx, ids[sel%len(ids)]); err != nil {
				return ids, false
			}
		}
		for _, id := range ids {
			rec, err := ctl.Get(ctx, id)
			if err != nil || !snapshotConsistent(rec) {
				return ids, false
			}
		}
	}
	return ids, true
}

// TestOperationFuzz drives random create, resume, cancel, and get sequences
// against a live controller and verifies every snapshot read along the way,
// plus the quiesced records after shutdown, keeps its fields consistent with
// its state.
func TestOperationFuzz(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.MaxSize = 24
	properties := gopter.NewProperties(parameters)

	properties.Property("random operation sequences keep snapshots consistent", prop.ForAll(
		func(ops []int) bool {
			ctl, err := fuzzController()
			if err != nil {
				return false
			}
			ids, ok := driveOps(ctl, ops)

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			closeErr := ctl.Close(closeCtx)
			cancel()
			if !ok || closeErr != nil {
				return false
			}

			// Close drained the execution goroutines; the stored records are
			// final now except for parked awaiting runs, which stay readable.
			for _, id := range ids {
				rec, err := ctl.Get(context.Background(), id)
				if err != nil || !snapshotConsistent(rec) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5999)),
	))

	properties.TestingRun(t)
}
