package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/opsflow/opsflow/correlator"
	"github.com/opsflow/opsflow/store"
	"github.com/opsflow/opsflow/task"
	"github.com/opsflow/opsflow/types"
)

// scriptedProvider returns one scripted action batch per turn and records
// the inputs it saw.
type scriptedProvider struct {
	turns  [][]Action
	inputs []string
	calls  int
}

func (p *scriptedProvider) Invoke(ctx context.Context, input string, tools []Descriptor) ([]Action, error) {
	p.inputs = append(p.inputs, input)
	if p.calls >= len(p.turns) {
		return nil, nil
	}
	actions := p.turns[p.calls]
	p.calls++
	return actions, nil
}

type fixture struct {
	engine *Engine
	store  store.TaskStore
	corr   *correlator.Correlator
	task   *task.Task
}

func newFixture(t *testing.T, provider Provider, tools ...Tool) *fixture {
	t.Helper()
	st := store.NewMemoryTaskStore()
	t.Cleanup(func() { _ = st.Close() })
	corr := correlator.New(st, correlator.DefaultConfig(), nil, nil)

	registry := NewRegistry(nil, nil)
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}

	tk, err := task.New("chan:1", "acme", task.ModeNow,
		task.Mission{Title: "close the books", Plan: "collect, reconcile, file"},
		[]task.StepSpec{
			{ID: "S1", Name: "collect invoices"},
			{ID: "S2", Name: "reconcile ledger"},
		})
	require.NoError(t, err)
	require.NoError(t, st.SaveTask(context.Background(), tk))

	cfg := DefaultConfig()
	cfg.MaxTurns = 5
	cfg.MaxIterations = 2
	return &fixture{
		engine: New(provider, registry, st, corr, cfg, nil, nil),
		store:  st,
		corr:   corr,
		task:   tk,
	}
}

func completeStepTool(id string) Tool {
	return Tool{
		Descriptor: Descriptor{Name: "complete_step", Description: "mark a checklist step done"},
		Handler: func(ctx context.Context, t *task.Task, args map[string]any) (*ToolResult, error) {
			step, _ := args["step"].(string)
			if step == "" {
				step = id
			}
			if err := t.Checklist.Update(step, task.StepCompleted, "done"); err != nil {
				return nil, err
			}
			return &ToolResult{Output: map[string]any{"step": step}}, nil
		},
	}
}

func TestRunMissionCompleted(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Action{
		{{Kind: ActionToolCall, Tool: "complete_step", Args: map[string]any{"step": "S1"}}},
		{{Kind: ActionToolCall, Tool: "complete_step", Args: map[string]any{"step": "S2"}}},
		{{Kind: ActionText, Text: "books are closed"}, {Kind: ActionTerminal}},
	}}
	f := newFixture(t, provider, completeStepTool("S1"))

	res, err := f.engine.Run(context.Background(), "chan:1", "close the january books")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissionCompleted, res.Outcome)
	assert.Equal(t, 3, res.Turns)
	assert.Equal(t, "books are closed", res.FinalText)

	stored, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)

	// Tool observations are fed into the following turn.
	require.Len(t, provider.inputs, 3)
	assert.Equal(t, "close the january books", provider.inputs[0])
	assert.Contains(t, provider.inputs[1], "complete_step")
	assert.Contains(t, provider.inputs[1], "step=S1")
}

func TestRunCompletionRefusedReseedsLoop(t *testing.T) {
	// The provider claims completion while S2 is still pending, then closes
	// it on the second iteration.
	provider := &scriptedProvider{turns: [][]Action{
		{{Kind: ActionToolCall, Tool: "complete_step", Args: map[string]any{"step": "S1"}}},
		{{Kind: ActionTerminal}},
		{{Kind: ActionToolCall, Tool: "complete_step", Args: map[string]any{"step": "S2"}}},
		{{Kind: ActionTerminal}},
	}}
	f := newFixture(t, provider, completeStepTool("S1"))

	res, err := f.engine.Run(context.Background(), "chan:1", "close the books")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissionCompleted, res.Outcome)
	assert.Equal(t, 2, res.Iterations)

	// The refusal seed names the still-open step.
	require.GreaterOrEqual(t, len(provider.inputs), 3)
	assert.Contains(t, provider.inputs[2], "Completion was refused")
	assert.Contains(t, provider.inputs[2], "S2")
}

func TestRunIterationBudgetExhausted(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Action{
		{{Kind: ActionTerminal}},
		{{Kind: ActionTerminal}},
		{{Kind: ActionTerminal}},
	}}
	f := newFixture(t, provider)

	res, err := f.engine.Run(context.Background(), "chan:1", "close the books")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMaxTurns, res.Outcome)
	assert.Equal(t, 2, res.Iterations)

	stored, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, stored.Status, "exhaustion is not failure")
}

func TestRunTurnBudgetReseedsAttempt(t *testing.T) {
	// Every turn is a tool call that never finishes the mission, so each
	// iteration burns its full turn budget.
	spin := Tool{
		Descriptor: Descriptor{Name: "poll", Description: "poll an upstream"},
		Handler: func(ctx context.Context, tk *task.Task, args map[string]any) (*ToolResult, error) {
			return &ToolResult{Output: map[string]any{"state": "still running"}}, nil
		},
	}
	provider := &scriptedProvider{}
	for i := 0; i < 10; i++ {
		provider.turns = append(provider.turns, []Action{{Kind: ActionToolCall, Tool: "poll"}})
	}
	f := newFixture(t, provider, spin)
	f.engine.config.MaxTurns = 2

	res, err := f.engine.Run(context.Background(), "chan:1", "watch the batch")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMaxTurns, res.Outcome)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 4, res.Turns)

	// The second attempt opens with the budget summary, not the original input.
	require.Len(t, provider.inputs, 4)
	assert.Contains(t, provider.inputs[2], "ran out of turns")
}

func TestRunNoAction(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Action{
		{{Kind: ActionText, Text: "I need more information about the vendor"}},
	}}
	f := newFixture(t, provider)

	res, err := f.engine.Run(context.Background(), "chan:1", "close the books")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoAction, res.Outcome)
	assert.Equal(t, "I need more information about the vendor", res.FinalText)
}

func TestRunSuspendsOnLongRunningTool(t *testing.T) {
	var f *fixture
	longCall := Tool{
		Descriptor: Descriptor{Name: "submit_batch", Description: "submit a batch to the ledger"},
		Handler: func(ctx context.Context, tk *task.Task, args map[string]any) (*ToolResult, error) {
			_, err := f.corr.RegisterWait(ctx, tk, "exec-1", "submit_batch", "S1", args)
			if err != nil {
				return nil, err
			}
			return &ToolResult{Suspend: true}, nil
		},
	}
	provider := &scriptedProvider{turns: [][]Action{
		{{Kind: ActionToolCall, Tool: "submit_batch", Args: map[string]any{"batch": "B-7"}}},
	}}
	f = newFixture(t, provider, longCall)

	res, err := f.engine.Run(context.Background(), "chan:1", "submit batch B-7")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuspended, res.Outcome)

	stored, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPausedExternal, stored.Status)
	assert.True(t, stored.HasLiveWaits())

	// The lease freed on return; the callback can come straight in.
	rc, err := f.corr.HandleCallback(context.Background(), correlator.Callback{
		CorrelationKey: correlator.CorrelationKey("chan:1", "exec-1"),
		Outcome:        correlator.OutcomeSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, "S1", rc.StepID)
}

func TestRunUnknownToolFeedsErrorBack(t *testing.T) {
	provider := &scriptedProvider{turns: [][]Action{
		{{Kind: ActionToolCall, Tool: "no_such_tool"}},
		{{Kind: ActionText, Text: "giving up"}},
	}}
	f := newFixture(t, provider)

	res, err := f.engine.Run(context.Background(), "chan:1", "do something")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoAction, res.Outcome)
	require.Len(t, provider.inputs, 2)
	assert.Contains(t, provider.inputs[1], "no_such_tool")
	assert.Contains(t, provider.inputs[1], "not registered")
}

func TestRunProviderErrorBubblesUp(t *testing.T) {
	provider := ProviderFunc(func(ctx context.Context, input string, tools []Descriptor) ([]Action, error) {
		return nil, errors.New("upstream unavailable")
	})
	f := newFixture(t, provider)

	_, err := f.engine.Run(context.Background(), "chan:1", "close the books")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unavailable")

	stored, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, stored.Status, "transient errors do not fail the task")
}

func TestRunPanicFailsTask(t *testing.T) {
	boom := Tool{
		Descriptor: Descriptor{Name: "boom", Description: "misbehaves"},
		Handler: func(ctx context.Context, tk *task.Task, args map[string]any) (*ToolResult, error) {
			panic("index out of range")
		},
	}
	provider := &scriptedProvider{turns: [][]Action{
		{{Kind: ActionToolCall, Tool: "boom"}},
	}}
	f := newFixture(t, provider, boom)

	res, err := f.engine.Run(context.Background(), "chan:1", "go")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrFatalInternal))
	require.NotNil(t, res)
	assert.Equal(t, OutcomeFatal, res.Outcome)

	stored, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailReason, "panic")

	trail, err := f.store.AuditTrail(context.Background(), f.task.ID)
	require.NoError(t, err)
	found := false
	for _, ev := range trail {
		if ev.Type == store.AuditFatalError {
			found = true
		}
	}
	assert.True(t, found, "fatal error must be audited")
}

func TestRunRefusesBusyThread(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	release, err := f.corr.AcquireThread("chan:1")
	require.NoError(t, err)
	defer release()

	_, err = f.engine.Run(context.Background(), "chan:1", "go")
	assert.True(t, types.HasCode(err, types.ErrThreadBusy))
}

func TestRunRefusesPausedTask(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	require.NoError(t, f.corr.InterruptForUser(context.Background(), "chan:1"))

	_, err := f.engine.Run(context.Background(), "chan:1", "go")
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))
}

func TestRegistryClosedSet(t *testing.T) {
	reg := NewRegistry(nil, nil)
	tool := completeStepTool("S1")
	require.NoError(t, reg.Register(tool))

	err := reg.Register(tool)
	assert.True(t, types.HasCode(err, types.ErrInvalidInput))

	err = reg.Register(Tool{Descriptor: Descriptor{Name: "no_handler"}})
	assert.True(t, types.HasCode(err, types.ErrInvalidInput))

	_, err = reg.Dispatch(context.Background(), "missing", nil, nil, time.Second)
	assert.True(t, types.HasCode(err, types.ErrToolNotFound))

	assert.Len(t, reg.Descriptors(), 1)
}

func TestRegistryToolTimeout(t *testing.T) {
	reg := NewRegistry(nil, nil)
	require.NoError(t, reg.Register(Tool{
		Descriptor: Descriptor{Name: "slow"},
		Timeout:    10 * time.Millisecond,
		Handler: func(ctx context.Context, tk *task.Task, args map[string]any) (*ToolResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return &ToolResult{}, nil
			}
		},
	}))

	_, err := reg.Dispatch(context.Background(), "slow", nil, nil, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryRateLimit(t *testing.T) {
	reg := NewRegistry(nil, nil)
	require.NoError(t, reg.Register(Tool{
		Descriptor: Descriptor{Name: "limited"},
		Rate:       rate.Every(50 * time.Millisecond),
		Burst:      1,
		Handler: func(ctx context.Context, tk *task.Task, args map[string]any) (*ToolResult, error) {
			return &ToolResult{}, nil
		},
	}))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := reg.Dispatch(context.Background(), "limited", nil, nil, time.Second)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"third dispatch waits out the limiter")
}

func TestCompletionRefusedSeed(t *testing.T) {
	tk, err := task.New("chan:9", "acme", task.ModeNow, task.Mission{Title: "m"},
		[]task.StepSpec{{ID: "S1", Name: "one"}, {ID: "S2", Name: "two"}})
	require.NoError(t, err)
	require.NoError(t, tk.Checklist.Update("S1", task.StepCompleted, ""))

	cerr := tk.Complete()
	require.Error(t, cerr)
	seed := completionRefusedSeed(tk, cerr)
	assert.True(t, strings.Contains(seed, "S2") && !strings.Contains(seed, "S1(one"),
		"only open steps are listed")
}
