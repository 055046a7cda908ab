package opsflow

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow/opsflow/engine"
	"github.com/opsflow/opsflow/store"
	"github.com/opsflow/opsflow/task"
)

func testProvider(actions ...engine.Action) engine.Provider {
	return engine.ProviderFunc(func(ctx context.Context, input string, tools []engine.Descriptor) ([]engine.Action, error) {
		return actions, nil
	})
}

func newSystem(t *testing.T, provider engine.Provider) *System {
	t.Helper()
	sys, err := New(
		WithProvider(provider),
		WithTaskStore(store.NewMemoryTaskStore()),
		WithMetricsRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(WithTaskStore(store.NewMemoryTaskStore()))
	require.Error(t, err)
}

func TestStartTask(t *testing.T) {
	sys := newSystem(t, testProvider())
	ctx := context.Background()

	tk, err := sys.StartTask(ctx, "chan:1", "acme", task.ModeNow,
		task.Mission{Title: "expense run", Plan: "collect and approve"},
		[]task.StepSpec{{ID: "S1", Name: "collect receipts"}})
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, tk.Status)

	// One live task per thread key.
	_, err = sys.StartTask(ctx, "chan:1", "acme", task.ModeNow,
		task.Mission{Title: "another"}, []task.StepSpec{{ID: "S1", Name: "x"}})
	assert.True(t, errors.Is(err, store.ErrAlreadyExists))

	trail, err := sys.Store.AuditTrail(ctx, tk.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, store.AuditTaskCreated, trail[0].Type)
}

func TestEndToEndCompletion(t *testing.T) {
	sys := newSystem(t, testProvider(
		engine.Action{Kind: engine.ActionToolCall, Tool: "finish", Args: map[string]any{}},
		engine.Action{Kind: engine.ActionTerminal},
	))
	require.NoError(t, sys.Registry.Register(engine.Tool{
		Descriptor: engine.Descriptor{Name: "finish", Description: "close the only step"},
		Handler: func(ctx context.Context, tk *task.Task, args map[string]any) (*engine.ToolResult, error) {
			return &engine.ToolResult{}, tk.Checklist.Update("S1", task.StepCompleted, "done")
		},
	}))
	ctx := context.Background()

	tk, err := sys.StartTask(ctx, "chan:2", "acme", task.ModeNow,
		task.Mission{Title: "single step"}, []task.StepSpec{{ID: "S1", Name: "only"}})
	require.NoError(t, err)

	res, err := sys.Engine.Run(ctx, "chan:2", "go")
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeMissionCompleted, res.Outcome)

	stored, err := sys.Store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
}
