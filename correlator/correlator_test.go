package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/opsflow/opsflow/store"
	"github.com/opsflow/opsflow/task"
	"github.com/opsflow/opsflow/types"
)

func newTestTask(t *testing.T, st store.TaskStore, threadKey string) *task.Task {
	t.Helper()
	tk, err := task.New(threadKey, "acme", task.ModeNow,
		task.Mission{Title: "reconcile invoices", Plan: "fetch, verify, post"},
		[]task.StepSpec{
			{ID: "S1", Name: "fetch open invoices"},
			{ID: "S2", Name: "verify totals"},
			{ID: "S3", Name: "post results"},
		})
	require.NoError(t, err)
	require.NoError(t, st.SaveTask(context.Background(), tk))
	return tk
}

func newCorrelator(t *testing.T, cfg Config) (*Correlator, store.TaskStore) {
	t.Helper()
	st := store.NewMemoryTaskStore()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, cfg, nil, nil), st
}

func TestCallbackRoundTrip(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:42")

	require.NoError(t, tk.Checklist.Update("S1", task.StepInProgress, ""))
	key, err := c.RegisterWait(ctx, tk, "exec-1", "submit_invoice_batch", "S1",
		map[string]any{"batch": "B-7"})
	require.NoError(t, err)
	assert.Equal(t, "chan:42::exec-1", key)
	require.NoError(t, c.Suspend(ctx, tk))

	stored, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPausedExternal, stored.Status)

	rc, err := c.HandleCallback(ctx, Callback{
		CorrelationKey: key,
		Outcome:        OutcomeSuccess,
		Result:         map[string]any{"accepted": 12, "rejected": 0},
	})
	require.NoError(t, err)
	assert.Equal(t, ResumeCallback, rc.Kind)
	assert.Equal(t, tk.ID, rc.TaskID)
	assert.Equal(t, "submit_invoice_batch", rc.Operation)
	assert.Equal(t, "S1", rc.StepID)
	assert.Equal(t, "B-7", rc.CallParams["batch"])

	stored, err = st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, stored.Status)
	step, err := stored.Checklist.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, task.StepCompleted, step.Status)
	assert.Equal(t, "accepted=12 rejected=0", step.Message)
	assert.False(t, stored.HasLiveWaits())

	trail, err := st.AuditTrail(ctx, tk.ID)
	require.NoError(t, err)
	typesSeen := make([]string, 0, len(trail))
	for _, ev := range trail {
		typesSeen = append(typesSeen, ev.Type)
	}
	assert.Contains(t, typesSeen, store.AuditWaitRegistered)
	assert.Contains(t, typesSeen, store.AuditCallbackApplied)
}

func TestCallbackRedeliveryIsNoOp(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:43")

	key, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(ctx, tk))

	cb := Callback{CorrelationKey: key, Outcome: OutcomeSuccess}
	_, err = c.HandleCallback(ctx, cb)
	require.NoError(t, err)

	before, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)

	// At-least-once channel: the same delivery arrives again.
	_, err = c.HandleCallback(ctx, cb)
	assert.True(t, types.HasCode(err, types.ErrUnknownCorrelation))

	after, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "redelivery must not change state")
}

func TestCallbackUnknownKey(t *testing.T) {
	c, _ := newCorrelator(t, DefaultConfig())
	_, err := c.HandleCallback(context.Background(), Callback{CorrelationKey: "nobody::nothing"})
	assert.True(t, types.HasCode(err, types.ErrUnknownCorrelation))
}

func TestCallbackFailureMarksStepError(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:44")

	key, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(ctx, tk))

	rc, err := c.HandleCallback(ctx, Callback{
		CorrelationKey: key,
		Outcome:        OutcomeFailure,
		Result:         map[string]any{"error": "ledger rejected batch"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, rc.Outcome)

	stored, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	step, err := stored.Checklist.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, task.StepError, step.Status)
	assert.Equal(t, task.StatusRunning, stored.Status, "failure still resumes the task")
}

func TestCallbackPartialKeepsStepActive(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:45")

	key, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(ctx, tk))

	_, err = c.HandleCallback(ctx, Callback{
		CorrelationKey: key,
		Outcome:        OutcomePartial,
		Result:         map[string]any{"progress": "7/12"},
	})
	require.NoError(t, err)

	stored, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	step, err := stored.Checklist.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, task.StepInProgress, step.Status)
}

func TestCallbackRacingActiveExecution(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:46")

	key, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(ctx, tk))

	// Another execution context holds the thread lease.
	release, err := c.AcquireThread("chan:46")
	require.NoError(t, err)

	_, err = c.HandleCallback(ctx, Callback{CorrelationKey: key, Outcome: OutcomeSuccess})
	assert.True(t, types.HasCode(err, types.ErrThreadBusy))

	release()
	_, err = c.HandleCallback(ctx, Callback{CorrelationKey: key, Outcome: OutcomeSuccess})
	require.NoError(t, err, "redelivery after the lease frees must apply")
}

func TestConcurrentCallbacksSingleWinner(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:47")

	key, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(ctx, tk))

	const n = 8
	var wg sync.WaitGroup
	applied := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.HandleCallback(ctx, Callback{CorrelationKey: key, Outcome: OutcomeSuccess}); err == nil {
				applied <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(applied)

	count := 0
	for range applied {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent delivery may apply")

	stored, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	step, err := stored.Checklist.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, task.StepCompleted, step.Status)
}

func TestUserInterruptAndResume(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:48")
	require.NoError(t, tk.Checklist.Update("S1", task.StepCompleted, "done"))
	require.NoError(t, st.SaveTask(ctx, tk))

	require.NoError(t, c.InterruptForUser(ctx, "chan:48"))
	stored, err := st.GetByThreadKey(ctx, "chan:48")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPausedUser, stored.Status)

	rc, err := c.ResumeOnUserSignal(ctx, "chan:48", "/resume also check last week's batch")
	require.NoError(t, err)
	assert.Equal(t, ResumeUserSignal, rc.Kind)
	assert.Equal(t, "also check last week's batch", rc.TrailingMessage)
	assert.Len(t, rc.Checklist[task.StepCompleted], 1)
	assert.Len(t, rc.Checklist[task.StepPending], 2)

	stored, err = st.GetByThreadKey(ctx, "chan:48")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, stored.Status)
}

func TestResumeOnDisconnect(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:49")

	// Pending waits survive a user pause and show up in the resume context.
	key, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	_ = key
	require.NoError(t, st.SaveTask(ctx, tk))
	require.NoError(t, c.InterruptForUser(ctx, "chan:49"))

	rc, err := c.ResumeOnDisconnect(ctx, "chan:49")
	require.NoError(t, err)
	assert.Equal(t, ResumeUserDisconnect, rc.Kind)
	assert.Empty(t, rc.TrailingMessage)
	require.Len(t, rc.RemainingWaits, 1)
	assert.Equal(t, "submit", rc.RemainingWaits[0].ExpectedOperation)
}

func TestResumeRequiresUserPause(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	newTestTask(t, st, "chan:50")

	_, err := c.ResumeOnUserSignal(ctx, "chan:50", "/resume")
	assert.True(t, types.HasCode(err, types.ErrInvalidTransition))
}

func TestAbort(t *testing.T) {
	c, st := newCorrelator(t, DefaultConfig())
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:51")

	key, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(ctx, tk))

	require.NoError(t, c.Abort(ctx, "chan:51", "operator cancelled"))
	stored, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Equal(t, "operator cancelled", stored.FailReason)
	assert.False(t, stored.HasLiveWaits())

	// Late callback for the aborted task is refused.
	_, err = c.HandleCallback(ctx, Callback{CorrelationKey: key, Outcome: OutcomeSuccess})
	assert.True(t, types.HasCode(err, types.ErrUnknownCorrelation))
}

func TestExpireWaits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitTimeout = time.Minute
	c, st := newCorrelator(t, cfg)
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:52")

	_, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(ctx, tk))

	// Not yet due.
	contexts, err := c.ExpireWaits(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, contexts)

	contexts, err = c.ExpireWaits(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, ResumeTimeout, contexts[0].Kind)
	assert.Equal(t, OutcomeFailure, contexts[0].Outcome)
	assert.Equal(t, "S1", contexts[0].StepID)

	stored, err := st.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, stored.Status)
	step, err := stored.Checklist.Get("S1")
	require.NoError(t, err)
	assert.Equal(t, task.StepError, step.Status)

	// Sweep is idempotent once the wait is consumed.
	contexts, err = c.ExpireWaits(ctx, time.Now().Add(3*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, contexts)
}

func TestExpireWaitsSkipsBusyThreads(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitTimeout = time.Minute
	c, st := newCorrelator(t, cfg)
	ctx := context.Background()
	tk := newTestTask(t, st, "chan:53")

	_, err := c.RegisterWait(ctx, tk, "exec-1", "submit", "S1", nil)
	require.NoError(t, err)
	require.NoError(t, c.Suspend(ctx, tk))

	release, err := c.AcquireThread("chan:53")
	require.NoError(t, err)
	contexts, err := c.ExpireWaits(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, contexts, "busy thread is skipped, not forced")
	release()

	contexts, err = c.ExpireWaits(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, contexts, 1)
}

func TestResumeContextRender(t *testing.T) {
	rc := &ResumeContext{
		Kind:       ResumeCallback,
		Operation:  "submit_invoice_batch",
		Outcome:    OutcomeSuccess,
		StepID:     "S1",
		CallParams: map[string]any{"batch": "B-7"},
		Result:     map[string]any{"accepted": 12},
	}
	text := rc.Render()
	assert.Contains(t, text, `"submit_invoice_batch" finished with outcome success`)
	assert.Contains(t, text, "batch=B-7")
	assert.Contains(t, text, "accepted=12")
}

// TestPropertyCallbackExactlyOnce drives a random interleaving of
// registrations and (re)deliveries and checks every correlation key applies
// at most once regardless of delivery count and order.
func TestPropertyCallbackExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		st := store.NewMemoryTaskStore()
		defer st.Close()
		c := New(st, DefaultConfig(), nil, nil)
		ctx := context.Background()

		tk, err := task.New("prop:1", "acme", task.ModeNow,
			task.Mission{Title: "prop"}, []task.StepSpec{{ID: "S1", Name: "one"}})
		if err != nil {
			rt.Fatal(err)
		}
		if err := st.SaveTask(ctx, tk); err != nil {
			rt.Fatal(err)
		}

		numWaits := rapid.IntRange(1, 4).Draw(rt, "waits")
		keys := make([]string, numWaits)
		for i := 0; i < numWaits; i++ {
			keys[i], err = c.RegisterWait(ctx, tk, string(rune('a'+i)), "op", "S1", nil)
			if err != nil {
				rt.Fatal(err)
			}
		}

		applied := make(map[string]int)
		deliveries := rapid.IntRange(numWaits, numWaits*4).Draw(rt, "deliveries")
		for i := 0; i < deliveries; i++ {
			key := keys[rapid.IntRange(0, numWaits-1).Draw(rt, "pick")]
			if _, err := c.HandleCallback(ctx, Callback{CorrelationKey: key, Outcome: OutcomePartial}); err == nil {
				applied[key]++
			}
		}
		for key, n := range applied {
			if n != 1 {
				rt.Fatalf("key %s applied %d times", key, n)
			}
		}
	})
}
