package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opsflow/opsflow/internal/metrics"
	"github.com/opsflow/opsflow/store"
	"github.com/opsflow/opsflow/task"
	"github.com/opsflow/opsflow/types"
)

// Config configures the correlator.
type Config struct {
	// WaitTimeout bounds how long a wait registration may stay live before
	// the sweeper fails its step. Zero means waits never expire; the
	// timeout policy is deliberately a deployment decision.
	WaitTimeout time.Duration `json:"wait_timeout" yaml:"wait_timeout"`

	// SweepInterval is how often expired waits are swept.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// SignalToken is the leading token a user sends to resume a paused
	// task. It is stripped from the trailing message.
	SignalToken string `json:"signal_token" yaml:"signal_token"`
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:   0,
		SweepInterval: time.Minute,
		SignalToken:   "/resume",
	}
}

// Correlator routes inbound callbacks and user signals to the waiting task
// and owns the per-thread execution lease.
type Correlator struct {
	store     store.TaskStore
	leases    *leaseTable
	logger    *zap.Logger
	collector *metrics.Collector
	config    Config
}

// New creates a correlator on top of the given task store.
func New(taskStore store.TaskStore, config Config, logger *zap.Logger, collector *metrics.Collector) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SignalToken == "" {
		config.SignalToken = "/resume"
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	return &Correlator{
		store:     taskStore,
		leases:    newLeaseTable(),
		logger:    logger.With(zap.String("component", "correlator")),
		collector: collector,
		config:    config,
	}
}

// CorrelationKey derives the key an external call is correlated by.
func CorrelationKey(threadKey, executionID string) string {
	return threadKey + "::" + executionID
}

// AcquireThread takes the exclusive execution lease for a thread key.
// The returned release func must be called on suspension or terminal state.
func (c *Correlator) AcquireThread(threadKey string) (func(), error) {
	return c.leases.acquire(threadKey)
}

// RegisterWait records that the task has issued a long-running external
// call whose result will arrive later. The caller holds the thread lease.
func (c *Correlator) RegisterWait(ctx context.Context, t *task.Task, executionID, operation, stepID string, params map[string]any) (string, error) {
	key := CorrelationKey(t.ThreadKey, executionID)
	err := t.RegisterWait(task.WaitRegistration{
		CorrelationKey:    key,
		ExpectedOperation: operation,
		StepID:            stepID,
		Params:            params,
		IssuedAt:          time.Now(),
		Timeout:           c.config.WaitTimeout,
	})
	if err != nil {
		return "", err
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return "", err
	}
	c.audit(ctx, store.AuditEvent{
		TaskID:  t.ID,
		Type:    store.AuditWaitRegistered,
		Message: operation + " -> " + stepID,
	})
	c.logger.Info("wait registered",
		zap.String("task_id", t.ID),
		zap.String("correlation_key", key),
		zap.String("operation", operation),
	)
	return key, nil
}

// Suspend parks a running task until its outstanding callbacks arrive.
// The caller holds the thread lease and releases it after Suspend returns.
func (c *Correlator) Suspend(ctx context.Context, t *task.Task) error {
	old := t.Status
	if err := t.PauseForExternal(); err != nil {
		return err
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return err
	}
	c.audit(ctx, store.AuditEvent{
		TaskID: t.ID, Type: store.AuditStatusChanged, OldStatus: old, NewStatus: t.Status,
	})
	c.logger.Info("task suspended on external waits",
		zap.String("task_id", t.ID),
		zap.Strings("pending", t.PendingWaitKeys()),
	)
	return nil
}

// HandleCallback applies one inbound callback delivery. Unknown and
// already-consumed correlation keys are rejected without state change,
// making redelivery safe. A callback racing an active execution context is
// refused with THREAD_BUSY and must be redelivered.
func (c *Correlator) HandleCallback(ctx context.Context, cb Callback) (*ResumeContext, error) {
	probe, err := c.store.GetByCorrelation(ctx, cb.CorrelationKey)
	if errors.Is(err, store.ErrNotFound) {
		c.collector.CallbackRejected("unknown_key")
		c.logger.Warn("callback for unknown correlation key discarded",
			zap.String("correlation_key", cb.CorrelationKey))
		return nil, types.Errorf(types.ErrUnknownCorrelation, "no wait registered for %s", cb.CorrelationKey)
	}
	if err != nil {
		return nil, err
	}

	release, err := c.leases.acquire(probe.ThreadKey)
	if err != nil {
		c.collector.CallbackRejected("thread_busy")
		return nil, err
	}
	defer release()

	// Reload under the lease; the probe read may be stale.
	t, err := c.store.GetTask(ctx, probe.ID)
	if err != nil {
		return nil, err
	}

	w, err := t.ConsumeWait(cb.CorrelationKey)
	if err != nil {
		c.collector.CallbackRejected("already_consumed")
		c.audit(ctx, store.AuditEvent{
			TaskID:  t.ID,
			Type:    store.AuditCallbackRejected,
			Message: cb.CorrelationKey,
		})
		c.logger.Warn("duplicate or stale callback discarded",
			zap.String("task_id", t.ID),
			zap.String("correlation_key", cb.CorrelationKey))
		return nil, err
	}

	summary := renderMap(cb.Result)
	switch cb.Outcome {
	case OutcomeSuccess:
		err = t.Checklist.Update(w.StepID, task.StepCompleted, summary)
	case OutcomeFailure:
		err = t.Checklist.Update(w.StepID, task.StepError, summary)
	default:
		// Partial results keep the step active; the agent decides next turn.
		err = t.Checklist.Update(w.StepID, task.StepInProgress, summary)
	}
	if err != nil {
		c.logger.Warn("callback step update refused, wait consumed anyway",
			zap.String("task_id", t.ID),
			zap.String("step_id", w.StepID),
			zap.Error(err))
	}

	old := t.Status
	if t.Status == task.StatusPausedExternal {
		if err := t.Resume(); err != nil {
			return nil, err
		}
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(cb)
	c.audit(ctx, store.AuditEvent{
		TaskID:    t.ID,
		Type:      store.AuditCallbackApplied,
		OldStatus: old,
		NewStatus: t.Status,
		Message:   cb.CorrelationKey,
		Payload:   payload,
	})
	c.collector.CallbackApplied(string(cb.Outcome))
	c.logger.Info("callback applied",
		zap.String("task_id", t.ID),
		zap.String("correlation_key", cb.CorrelationKey),
		zap.String("outcome", string(cb.Outcome)),
	)

	return &ResumeContext{
		Kind:       ResumeCallback,
		TaskID:     t.ID,
		ThreadKey:  t.ThreadKey,
		AcceptedAt: time.Now(),
		Outcome:    cb.Outcome,
		Operation:  w.ExpectedOperation,
		StepID:     w.StepID,
		Result:     cb.Result,
		CallParams: w.Params,
	}, nil
}

// InterruptForUser pauses a running task because a live user message
// arrived mid-plan. Checklist and pending waits stay intact.
func (c *Correlator) InterruptForUser(ctx context.Context, threadKey string) error {
	release, err := c.leases.acquire(threadKey)
	if err != nil {
		return err
	}
	defer release()

	t, err := c.store.GetByThreadKey(ctx, threadKey)
	if err != nil {
		return err
	}
	old := t.Status
	if err := t.PauseForUser(); err != nil {
		return err
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return err
	}
	c.audit(ctx, store.AuditEvent{
		TaskID: t.ID, Type: store.AuditUserInterrupt, OldStatus: old, NewStatus: t.Status,
	})
	c.logger.Info("task paused for user", zap.String("task_id", t.ID))
	return nil
}

// ResumeOnUserSignal reactivates a user-paused task on an explicit signal.
// The signal token is stripped from the trailing message.
func (c *Correlator) ResumeOnUserSignal(ctx context.Context, threadKey, message string) (*ResumeContext, error) {
	trailing := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(message), c.config.SignalToken))
	return c.resumeFromUserPause(ctx, threadKey, ResumeUserSignal, trailing)
}

// ResumeOnDisconnect reactivates a user-paused task because the user went
// away. No trailing message is carried into the resumption context.
func (c *Correlator) ResumeOnDisconnect(ctx context.Context, threadKey string) (*ResumeContext, error) {
	return c.resumeFromUserPause(ctx, threadKey, ResumeUserDisconnect, "")
}

func (c *Correlator) resumeFromUserPause(ctx context.Context, threadKey string, kind ResumeKind, trailing string) (*ResumeContext, error) {
	release, err := c.leases.acquire(threadKey)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := c.store.GetByThreadKey(ctx, threadKey)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPausedUser {
		return nil, types.Errorf(types.ErrInvalidTransition,
			"task %s is %s, user resume requires %s", t.ID, t.Status, task.StatusPausedUser)
	}
	old := t.Status
	if err := t.Resume(); err != nil {
		return nil, err
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	c.audit(ctx, store.AuditEvent{
		TaskID: t.ID, Type: store.AuditUserResume, OldStatus: old, NewStatus: t.Status, Message: string(kind),
	})
	c.logger.Info("task resumed after user pause",
		zap.String("task_id", t.ID), zap.String("kind", string(kind)))

	remaining := make([]task.WaitRegistration, 0)
	for i := range t.Waits {
		if !t.Waits[i].Consumed {
			remaining = append(remaining, t.Waits[i])
		}
	}
	return &ResumeContext{
		Kind:            kind,
		TaskID:          t.ID,
		ThreadKey:       t.ThreadKey,
		AcceptedAt:      time.Now(),
		Checklist:       t.Checklist.Snapshot(),
		RemainingWaits:  remaining,
		TrailingMessage: trailing,
	}, nil
}

// Abort explicitly cancels a task: all pending wait registrations are
// invalidated and the task goes to FAILED.
func (c *Correlator) Abort(ctx context.Context, threadKey, reason string) error {
	release, err := c.leases.acquire(threadKey)
	if err != nil {
		return err
	}
	defer release()

	t, err := c.store.GetByThreadKey(ctx, threadKey)
	if err != nil {
		return err
	}
	old := t.Status
	if err := t.Fail(reason); err != nil {
		return err
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return err
	}
	c.audit(ctx, store.AuditEvent{
		TaskID: t.ID, Type: store.AuditTaskAborted, OldStatus: old, NewStatus: t.Status, Message: reason,
	})
	c.logger.Warn("task aborted", zap.String("task_id", t.ID), zap.String("reason", reason))
	return nil
}

// ExpireWaits sweeps all resumable tasks for wait registrations past their
// timeout. Each expired wait fails its step and forces the task back to
// RUNNING with a failure-classified synthetic resumption context. Threads
// with an active execution are skipped and retried on the next sweep.
func (c *Correlator) ExpireWaits(ctx context.Context, now time.Time) ([]*ResumeContext, error) {
	tasks, err := c.store.ListResumable(ctx, "")
	if err != nil {
		return nil, err
	}

	var contexts []*ResumeContext
	for _, probe := range tasks {
		expired := false
		for i := range probe.Waits {
			if probe.Waits[i].Expired(now) {
				expired = true
				break
			}
		}
		if !expired {
			continue
		}

		release, err := c.leases.acquire(probe.ThreadKey)
		if err != nil {
			continue
		}

		rc, err := c.expireTaskWaits(ctx, probe.ID, now)
		release()
		if err != nil {
			c.logger.Error("wait expiry failed", zap.String("task_id", probe.ID), zap.Error(err))
			continue
		}
		contexts = append(contexts, rc...)
	}
	return contexts, nil
}

func (c *Correlator) expireTaskWaits(ctx context.Context, taskID string, now time.Time) ([]*ResumeContext, error) {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var contexts []*ResumeContext
	for i := range t.Waits {
		if !t.Waits[i].Expired(now) {
			continue
		}
		w, err := t.ConsumeWait(t.Waits[i].CorrelationKey)
		if err != nil {
			continue
		}
		if err := t.Checklist.Update(w.StepID, task.StepError, "external operation timed out: "+w.ExpectedOperation); err != nil {
			c.logger.Warn("timeout step update refused",
				zap.String("task_id", t.ID), zap.String("step_id", w.StepID), zap.Error(err))
		}
		c.audit(ctx, store.AuditEvent{
			TaskID: t.ID, Type: store.AuditWaitTimedOut, Message: w.CorrelationKey,
		})
		c.collector.WaitTimedOut()
		contexts = append(contexts, &ResumeContext{
			Kind:       ResumeTimeout,
			TaskID:     t.ID,
			ThreadKey:  t.ThreadKey,
			AcceptedAt: now,
			Outcome:    OutcomeFailure,
			Operation:  w.ExpectedOperation,
			StepID:     w.StepID,
			CallParams: w.Params,
		})
	}
	if len(contexts) == 0 {
		return nil, nil
	}

	if t.Status == task.StatusPausedExternal {
		if err := t.Resume(); err != nil {
			return nil, err
		}
	}
	if err := c.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	return contexts, nil
}

// RunSweeper periodically expires overdue waits until ctx is cancelled.
func (c *Correlator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := c.ExpireWaits(ctx, now); err != nil {
				c.logger.Error("wait sweep failed", zap.Error(err))
			}
		}
	}
}

func (c *Correlator) audit(ctx context.Context, event store.AuditEvent) {
	if err := c.store.AppendAudit(ctx, event); err != nil {
		c.logger.Error("audit append failed",
			zap.String("task_id", event.TaskID),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}
