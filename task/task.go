package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsflow/opsflow/types"
)

// Status represents the lifecycle state of a Task.
type Status string

const (
	StatusRunning        Status = "running"
	StatusPausedUser     Status = "paused_user"
	StatusPausedExternal Status = "paused_external"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Terminal reports whether the status is a terminal task state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Resumable reports whether a task in this status may still make progress
// and should be picked up again after a process restart.
func (s Status) Resumable() bool {
	switch s {
	case StatusRunning, StatusPausedUser, StatusPausedExternal:
		return true
	default:
		return false
	}
}

// ExecutionMode describes how a task was scheduled.
type ExecutionMode string

const (
	ModeNow       ExecutionMode = "now"
	ModeOnDemand  ExecutionMode = "on_demand"
	ModeScheduled ExecutionMode = "scheduled"
	ModeOneTime   ExecutionMode = "one_time"
)

// Mission is the title and free-form plan description of a task. It is
// immutable after creation except through Task.AdjustMission.
type Mission struct {
	Title string `json:"title"`
	Plan  string `json:"plan"`
}

// WaitRegistration correlates one outstanding external long-running call to
// the step whose completion depends on its callback.
type WaitRegistration struct {
	CorrelationKey    string         `json:"correlation_key"`
	ExpectedOperation string         `json:"expected_operation"`
	StepID            string         `json:"step_id"`
	Params            map[string]any `json:"params,omitempty"`
	IssuedAt          time.Time      `json:"issued_at"`
	Timeout           time.Duration  `json:"timeout,omitempty"`
	Consumed          bool           `json:"consumed"`
}

// Expired reports whether the registration has exceeded its timeout at the
// given instant. A zero timeout never expires.
func (w *WaitRegistration) Expired(now time.Time) bool {
	if w.Consumed || w.Timeout == 0 {
		return false
	}
	return now.Sub(w.IssuedAt) > w.Timeout
}

// Task is one durable workflow execution instance.
type Task struct {
	ID           string             `json:"id"`
	ThreadKey    string             `json:"thread_key"`
	MandateScope string             `json:"mandate_scope"`
	Mode         ExecutionMode      `json:"mode"`
	Status       Status             `json:"status"`
	Mission      Mission            `json:"mission"`
	Checklist    *Checklist         `json:"checklist"`
	Waits        []WaitRegistration `json:"waits,omitempty"`
	FailReason   string             `json:"fail_reason,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// New creates a RUNNING task with the given plan.
func New(threadKey, mandateScope string, mode ExecutionMode, mission Mission, steps []StepSpec) (*Task, error) {
	if threadKey == "" {
		return nil, types.NewError(types.ErrInvalidInput, "thread key must not be empty")
	}
	if mandateScope == "" {
		return nil, types.NewError(types.ErrInvalidInput, "mandate scope must not be empty")
	}
	checklist, err := NewChecklist(steps)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Task{
		ID:           uuid.New().String(),
		ThreadKey:    threadKey,
		MandateScope: mandateScope,
		Mode:         mode,
		Status:       StatusRunning,
		Mission:      mission,
		Checklist:    checklist,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (t *Task) touch() {
	t.UpdatedAt = time.Now()
}

// PendingWaitKeys returns the correlation keys of all live registrations.
func (t *Task) PendingWaitKeys() []string {
	keys := make([]string, 0, len(t.Waits))
	for i := range t.Waits {
		if !t.Waits[i].Consumed {
			keys = append(keys, t.Waits[i].CorrelationKey)
		}
	}
	return keys
}

// Wait returns the registration for the given correlation key, live or
// consumed, or nil.
func (t *Task) Wait(correlationKey string) *WaitRegistration {
	for i := range t.Waits {
		if t.Waits[i].CorrelationKey == correlationKey {
			return &t.Waits[i]
		}
	}
	return nil
}

// RegisterWait records a new live wait registration. At most one
// registration may ever exist per correlation key, consumed or not, so a
// stale redelivery can never be re-armed.
func (t *Task) RegisterWait(w WaitRegistration) error {
	if t.Status.Terminal() {
		return types.Errorf(types.ErrInvalidTransition, "task %s is %s, cannot register waits", t.ID, t.Status)
	}
	if w.CorrelationKey == "" {
		return types.NewError(types.ErrInvalidInput, "correlation key must not be empty")
	}
	if t.Wait(w.CorrelationKey) != nil {
		return types.Errorf(types.ErrDuplicateWait, "wait already registered: %s", w.CorrelationKey)
	}
	if _, err := t.Checklist.Get(w.StepID); err != nil {
		return err
	}
	if w.IssuedAt.IsZero() {
		w.IssuedAt = time.Now()
	}
	t.Waits = append(t.Waits, w)
	t.touch()
	return nil
}

// ConsumeWait marks the registration consumed and returns a copy of it.
// Unknown or already-consumed keys are refused, which makes callback
// delivery idempotent.
func (t *Task) ConsumeWait(correlationKey string) (WaitRegistration, error) {
	w := t.Wait(correlationKey)
	if w == nil {
		return WaitRegistration{}, types.Errorf(types.ErrUnknownCorrelation, "no wait registered for %s", correlationKey)
	}
	if w.Consumed {
		return WaitRegistration{}, types.Errorf(types.ErrUnknownCorrelation, "wait already consumed: %s", correlationKey)
	}
	w.Consumed = true
	t.touch()
	return *w, nil
}

// HasLiveWaits reports whether any registration is still outstanding.
func (t *Task) HasLiveWaits() bool {
	return len(t.PendingWaitKeys()) > 0
}

// PauseForExternal transitions RUNNING -> PAUSED_EXTERNAL. The task must
// hold at least one live wait registration, which is exactly what caused
// the pause.
func (t *Task) PauseForExternal() error {
	if t.Status != StatusRunning {
		return types.Errorf(types.ErrInvalidTransition, "task %s: %s -> %s", t.ID, t.Status, StatusPausedExternal)
	}
	if !t.HasLiveWaits() {
		return types.Errorf(types.ErrInvalidTransition, "task %s has no live waits to pause on", t.ID)
	}
	t.Status = StatusPausedExternal
	t.touch()
	return nil
}

// PauseForUser transitions RUNNING -> PAUSED_USER. The checklist and any
// pending waits stay intact.
func (t *Task) PauseForUser() error {
	if t.Status != StatusRunning {
		return types.Errorf(types.ErrInvalidTransition, "task %s: %s -> %s", t.ID, t.Status, StatusPausedUser)
	}
	t.Status = StatusPausedUser
	t.touch()
	return nil
}

// Resume transitions a paused task back to RUNNING.
func (t *Task) Resume() error {
	if t.Status != StatusPausedUser && t.Status != StatusPausedExternal {
		return types.Errorf(types.ErrInvalidTransition, "task %s: %s -> %s", t.ID, t.Status, StatusRunning)
	}
	t.Status = StatusRunning
	t.touch()
	return nil
}

// Complete attempts the RUNNING -> COMPLETED transition. It is refused
// while any step is not COMPLETED or any wait is outstanding, and the task
// stays RUNNING.
func (t *Task) Complete() error {
	if t.Status != StatusRunning {
		return types.Errorf(types.ErrInvalidTransition, "task %s: %s -> %s", t.ID, t.Status, StatusCompleted)
	}
	if !t.Checklist.IsComplete() {
		counts := t.Checklist.CountByStatus()
		return types.Errorf(types.ErrCompletionRefused,
			"task %s: checklist incomplete (pending=%d in_progress=%d error=%d)",
			t.ID, counts[StepPending], counts[StepInProgress], counts[StepError])
	}
	if t.HasLiveWaits() {
		return types.Errorf(types.ErrCompletionRefused,
			"task %s: %d waits still pending", t.ID, len(t.PendingWaitKeys()))
	}
	t.Status = StatusCompleted
	t.touch()
	return nil
}

// Fail moves the task to FAILED from any non-terminal state and invalidates
// all live wait registrations.
func (t *Task) Fail(reason string) error {
	if t.Status.Terminal() {
		return types.Errorf(types.ErrInvalidTransition, "task %s is already %s", t.ID, t.Status)
	}
	for i := range t.Waits {
		t.Waits[i].Consumed = true
	}
	t.Status = StatusFailed
	t.FailReason = reason
	t.touch()
	return nil
}

// AdjustMission is the explicit plan-adjustment operation; the mission is
// otherwise immutable after creation.
func (t *Task) AdjustMission(title, plan string) error {
	if t.Status.Terminal() {
		return types.Errorf(types.ErrInvalidTransition, "task %s is %s, mission is frozen", t.ID, t.Status)
	}
	t.Mission = Mission{Title: title, Plan: plan}
	t.touch()
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Checklist = t.Checklist.Clone()
	cp.Waits = make([]WaitRegistration, len(t.Waits))
	copy(cp.Waits, t.Waits)
	for i := range cp.Waits {
		if t.Waits[i].Params != nil {
			params := make(map[string]any, len(t.Waits[i].Params))
			for k, v := range t.Waits[i].Params {
				params[k] = v
			}
			cp.Waits[i].Params = params
		}
	}
	return &cp
}
