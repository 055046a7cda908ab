package task

import (
	"time"

	"github.com/opsflow/opsflow/types"
)

// StepStatus represents the status of a checklist step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepError      StepStatus = "error"
)

// Terminal reports whether the status is a terminal step state.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepError
}

// Step is one unit of the checklist, owned exclusively by its Task.
type Step struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StepSpec describes a step at checklist creation time.
type StepSpec struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Checklist is the ordered plan of a Task. Mutate it only through its
// methods; direct slice manipulation bypasses the transition rules.
type Checklist struct {
	Steps []*Step `json:"steps"`
}

// NewChecklist builds a checklist with every step PENDING.
// Duplicate step ids are rejected.
func NewChecklist(specs []StepSpec) (*Checklist, error) {
	seen := make(map[string]struct{}, len(specs))
	steps := make([]*Step, 0, len(specs))
	now := time.Now()
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, types.NewError(types.ErrInvalidInput, "step id must not be empty")
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, types.Errorf(types.ErrDuplicateStep, "duplicate step id %q", spec.ID)
		}
		seen[spec.ID] = struct{}{}
		steps = append(steps, &Step{
			ID:        spec.ID,
			Name:      spec.Name,
			Status:    StepPending,
			UpdatedAt: now,
		})
	}
	return &Checklist{Steps: steps}, nil
}

// Get returns the step with the given id, or an UNKNOWN_STEP error.
func (c *Checklist) Get(id string) (*Step, error) {
	for _, s := range c.Steps {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, types.Errorf(types.ErrUnknownStep, "no such step: %s", id)
}

func (c *Checklist) index(id string) int {
	for i, s := range c.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// activeIndex returns the index of the IN_PROGRESS step, or -1.
func (c *Checklist) activeIndex() int {
	for i, s := range c.Steps {
		if s.Status == StepInProgress {
			return i
		}
	}
	return -1
}

// validTransition implements the forward-only step lifecycle:
// PENDING -> IN_PROGRESS -> {COMPLETED | ERROR}. Skipping IN_PROGRESS on
// the way forward is allowed; moving backwards is not. ERROR leaves only
// through Retry, never through Update.
func validTransition(from, to StepStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StepPending:
		return to == StepInProgress || to == StepCompleted || to == StepError
	case StepInProgress:
		return to == StepCompleted || to == StepError
	default:
		return false
	}
}

// Update sets the status and message of a step. The message and timestamp
// are recorded even when the status does not change. Invalid transitions
// are refused without touching the step.
func (c *Checklist) Update(id string, status StepStatus, message string) error {
	step, err := c.Get(id)
	if err != nil {
		return err
	}
	switch status {
	case StepPending, StepInProgress, StepCompleted, StepError:
	default:
		return types.Errorf(types.ErrInvalidInput, "unknown step status %q", status)
	}
	if !validTransition(step.Status, status) {
		return types.Errorf(types.ErrInvalidTransition, "step %s: %s -> %s", id, step.Status, status)
	}
	step.Status = status
	step.Message = message
	step.UpdatedAt = time.Now()
	return nil
}

// Retry re-arms an ERROR step back to IN_PROGRESS. This is the only path
// out of ERROR.
func (c *Checklist) Retry(id string) error {
	step, err := c.Get(id)
	if err != nil {
		return err
	}
	if step.Status != StepError {
		return types.Errorf(types.ErrInvalidTransition, "step %s: retry requires ERROR, have %s", id, step.Status)
	}
	step.Status = StepInProgress
	step.UpdatedAt = time.Now()
	return nil
}

// Insert adds a new PENDING step after the step identified by insertAfter.
// An empty insertAfter appends at the end. The insertion point must not
// place the new step before the currently IN_PROGRESS step.
func (c *Checklist) Insert(id, name, insertAfter string) error {
	if id == "" {
		return types.NewError(types.ErrInvalidInput, "step id must not be empty")
	}
	if c.index(id) >= 0 {
		return types.Errorf(types.ErrDuplicateStep, "duplicate step id %q", id)
	}

	pos := len(c.Steps)
	if insertAfter != "" {
		anchor := c.index(insertAfter)
		if anchor < 0 {
			return types.Errorf(types.ErrInvalidAnchor, "insert_after step not found: %s", insertAfter)
		}
		pos = anchor + 1
	}
	if active := c.activeIndex(); active >= 0 && pos <= active {
		return types.Errorf(types.ErrInvalidAnchor,
			"cannot insert step %q before the in-progress step %s", id, c.Steps[active].ID)
	}

	step := &Step{ID: id, Name: name, Status: StepPending, UpdatedAt: time.Now()}
	c.Steps = append(c.Steps, nil)
	copy(c.Steps[pos+1:], c.Steps[pos:])
	c.Steps[pos] = step
	return nil
}

// Delete removes a step. Only PENDING steps may be deleted; the relative
// order of the remaining steps is preserved. Deleting the last step leaves
// an empty checklist, which is never considered complete.
func (c *Checklist) Delete(id, reason string) error {
	i := c.index(id)
	if i < 0 {
		return types.Errorf(types.ErrUnknownStep, "no such step: %s", id)
	}
	if c.Steps[i].Status != StepPending {
		return types.Errorf(types.ErrStepNotPending,
			"step %s is %s, only pending steps may be deleted (reason: %s)", id, c.Steps[i].Status, reason)
	}
	c.Steps = append(c.Steps[:i], c.Steps[i+1:]...)
	return nil
}

// IsComplete reports whether every step is COMPLETED. ERROR counts as not
// complete; accepting partial completion requires an explicit Update of the
// remaining ERROR steps. An empty checklist is not complete.
func (c *Checklist) IsComplete() bool {
	if len(c.Steps) == 0 {
		return false
	}
	for _, s := range c.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// CountByStatus returns the number of steps per status.
func (c *Checklist) CountByStatus() map[StepStatus]int {
	counts := make(map[StepStatus]int, 4)
	for _, s := range c.Steps {
		counts[s.Status]++
	}
	return counts
}

// Snapshot groups step copies by status, in checklist order. Used to build
// resumption contexts without exposing the live steps.
func (c *Checklist) Snapshot() map[StepStatus][]Step {
	snap := make(map[StepStatus][]Step, 4)
	for _, s := range c.Steps {
		snap[s.Status] = append(snap[s.Status], *s)
	}
	return snap
}

// Clone returns a deep copy of the checklist.
func (c *Checklist) Clone() *Checklist {
	if c == nil {
		return nil
	}
	steps := make([]*Step, len(c.Steps))
	for i, s := range c.Steps {
		cp := *s
		steps[i] = &cp
	}
	return &Checklist{Steps: steps}
}
