package correlator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opsflow/opsflow/task"
)

// Outcome classifies the result a callback reports.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Callback is one inbound delivery from the external callback channel.
type Callback struct {
	CorrelationKey string         `json:"correlation_key"`
	Outcome        Outcome        `json:"outcome"`
	Result         map[string]any `json:"result,omitempty"`
}

// ResumeKind names the event that reactivated a task.
type ResumeKind string

const (
	ResumeCallback       ResumeKind = "callback"
	ResumeUserSignal     ResumeKind = "user_signal"
	ResumeUserDisconnect ResumeKind = "user_disconnect"
	ResumeTimeout        ResumeKind = "wait_timeout"
)

// ResumeContext carries everything the next turn needs to continue a task
// exactly where it left off.
type ResumeContext struct {
	Kind       ResumeKind `json:"kind"`
	TaskID     string     `json:"task_id"`
	ThreadKey  string     `json:"thread_key"`
	AcceptedAt time.Time  `json:"accepted_at"`

	// Callback and timeout resumptions.
	Outcome    Outcome        `json:"outcome,omitempty"`
	Operation  string         `json:"operation,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	CallParams map[string]any `json:"call_params,omitempty"`

	// User resumptions.
	Checklist       map[task.StepStatus][]task.Step `json:"checklist,omitempty"`
	RemainingWaits  []task.WaitRegistration         `json:"remaining_waits,omitempty"`
	TrailingMessage string                          `json:"trailing_message,omitempty"`
}

// Render flattens the context into the text block fed to the agent as the
// opening input of the resumed turn.
func (rc *ResumeContext) Render() string {
	var b strings.Builder
	switch rc.Kind {
	case ResumeCallback:
		fmt.Fprintf(&b, "External operation %q finished with outcome %s for step %s.\n",
			rc.Operation, rc.Outcome, rc.StepID)
		if len(rc.CallParams) > 0 {
			fmt.Fprintf(&b, "Original call parameters: %s\n", renderMap(rc.CallParams))
		}
		if len(rc.Result) > 0 {
			fmt.Fprintf(&b, "Result summary: %s\n", renderMap(rc.Result))
		}
	case ResumeTimeout:
		fmt.Fprintf(&b, "External operation %q timed out waiting for a callback; step %s was marked failed.\n",
			rc.Operation, rc.StepID)
	case ResumeUserSignal, ResumeUserDisconnect:
		b.WriteString("Plan execution resumes.\n")
		for _, status := range []task.StepStatus{task.StepCompleted, task.StepInProgress, task.StepError, task.StepPending} {
			steps := rc.Checklist[status]
			if len(steps) == 0 {
				continue
			}
			fmt.Fprintf(&b, "Steps %s:", status)
			for _, s := range steps {
				fmt.Fprintf(&b, " %s(%s)", s.ID, s.Name)
			}
			b.WriteString("\n")
		}
		if len(rc.RemainingWaits) > 0 {
			b.WriteString("Still awaiting callbacks:")
			for _, w := range rc.RemainingWaits {
				fmt.Fprintf(&b, " %s->%s", w.ExpectedOperation, w.StepID)
			}
			b.WriteString("\n")
		}
		if rc.TrailingMessage != "" {
			fmt.Fprintf(&b, "User message: %s\n", rc.TrailingMessage)
		}
	}
	return b.String()
}

// renderMap renders a result map with deterministic key order.
func renderMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}
