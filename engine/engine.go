package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opsflow/opsflow/correlator"
	"github.com/opsflow/opsflow/internal/metrics"
	"github.com/opsflow/opsflow/store"
	"github.com/opsflow/opsflow/task"
	"github.com/opsflow/opsflow/types"
)

// ActionKind classifies one provider action.
type ActionKind string

const (
	// ActionText is free text addressed to the user or the next turn.
	ActionText ActionKind = "text"
	// ActionToolCall invokes a registered tool.
	ActionToolCall ActionKind = "tool_call"
	// ActionTerminal signals the provider considers the mission done.
	ActionTerminal ActionKind = "terminal"
)

// Action is one step the provider wants taken this turn.
type Action struct {
	Kind ActionKind     `json:"kind"`
	Text string         `json:"text,omitempty"`
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// Provider produces the actions for one turn given the turn input and the
// available tool signatures.
type Provider interface {
	Invoke(ctx context.Context, input string, tools []Descriptor) ([]Action, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, input string, tools []Descriptor) ([]Action, error)

// Invoke implements Provider.
func (f ProviderFunc) Invoke(ctx context.Context, input string, tools []Descriptor) ([]Action, error) {
	return f(ctx, input, tools)
}

// LoopOutcome is how one Run ended.
type LoopOutcome string

const (
	OutcomeMissionCompleted LoopOutcome = "mission_completed"
	OutcomeSuspended        LoopOutcome = "suspended"
	OutcomeNoAction         LoopOutcome = "no_action"
	OutcomeMaxTurns         LoopOutcome = "max_turns_reached"
	OutcomeFatal            LoopOutcome = "fatal_error"

	// outcomeContinue keeps the loop going to the next turn.
	outcomeContinue LoopOutcome = "continue"
)

// RunResult reports how a Run ended and what the provider last said.
type RunResult struct {
	Outcome    LoopOutcome `json:"outcome"`
	Turns      int         `json:"turns"`
	Iterations int         `json:"iterations"`
	FinalText  string      `json:"final_text,omitempty"`
}

// Config bounds the turn loop.
type Config struct {
	// MaxTurns caps provider turns within one loop iteration.
	MaxTurns int `json:"max_turns" yaml:"max_turns"`
	// MaxIterations caps how often a refused completion may re-enter the
	// loop before the run is cut off.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	// ToolTimeout is the default per-dispatch timeout.
	ToolTimeout time.Duration `json:"tool_timeout" yaml:"tool_timeout"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxTurns:      10,
		MaxIterations: 3,
		ToolTimeout:   30 * time.Second,
	}
}

// Engine owns the turn loop.
type Engine struct {
	provider   Provider
	registry   *Registry
	store      store.TaskStore
	correlator *correlator.Correlator
	config     Config
	logger     *zap.Logger
	collector  *metrics.Collector
	tracer     trace.Tracer
}

// New creates an engine. The correlator supplies the per-thread execution
// lease and the suspension path for long-running tool calls.
func New(provider Provider, registry *Registry, taskStore store.TaskStore, corr *correlator.Correlator, config Config, logger *zap.Logger, collector *metrics.Collector) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = DefaultConfig().MaxTurns
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = 1
	}
	return &Engine{
		provider:   provider,
		registry:   registry,
		store:      taskStore,
		correlator: corr,
		config:     config,
		logger:     logger.With(zap.String("component", "engine")),
		collector:  collector,
		tracer:     otel.Tracer("opsflow/engine"),
	}
}

// Run executes the turn loop for the task on threadKey, starting from
// input. It takes the thread lease for the whole run, so callbacks and
// user signals racing an active run are refused until it finishes. A
// provider claiming completion too early is refused by the task and sent
// back into the loop with the refusal, up to MaxIterations times.
func (e *Engine) Run(ctx context.Context, threadKey, input string) (res *RunResult, err error) {
	release, err := e.correlator.AcquireThread(threadKey)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := e.store.GetByThreadKey(ctx, threadKey)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusRunning {
		return nil, types.Errorf(types.ErrInvalidTransition,
			"task %s is %s, the loop only runs active tasks", t.ID, t.Status)
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = e.failFatal(ctx, t, fmt.Sprintf("panic in turn loop: %v", r))
		}
	}()

	res = &RunResult{}
	seed := input
	for iter := 1; iter <= e.config.MaxIterations; iter++ {
		res.Iterations = iter
		outcome, lastText, turns, loopErr := e.runLoop(ctx, t, seed)
		res.Turns += turns
		res.FinalText = lastText
		if loopErr != nil {
			if types.HasCode(loopErr, types.ErrFatalInternal) {
				return e.failFatal(ctx, t, loopErr.Error())
			}
			// Transient provider failure: persist tool progress and bubble up
			// so the caller can retry the run.
			if serr := e.store.SaveTask(ctx, t); serr != nil {
				e.logger.Error("task save failed after loop error", zap.Error(serr))
			}
			return nil, loopErr
		}

		switch outcome {
		case OutcomeSuspended:
			res.Outcome = OutcomeSuspended
			e.collector.LoopFinished(string(OutcomeSuspended))
			return res, nil

		case OutcomeMissionCompleted:
			old := t.Status
			cerr := t.Complete()
			if cerr == nil {
				if err := e.store.SaveTask(ctx, t); err != nil {
					return nil, err
				}
				e.audit(ctx, store.AuditEvent{
					TaskID: t.ID, Type: store.AuditStatusChanged, OldStatus: old, NewStatus: t.Status,
				})
				e.collector.LoopFinished(string(OutcomeMissionCompleted))
				e.logger.Info("mission completed",
					zap.String("task_id", t.ID), zap.Int("turns", res.Turns))
				res.Outcome = OutcomeMissionCompleted
				return res, nil
			}
			if !types.HasCode(cerr, types.ErrCompletionRefused) {
				return nil, cerr
			}
			// Completion gate refused; tell the provider what is still open
			// and let it try to close the gap.
			seed = completionRefusedSeed(t, cerr)
			e.logger.Info("completion refused, re-entering loop",
				zap.String("task_id", t.ID), zap.Int("iteration", iter))
			continue

		case OutcomeMaxTurns:
			if iter < e.config.MaxIterations {
				// Re-seed a fresh attempt with a summary of where the last
				// one ran out.
				seed = turnBudgetSeed(t, lastText)
				e.logger.Info("turn budget exhausted, re-seeding attempt",
					zap.String("task_id", t.ID), zap.Int("iteration", iter))
				continue
			}
			if err := e.store.SaveTask(ctx, t); err != nil {
				return nil, err
			}
			e.collector.LoopFinished(string(OutcomeMaxTurns))
			res.Outcome = OutcomeMaxTurns
			return res, nil

		default:
			if err := e.store.SaveTask(ctx, t); err != nil {
				return nil, err
			}
			e.collector.LoopFinished(string(outcome))
			res.Outcome = outcome
			return res, nil
		}
	}

	if err := e.store.SaveTask(ctx, t); err != nil {
		return nil, err
	}
	e.collector.LoopFinished(string(OutcomeMaxTurns))
	e.logger.Warn("iteration budget exhausted with completion still refused",
		zap.String("task_id", t.ID))
	res.Outcome = OutcomeMaxTurns
	return res, nil
}

// runLoop plays provider turns until something decisive happens or the
// turn budget runs out.
func (e *Engine) runLoop(ctx context.Context, t *task.Task, input string) (LoopOutcome, string, int, error) {
	lastText := ""
	for turn := 1; turn <= e.config.MaxTurns; turn++ {
		turnCtx, span := e.tracer.Start(ctx, "engine.turn",
			trace.WithAttributes(
				attribute.String("task.id", t.ID),
				attribute.Int("turn", turn),
			))
		start := time.Now()
		actions, err := e.provider.Invoke(turnCtx, input, e.registry.Descriptors())
		if err != nil {
			span.End()
			e.collector.TurnExecuted("provider_error", time.Since(start))
			return "", lastText, turn, fmt.Errorf("provider turn %d: %w", turn, err)
		}

		outcome, nextInput, text := e.applyActions(turnCtx, t, actions)
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		span.End()
		e.collector.TurnExecuted(string(outcome), time.Since(start))
		if text != "" {
			lastText = text
		}

		switch outcome {
		case OutcomeMissionCompleted, OutcomeSuspended, OutcomeNoAction:
			return outcome, lastText, turn, nil
		}
		input = nextInput
	}
	return OutcomeMaxTurns, lastText, e.config.MaxTurns, nil
}

// applyActions executes one turn's actions in order. Tool failures do not
// abort the turn; the error text becomes the observation so the provider
// can react. A suspend request wins over everything after it.
func (e *Engine) applyActions(ctx context.Context, t *task.Task, actions []Action) (LoopOutcome, string, string) {
	if len(actions) == 0 {
		return OutcomeNoAction, "", ""
	}

	var observations []string
	var text string
	terminal := false
	for _, action := range actions {
		switch action.Kind {
		case ActionTerminal:
			terminal = true
		case ActionText:
			text = action.Text
		case ActionToolCall:
			res, err := e.registry.Dispatch(ctx, action.Tool, t, action.Args, e.config.ToolTimeout)
			if err != nil {
				observations = append(observations,
					fmt.Sprintf("tool %s failed: %v", action.Tool, err))
				continue
			}
			if res.Suspend {
				if err := e.suspend(ctx, t); err != nil {
					e.logger.Error("suspend failed",
						zap.String("task_id", t.ID), zap.Error(err))
					observations = append(observations,
						fmt.Sprintf("suspend after %s failed: %v", action.Tool, err))
					continue
				}
				return OutcomeSuspended, "", text
			}
			observations = append(observations,
				fmt.Sprintf("tool %s: %s", action.Tool, renderOutput(res.Output)))
		}
	}

	if terminal {
		return OutcomeMissionCompleted, "", text
	}
	if len(observations) == 0 {
		// Pure text with no tool activity: nothing further to loop on.
		return OutcomeNoAction, "", text
	}
	return outcomeContinue, strings.Join(observations, "\n"), text
}

func (e *Engine) suspend(ctx context.Context, t *task.Task) error {
	return e.correlator.Suspend(ctx, t)
}

func (e *Engine) failFatal(ctx context.Context, t *task.Task, reason string) (*RunResult, error) {
	if ferr := t.Fail(reason); ferr != nil {
		e.logger.Error("fatal failure could not be recorded",
			zap.String("task_id", t.ID), zap.Error(ferr))
	} else if serr := e.store.SaveTask(ctx, t); serr != nil {
		e.logger.Error("task save failed after fatal error",
			zap.String("task_id", t.ID), zap.Error(serr))
	}
	e.audit(ctx, store.AuditEvent{
		TaskID: t.ID, Type: store.AuditFatalError, NewStatus: t.Status, Message: reason,
	})
	e.collector.LoopFinished(string(OutcomeFatal))
	e.logger.Error("turn loop failed fatally",
		zap.String("task_id", t.ID), zap.String("reason", reason))
	return &RunResult{Outcome: OutcomeFatal},
		types.NewError(types.ErrFatalInternal, reason)
}

func (e *Engine) audit(ctx context.Context, event store.AuditEvent) {
	if err := e.store.AppendAudit(ctx, event); err != nil {
		e.logger.Error("audit append failed",
			zap.String("task_id", event.TaskID), zap.Error(err))
	}
}

func renderOutput(m map[string]any) string {
	if len(m) == 0 {
		return "ok"
	}
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

// turnBudgetSeed summarizes where the exhausted attempt left off so a
// fresh attempt starts with that context instead of the original input.
func turnBudgetSeed(t *task.Task, lastText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The previous attempt ran out of turns on mission %q.\n", t.Mission.Title)
	counts := t.Checklist.CountByStatus()
	fmt.Fprintf(&b, "Checklist: %d completed, %d in progress, %d pending, %d failed.\n",
		counts[task.StepCompleted], counts[task.StepInProgress],
		counts[task.StepPending], counts[task.StepError])
	if lastText != "" {
		b.WriteString("Last output: ")
		b.WriteString(lastText)
		b.WriteString("\n")
	}
	b.WriteString("Continue from this state.")
	return b.String()
}

// completionRefusedSeed renders the refusal into the next loop input.
func completionRefusedSeed(t *task.Task, cerr error) string {
	var b strings.Builder
	b.WriteString("Completion was refused: ")
	b.WriteString(cerr.Error())
	b.WriteString("\nOpen checklist steps:")
	for _, s := range t.Checklist.Steps {
		if s.Status == task.StepCompleted {
			continue
		}
		fmt.Fprintf(&b, " %s(%s:%s)", s.ID, s.Name, s.Status)
	}
	if keys := t.PendingWaitKeys(); len(keys) > 0 {
		b.WriteString("\nStill awaiting callbacks: ")
		b.WriteString(strings.Join(keys, " "))
	}
	return b.String()
}
