package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opsflow/opsflow/internal/metrics"
	"github.com/opsflow/opsflow/task"
	"github.com/opsflow/opsflow/types"
)

// Descriptor is the tool signature advertised to the provider.
type Descriptor struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params,omitempty"`
}

// ToolResult is what a dispatched tool hands back to the turn loop.
type ToolResult struct {
	// Output is fed back to the provider as the observation for this call.
	Output map[string]any

	// Suspend reports that the tool issued a long-running external call and
	// the task should park until the callback arrives.
	Suspend bool
}

// Handler executes one tool call against the live task.
type Handler func(ctx context.Context, t *task.Task, args map[string]any) (*ToolResult, error)

// Tool couples a descriptor with its handler and per-tool dispatch limits.
type Tool struct {
	Descriptor Descriptor
	Handler    Handler

	// Rate caps dispatches per second; zero means unlimited.
	Rate  rate.Limit
	Burst int

	// Timeout bounds one dispatch; zero falls back to the engine default.
	Timeout time.Duration
}

type registeredTool struct {
	tool    Tool
	limiter *rate.Limiter
}

// Registry is the closed set of tools an engine may dispatch. Tools are
// validated at registration; calls naming anything else are rejected at
// dispatch, never executed.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*registeredTool
	logger    *zap.Logger
	collector *metrics.Collector
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger, collector *metrics.Collector) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:     make(map[string]*registeredTool),
		logger:    logger.With(zap.String("component", "tool_registry")),
		collector: collector,
	}
}

// Register adds a tool to the registry. Duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool.Descriptor.Name == "" {
		return types.NewError(types.ErrInvalidInput, "tool name is empty")
	}
	if tool.Handler == nil {
		return types.Errorf(types.ErrInvalidInput, "tool %q has no handler", tool.Descriptor.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Descriptor.Name]; ok {
		return types.Errorf(types.ErrInvalidInput, "tool %q already registered", tool.Descriptor.Name)
	}
	rt := &registeredTool{tool: tool}
	if tool.Rate > 0 {
		burst := tool.Burst
		if burst <= 0 {
			burst = 1
		}
		rt.limiter = rate.NewLimiter(tool.Rate, burst)
	}
	r.tools[tool.Descriptor.Name] = rt
	return nil
}

// Descriptors returns the signatures of every registered tool.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool.Descriptor)
	}
	return out
}

// Dispatch runs one tool call under its rate limit and timeout.
func (r *Registry) Dispatch(ctx context.Context, name string, t *task.Task, args map[string]any, defaultTimeout time.Duration) (*ToolResult, error) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.collector.ToolDispatched(name, "unknown")
		return nil, types.Errorf(types.ErrToolNotFound, "tool %q is not registered", name)
	}

	if rt.limiter != nil {
		if err := rt.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timeout := rt.tool.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := rt.tool.Handler(ctx, t, args)
	if err != nil {
		r.collector.ToolDispatched(name, "error")
		r.logger.Warn("tool dispatch failed",
			zap.String("tool", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, err
	}
	r.collector.ToolDispatched(name, "ok")
	if res == nil {
		res = &ToolResult{}
	}
	return res, nil
}
