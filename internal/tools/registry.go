package tools

import (
	"context"
	"sync"

	"github.com/dshield/mcp-analytics/internal/collab"
	"github.com/dshield/mcp-analytics/internal/errs"
	"github.com/dshield/mcp-analytics/internal/resilience"
)

// Handler executes one tool call against already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (CallToolResult, error)

// RegisteredTool pairs a tool's schema with its handler, its timeout
// class, and the set of named features (external dependency health, per
// collab.FeatureManager) that must all be healthy for the tool to run —
// the generalized form of the teacher's read-only/control-level gate.
type RegisteredTool struct {
	Definition       Tool
	Handler          Handler
	TimeoutClass     resilience.OperationClass
	RequiredFeatures []string
}

// Registry is the frozen set of tools this server exposes, gated per-call
// by feature health rather than a single global control level.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]RegisteredTool
	order    []string
	features collab.FeatureManager
	timeouts resilience.TimeoutTable
}

func NewRegistry(features collab.FeatureManager) *Registry {
	return &Registry{tools: make(map[string]RegisteredTool), features: features}
}

// SetTimeouts installs the timeout table Execute uses to derive each
// tool's deadline from its TimeoutClass. Called once at wiring time,
// before Serve starts; a zero table leaves deadlines to the caller.
func (r *Registry) SetTimeouts(t resilience.TimeoutTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = t
}

// Register adds a tool, preserving first-registration order for ListTools.
func (r *Registry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Definition.Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

// ListTools returns every registered tool's definition, regardless of
// current feature health — tools/list is advertised capability, not a
// live readiness probe.
func (r *Registry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition)
	}
	return out
}

// Execute runs name's handler if every required feature is healthy,
// otherwise returns KindResourceUnavailable listing what's missing.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return CallToolResult{}, errs.Newf(errs.KindMethodNotFound, "unknown tool: %s", name)
	}

	if r.features != nil && len(tool.RequiredFeatures) > 0 {
		if missing := r.features.Missing(tool.RequiredFeatures); len(missing) > 0 {
			return CallToolResult{}, errs.New(errs.KindResourceUnavailable, "tool unavailable: missing features").
				WithData(map[string]any{"missing_features": missing})
		}
	}

	if err := ValidateArgs(tool.Definition.InputSchema, args); err != nil {
		return CallToolResult{}, err
	}

	r.mu.RLock()
	timeouts := r.timeouts
	r.mu.RUnlock()
	if d := timeouts.For(tool.TimeoutClass); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	result, err := tool.Handler(ctx, args)
	if err != nil && ctx.Err() == context.DeadlineExceeded && errs.KindOf(err) != errs.KindTimeout {
		return CallToolResult{}, errs.Wrap(errs.KindTimeout, "tool execution deadline exceeded", err)
	}
	return result, err
}
