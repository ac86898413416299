// Package tools hosts the built-in capabilities a runtime exposes to the
// model and the policy gate verdicts the turn executor enforces. Tool
// failures are reported in-band through Result.IsError so the model sees
// them; Go errors are reserved for infrastructure problems.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Disposition is the policy gate's verdict for one tool call.
type Disposition string

const (
	// DispositionAllow executes immediately.
	DispositionAllow Disposition = "allow"

	// DispositionReview executes only while the signing key is unlocked.
	DispositionReview Disposition = "review"

	// DispositionApprove defers the call into an approval envelope.
	DispositionApprove Disposition = "approve"

	// DispositionBlock denies the call unconditionally.
	DispositionBlock Disposition = "block"
)

// Policy denial codes surfaced to the model.
const (
	DenialBlocked          = "command_blocked"
	DenialApprovalRequired = "approval_required"
	DenialDenied           = "approval_denied"
)

// Definition describes a tool for the model.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Result is the outcome of one tool call.
type Result struct {
	Content string
	IsError bool
}

// Tool is one callable capability.
type Tool interface {
	// Definition describes the tool for the model.
	Definition() Definition

	// Gate classifies a call before execution; free tools always allow.
	// Malformed arguments allow so Call can surface the parse error
	// in-band without executing anything.
	Gate(args json.RawMessage) Disposition

	// Call executes the tool.
	Call(ctx context.Context, args json.RawMessage) (*Result, error)
}

// DenialResult renders a structured policy denial the model can read.
func DenialResult(code, message string) *Result {
	payload, _ := json.Marshal(map[string]any{
		"blocked": true,
		"reason":  code,
		"message": message,
	})
	return &Result{Content: string(payload), IsError: true}
}

// ErrorResult renders a tool-level failure in-band.
func ErrorResult(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Registry holds one runtime's tools, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tool definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}
