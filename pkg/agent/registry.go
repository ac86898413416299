package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// ErrUnknownAgent is returned by Get for an agent id with no runtime.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrAmbiguousDefault is returned by GetDefault when several runtimes are
// registered and none carries the default name.
var ErrAmbiguousDefault = errors.New("multiple runtimes registered; specify agent id")

// RuntimeFactory builds a runtime for an agent id on first use.
type RuntimeFactory func(ctx context.Context, agentID string) (*Runtime, error)

// Registry is the process-wide agent_id to Runtime map. Runtimes are
// created once per agent id and shared; the registry serialises creation so
// two concurrent work items for a new agent build one runtime, not two.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
	factory  RuntimeFactory
}

// NewRegistry creates a registry. The factory may be nil when every runtime
// is registered explicitly (tests, the batch CLI).
func NewRegistry(factory RuntimeFactory) *Registry {
	return &Registry{
		runtimes: make(map[string]*Runtime),
		factory:  factory,
	}
}

// Register stores a runtime under its agent id. Duplicate ids are rejected.
func (r *Registry) Register(agentID string, rt *Runtime) error {
	if agentID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runtimes[agentID]; exists {
		return fmt.Errorf("runtime for agent %q is already registered", agentID)
	}
	r.runtimes[agentID] = rt
	return nil
}

// Get returns the runtime for agentID, or ErrUnknownAgent.
func (r *Registry) Get(agentID string) (*Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return rt, nil
}

// GetDefault returns the only registered runtime, or the one registered
// under the default agent name, or ErrAmbiguousDefault.
func (r *Registry) GetDefault() (*Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch len(r.runtimes) {
	case 0:
		return nil, fmt.Errorf("%w: none registered", ErrUnknownAgent)
	case 1:
		for _, rt := range r.runtimes {
			return rt, nil
		}
	}
	if rt, ok := r.runtimes[workspace.DefaultAgentName]; ok {
		return rt, nil
	}
	return nil, ErrAmbiguousDefault
}

// GetOrCreate returns the runtime for agentID, building it through the
// factory on first use. Without a factory it behaves like Get.
func (r *Registry) GetOrCreate(ctx context.Context, agentID string) (*Runtime, error) {
	r.mu.RLock()
	rt, ok := r.runtimes[agentID]
	r.mu.RUnlock()
	if ok {
		return rt, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.runtimes[agentID]; ok {
		return rt, nil
	}
	rt, err := r.factory(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to build runtime for agent %q: %w", agentID, err)
	}
	r.runtimes[agentID] = rt
	return rt, nil
}

// Runtimes returns a snapshot of registered runtimes in agent id order.
func (r *Registry) Runtimes() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Runtime, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.runtimes[id])
	}
	return out
}

// Len returns the number of registered runtimes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runtimes)
}

// Reset clears the registry without closing runtimes. Test isolation only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes = make(map[string]*Runtime)
}

// Shutdown closes every registered runtime and clears the registry.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, rt := range r.runtimes {
		if err := rt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.runtimes = make(map[string]*Runtime)
	return errors.Join(errs...)
}
