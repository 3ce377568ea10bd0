package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Describer is implemented by runners that can describe themselves for the
// task-types listing.
type Describer interface {
	Describe() string
}

// TypeInfo pairs a task type with a description of the runner behind it.
type TypeInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Registry holds runners keyed by task type and is itself a Runner that
// dispatches on Task.Type.
type Registry struct {
	mu       sync.RWMutex
	runners  map[string]Runner
	fallback Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner for the given task type, replacing any previous one.
func (r *Registry) Register(taskType string, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[taskType] = rn
}

// SetFallback sets the runner used for task types with no registered runner.
func (r *Registry) SetFallback(rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = rn
}

// Resolve returns the runner for taskType, or the fallback.
func (r *Registry) Resolve(taskType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rn, ok := r.runners[taskType]; ok {
		return rn, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no runner registered for task type %q", taskType)
}

// Run resolves the runner for task.Type and runs it.
func (r *Registry) Run(ctx context.Context, task Task) error {
	rn, err := r.Resolve(task.Type)
	if err != nil {
		return err
	}
	return rn.Run(ctx, task)
}

// List returns the registered task types sorted by name for a stable API response.
func (r *Registry) List() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TypeInfo, 0, len(r.runners))
	for typ, rn := range r.runners {
		info := TypeInfo{Type: typ}
		if d, ok := rn.(Describer); ok {
			info.Description = d.Describe()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// NewDefaultRegistry registers the built-in runners under their own type
// names and falls back to Simulated for every other type. The command runner
// executes arbitrary shell and is only registered when enableCommand is set.
func NewDefaultRegistry(enableCommand bool) *Registry {
	r := NewRegistry()
	r.Register("noop", Noop{})
	r.Register("simulated", Simulated{})
	if enableCommand {
		r.Register("command", Command{})
	}
	r.SetFallback(Simulated{})
	return r
}
