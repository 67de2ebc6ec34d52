package solver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/cloudflyer/internal/model"
)

// Info pairs a task type with the capabilities of its solver.
type Info struct {
	TaskType     model.TaskType `json:"task_type"`
	Capabilities Capabilities   `json:"capabilities"`
}

// Registry maps task types to solvers.
type Registry struct {
	mu      sync.RWMutex
	solvers map[model.TaskType]Solver
}

// NewRegistry creates an empty solver registry.
func NewRegistry() *Registry {
	return &Registry{
		solvers: make(map[model.TaskType]Solver),
	}
}

// Register installs s as the solver for task type t, replacing any previous one.
func (r *Registry) Register(t model.TaskType, s Solver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solvers[t] = s
}

// Resolve returns the solver registered for t.
func (r *Registry) Resolve(t model.TaskType) (Solver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.solvers[t]
	if !ok {
		return nil, fmt.Errorf("no solver registered for task type %q", t)
	}
	return s, nil
}

// List returns information about all registered solvers, sorted by task
// type for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.solvers))
	for t, s := range r.solvers {
		infos = append(infos, Info{
			TaskType:     t,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].TaskType < infos[j].TaskType
	})
	return infos
}
