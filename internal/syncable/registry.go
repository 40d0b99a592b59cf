package syncable

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iudanet/librarysync/internal/validation"
)

// Registry errors
var (
	// ErrModelNotRegistered indicates that no handler exists for a model type
	ErrModelNotRegistered = errors.New("model type not registered")

	// ErrDuplicateModel indicates that a model type was registered twice
	ErrDuplicateModel = errors.New("model type already registered")

	// ErrNoCapability indicates that a model implements neither DeviceOwned nor Shared
	ErrNoCapability = errors.New("model implements neither DeviceOwned nor Shared")

	// ErrDependencyCycle indicates that DependsOn declarations form a cycle
	ErrDependencyCycle = errors.New("model dependency cycle")

	// ErrInvalidModel indicates a malformed model type or foreign key declaration
	ErrInvalidModel = errors.New("invalid model declaration")
)

// Registry maps model types to their handlers. Every replicable model must
// be registered and Validate must succeed before sync starts, so a model
// without apply logic fails at startup instead of silently never syncing.
type Registry struct {
	models map[string]Model
	mu     sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]Model),
	}
}

// Register adds a handler.
func (r *Registry) Register(m Model) error {
	name := m.ModelType()
	if err := validation.ValidateModelType(name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	for _, fk := range m.ForeignKeys() {
		if err := validation.ValidateFieldName(fk.LocalField); err != nil {
			return fmt.Errorf("%w: %s foreign key: %w", ErrInvalidModel, name, err)
		}
	}

	_, isOwned := m.(DeviceOwned)
	_, isShared := m.(Shared)
	if !isOwned && !isShared {
		return fmt.Errorf("%w: %s", ErrNoCapability, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, name)
	}
	r.models[name] = m
	return nil
}

// MustRegister is Register that panics, for package-level wiring.
func (r *Registry) MustRegister(models ...Model) {
	for _, m := range models {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the handler for modelType.
func (r *Registry) Lookup(modelType string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[modelType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotRegistered, modelType)
	}
	return m, nil
}

// Shared returns the shared-resource handler for modelType.
func (r *Registry) Shared(modelType string) (Shared, error) {
	m, err := r.Lookup(modelType)
	if err != nil {
		return nil, err
	}
	s, ok := m.(Shared)
	if !ok {
		return nil, fmt.Errorf("model %s is not a shared resource", modelType)
	}
	return s, nil
}

// DeviceOwned returns the device-owned handler for modelType.
func (r *Registry) DeviceOwned(modelType string) (DeviceOwned, error) {
	m, err := r.Lookup(modelType)
	if err != nil {
		return nil, err
	}
	d, ok := m.(DeviceOwned)
	if !ok {
		return nil, fmt.Errorf("model %s is not device-owned", modelType)
	}
	return d, nil
}

// ModelTypes returns all registered names in sorted order.
func (r *Registry) ModelTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every declared dependency is registered and that the
// dependency graph is acyclic.
func (r *Registry) Validate() error {
	_, err := r.SyncOrder()
	return err
}

// SyncOrder returns model types in an order where every model comes after
// the models it depends on. Ties are broken alphabetically so the order is
// deterministic.
func (r *Registry) SyncOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inDegree := make(map[string]int, len(r.models))
	dependants := make(map[string][]string, len(r.models))

	for name, m := range r.models {
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}
		for _, dep := range m.DependsOn() {
			if _, ok := r.models[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrModelNotRegistered, name, dep)
			}
			inDegree[name]++
			dependants[dep] = append(dependants[dep], name)
		}
	}

	// Алгоритм Кана, очередь держим отсортированной
	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(r.models))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, next := range dependants[name] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
				sort.Strings(ready)
			}
		}
	}

	if len(order) != len(r.models) {
		var stuck []string
		for name, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %v", ErrDependencyCycle, stuck)
	}

	return order, nil
}
