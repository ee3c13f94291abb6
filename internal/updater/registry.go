package updater

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/geniusdynamics/upgradeapp/internal/process"
)

// Constructor builds a backend from a runner and a configuration mapping.
type Constructor func(ctx context.Context, runner process.Runner, cfg map[string]any) (Upgrader, error)

// Registry maps backend names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry returns a Registry holding the app, docker and podman backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(AppBackend, func(ctx context.Context, runner process.Runner, cfg map[string]any) (Upgrader, error) {
		return NewAppUpgrader(ctx, runner, cfg), nil
	})
	r.MustRegister(DockerBackend, func(_ context.Context, runner process.Runner, cfg map[string]any) (Upgrader, error) {
		return NewDockerUpgrader(runner, cfg), nil
	})
	r.MustRegister(PodmanBackend, func(_ context.Context, runner process.Runner, cfg map[string]any) (Upgrader, error) {
		return NewPodmanUpgrader(runner, cfg), nil
	})
	return r
}

// Register adds a constructor under name.
func (r *Registry) Register(name string, ctor Constructor) error {
	name = normalizeName(name)
	if name == "" {
		return errors.NotValidf("empty backend name")
	}
	if ctor == nil {
		return errors.NotValidf("nil constructor for backend %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[name]; exists {
		return errors.AlreadyExistsf("backend %q", name)
	}
	r.constructors[name] = ctor
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, ctor Constructor) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

// New builds and validates the backend registered under name.
func (r *Registry) New(ctx context.Context, name string, runner process.Runner, cfg map[string]any) (Upgrader, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotSupportedf("unsupported backend %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}

	u, err := ctor(ctx, runner, cfg)
	if err != nil {
		return nil, errors.Annotatef(err, "creating %s backend", name)
	}
	if err := u.Validate(); err != nil {
		return nil, errors.NewNotValid(err, "invalid "+u.Name()+" backend configuration")
	}
	return u, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[normalizeName(name)]
	return ok
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
