package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantry-dev/gantry/internal/graph"
	"github.com/gantry-dev/gantry/pkg/api"
)

// DuplicateServiceError rejects a registration reusing an existing name.
type DuplicateServiceError struct {
	Name string
}

func (e DuplicateServiceError) Error() string {
	return fmt.Sprintf("service already registered: %s", e.Name)
}

// UnknownServiceError reports a lookup of an unregistered service.
type UnknownServiceError struct {
	Name string
}

func (e UnknownServiceError) Error() string {
	return fmt.Sprintf("service not registered: %s", e.Name)
}

// InvalidDependencyError rejects a registration whose dependency list cannot
// be satisfied by the current registry contents.
type InvalidDependencyError struct {
	Service    string
	Dependency string
	Reason     string
}

func (e InvalidDependencyError) Error() string {
	return fmt.Sprintf("service %s: invalid dependency %s: %s", e.Service, e.Dependency, e.Reason)
}

// Descriptor is the registered identity of a service.
type Descriptor struct {
	Name         string
	Address      string
	Transport    string
	AuthTokenRef string
	Timeout      time.Duration
	// RetryBudget is advisory metadata for callers wrapping dispatch in
	// their own retry loop. The core never retries.
	RetryBudget int
	DependsOn   []string
	Exec        api.ExecSpec
}

// Registry holds service descriptors and their dependency edges. It is
// append-only: descriptors are registered during startup and live for the
// process lifetime. Registration is atomic — a rejected descriptor leaves
// the registry byte-for-byte unchanged.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Descriptor
	order    []string
	resolver *graph.Resolver
}

// New creates an empty registry with its own closure resolver.
func New() *Registry {
	r := &Registry{services: make(map[string]Descriptor)}
	res, err := graph.NewResolver(r, 128)
	if err != nil {
		// only reachable with a non-positive cache size, which we control
		panic(err)
	}
	r.resolver = res
	return r
}

// Resolver returns the closure resolver bound to this registry.
func (r *Registry) Resolver() *graph.Resolver {
	return r.resolver
}

// Register validates and stores a descriptor. Dependencies must already be
// registered; self-dependencies and cycles are rejected before anything is
// stored.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return InvalidDependencyError{Service: d.Name, Reason: "empty service name"}
	}
	if d.Address == "" {
		return fmt.Errorf("service %s: address is required", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[d.Name]; exists {
		return DuplicateServiceError{Name: d.Name}
	}
	for _, dep := range d.DependsOn {
		if dep == d.Name {
			return InvalidDependencyError{Service: d.Name, Dependency: dep, Reason: "service cannot depend on itself"}
		}
		if _, ok := r.services[dep]; !ok {
			return InvalidDependencyError{Service: d.Name, Dependency: dep, Reason: "not registered"}
		}
	}

	// Cycle check against an overlay view so nothing is stored until the
	// candidate is proven acyclic.
	view := overlay{services: r.services, candidate: d}
	if _, err := graph.Walk(view, d.Name); err != nil {
		var unknown graph.UnknownNodeError
		if errors.As(err, &unknown) {
			return InvalidDependencyError{Service: d.Name, Dependency: unknown.Name, Reason: "not registered"}
		}
		return err
	}

	r.services[d.Name] = d
	r.order = append(r.order, d.Name)
	r.resolver.Invalidate()
	log.Debug().Str("service", d.Name).Strs("depends_on", d.DependsOn).Msg("service registered")
	return nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.services[name]
	if !ok {
		return Descriptor{}, UnknownServiceError{Name: name}
	}
	return d, nil
}

// Names returns all registered service names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Dependencies implements graph.Lister for closure queries.
func (r *Registry) Dependencies(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.services[name]
	if !ok {
		return nil, false
	}
	deps := make([]string, len(d.DependsOn))
	copy(deps, d.DependsOn)
	return deps, true
}

// overlay is a graph view of the stored services plus one unstored
// candidate. It must only be used while the registry lock is held.
type overlay struct {
	services  map[string]Descriptor
	candidate Descriptor
}

func (o overlay) Dependencies(name string) ([]string, bool) {
	if name == o.candidate.Name {
		return o.candidate.DependsOn, true
	}
	d, ok := o.services[name]
	if !ok {
		return nil, false
	}
	return d.DependsOn, true
}
