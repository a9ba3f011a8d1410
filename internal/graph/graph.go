package graph

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Lister exposes the declared direct dependencies of a node. The registry
// implements it; tests use map-backed fakes.
type Lister interface {
	// Dependencies returns the direct dependency names for name and
	// whether the name is known at all.
	Dependencies(name string) ([]string, bool)
}

// CycleDetectedError reports a dependency cycle, with the offending path.
type CycleDetectedError struct {
	Path []string
}

func (e CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// UnknownNodeError reports an edge to a node the lister does not know.
type UnknownNodeError struct {
	Name string
}

func (e UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node: %s", e.Name)
}

// node colors for the depth-first walk
const (
	white = iota // unvisited
	gray         // in progress
	black        // done
)

// Resolver answers transitive dependency queries over a Lister. Closure
// results are cached; the cache must be invalidated whenever the underlying
// graph gains nodes.
type Resolver struct {
	src   Lister
	cache *lru.Cache[string, []string]
}

// NewResolver creates a resolver with a closure cache of the given size.
func NewResolver(src Lister, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	c, err := lru.New[string, []string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("closure cache: %w", err)
	}
	return &Resolver{src: src, cache: c}, nil
}

// Closure returns all transitive dependencies of name, deduplicated, in
// topological order: dependencies before dependents. The named node itself
// is not part of its closure.
func (r *Resolver) Closure(name string) ([]string, error) {
	if cached, ok := r.cache.Get(name); ok {
		out := make([]string, len(cached))
		copy(out, cached)
		return out, nil
	}
	order, err := Walk(r.src, name)
	if err != nil {
		return nil, err
	}
	closure := order[:len(order)-1] // drop the root, always last in post-order
	r.cache.Add(name, closure)
	out := make([]string, len(closure))
	copy(out, closure)
	return out, nil
}

// Check runs cycle detection from name without returning an ordering.
func (r *Resolver) Check(name string) error {
	_, err := Walk(r.src, name)
	return err
}

// Invalidate purges all cached closures. Called on every registration.
func (r *Resolver) Invalidate() {
	r.cache.Purge()
}

// Walk performs an iterative three-color depth-first traversal from name and
// returns the visited nodes in topological order (dependencies first, name
// last). A back-edge to an in-progress node yields CycleDetectedError; an
// edge to an unknown node yields UnknownNodeError. O(V+E).
func Walk(src Lister, name string) ([]string, error) {
	color := make(map[string]int)
	var order []string
	var stack []frame

	push := func(n string) error {
		deps, ok := src.Dependencies(n)
		if !ok {
			return UnknownNodeError{Name: n}
		}
		color[n] = gray
		stack = append(stack, frame{name: n, deps: deps})
		return nil
	}

	if err := push(name); err != nil {
		return nil, err
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.deps) {
			dep := top.deps[top.next]
			top.next++
			switch color[dep] {
			case gray:
				return nil, CycleDetectedError{Path: cyclePath(stack, dep)}
			case black:
				// already emitted
			default:
				if err := push(dep); err != nil {
					return nil, err
				}
			}
			continue
		}
		color[top.name] = black
		order = append(order, top.name)
		stack = stack[:len(stack)-1]
	}
	return order, nil
}

type frame struct {
	name string
	deps []string
	next int
}

// cyclePath extracts the cycle from the traversal stack, closing it with the
// repeated node.
func cyclePath(stack []frame, repeat string) []string {
	start := 0
	for i, f := range stack {
		if f.name == repeat {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.name)
	}
	return append(path, repeat)
}
