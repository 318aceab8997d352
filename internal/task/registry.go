package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Result is what a handler hands back to the worker. FollowUps are enqueued
// before the task's own completion is recorded.
type Result struct {
	Value     any
	FollowUps []*Envelope
}

type Handler func(ctx context.Context, env *Envelope) (Result, error)

// Route binds a task name to its handler and default dispatch policy.
type Route struct {
	Name        string
	Handler     Handler
	Priority    Priority
	MaxAttempts int
}

type RouteOption func(*Route)

func RoutePriority(p Priority) RouteOption {
	return func(r *Route) { r.Priority = p }
}

func RouteMaxAttempts(n int) RouteOption {
	return func(r *Route) { r.MaxAttempts = n }
}

const DefaultMaxAttempts = 3

type Registry struct {
	mu     sync.RWMutex
	routes map[string]Route
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]Route)}
}

// Register binds name to h. Registering the same name twice is an error.
func (r *Registry) Register(name string, h Handler, opts ...RouteOption) error {
	if name == "" || h == nil {
		return fmt.Errorf("route must have a name and a handler")
	}

	route := Route{
		Name:        name,
		Handler:     h,
		Priority:    PriorityDefault,
		MaxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&route)
	}
	if !route.Priority.Valid() {
		return fmt.Errorf("route %s: invalid priority %q", name, route.Priority)
	}
	if route.MaxAttempts < 1 {
		return fmt.Errorf("route %s: max attempts must be positive", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[name]; exists {
		return fmt.Errorf("handler '%s' already registered", name)
	}
	r.routes[name] = route
	return nil
}

func (r *Registry) Lookup(name string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[name]
	return route, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
