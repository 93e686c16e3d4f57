package framework

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/hostforge/hostd/observability"
	"go.uber.org/zap"
)

// Factory builds a component on demand.
type Factory func() Component

// Catalog holds the factories used to auto-register required components that
// were not registered explicitly.
type Catalog map[string]Factory

type entry struct {
	comp    Component
	methods MethodTable
	// nil when the component is ConcurrentSafe
	lock   *sync.Mutex
	status Status
}

// Manager wires components in requirement order and dispatches method calls to
// them.
type Manager struct {
	mu      sync.RWMutex
	catalog Catalog
	entries map[string]*entry
	order   []string
	started bool
	logger  *zap.Logger
}

func NewManager(catalog Catalog, logger *zap.Logger) *Manager {
	if catalog == nil {
		catalog = Catalog{}
	}
	return &Manager{
		catalog: catalog,
		entries: make(map[string]*entry),
		logger:  logger.Named("framework"),
	}
}

// Register adds a component. Names must be unique.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("register %s: framework already started", c.Name())
	}
	return m.registerLocked(c)
}

func (m *Manager) registerLocked(c Component) error {
	name := c.Name()
	if name == "" {
		return fmt.Errorf("component has no name")
	}
	if _, dup := m.entries[name]; dup {
		return fmt.Errorf("component %s already registered", name)
	}
	e := &entry{comp: c, status: StatusRegistered}
	if _, ok := c.(ConcurrentSafe); !ok {
		e.lock = &sync.Mutex{}
	}
	m.entries[name] = e
	return nil
}

// resolveLocked pulls in missing requirements from the catalog until every
// requirement is registered.
func (m *Manager) resolveLocked() error {
	for {
		added := false
		for _, name := range m.sortedNamesLocked() {
			for _, req := range m.entries[name].comp.Requires() {
				if _, ok := m.entries[req]; ok {
					continue
				}
				factory, ok := m.catalog[req]
				if !ok {
					return fmt.Errorf("%w: %s (required by %s)", ErrUnknownComponent, req, name)
				}
				if err := m.registerLocked(factory()); err != nil {
					return err
				}
				m.logger.Info("auto-registered required component",
					zap.String("component", req), zap.String("required_by", name))
				added = true
			}
		}
		if !added {
			return nil
		}
	}
}

// orderLocked returns a requirement-respecting initialization order.
func (m *Manager) orderLocked() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(m.entries))
	order := make([]string, 0, len(m.entries))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			path := append(append([]string(nil), stack[start:]...), name)
			return &RequirementCycleError{Path: path}
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, req := range m.entries[name].comp.Requires() {
			if err := visit(req); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range m.sortedNamesLocked() {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Start resolves requirements, then runs OnInit, Assign and OnStart over every
// component in requirement order.
func (m *Manager) Start(ctx context.Context, rt *Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("framework already started")
	}

	if err := m.resolveLocked(); err != nil {
		return err
	}
	order, err := m.orderLocked()
	if err != nil {
		return err
	}
	m.order = order

	for _, name := range order {
		e := m.entries[name]
		start := time.Now()
		if err := e.comp.OnInit(ctx, rt); err != nil {
			e.status = StatusError
			return fmt.Errorf("init %s: %w", name, err)
		}
		e.methods = e.comp.Methods()
		e.status = StatusInitialized
		m.logger.Debug("component initialized", zap.String("component", name), zap.Duration("took", time.Since(start)))
	}

	reg := &Registry{m: m}
	for _, name := range order {
		m.entries[name].comp.Assign(reg)
	}

	for _, name := range order {
		e := m.entries[name]
		if err := e.comp.OnStart(ctx); err != nil {
			e.status = StatusError
			return fmt.Errorf("start %s: %w", name, err)
		}
		e.status = StatusStarted
	}

	m.started = true
	m.logger.Info("framework started", zap.Strings("order", order))
	return nil
}

// Stop calls OnStop on every Stopper in reverse initialization order. Errors
// are logged and the first one returned.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		e := m.entries[name]
		if s, ok := e.comp.(Stopper); ok {
			if err := s.OnStop(ctx); err != nil {
				m.logger.Error("component stop failed", zap.String("component", name), zap.Error(err))
				if first == nil {
					first = fmt.Errorf("stop %s: %w", name, err)
				}
			}
		}
		e.status = StatusStopped
	}
	m.started = false
	return first
}

// Order returns the initialization order computed by Start.
func (m *Manager) Order() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Status returns the lifecycle status of a component.
func (m *Manager) Status(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Describe lists every component with its sorted method names.
func (m *Manager) Describe() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(m.entries))
	for name, e := range m.entries {
		methods := make([]string, 0, len(e.methods))
		for method := range e.methods {
			methods = append(methods, method)
		}
		sort.Strings(methods)
		out[name] = methods
	}
	return out
}

// Call invokes component.method with kwargs. Unknown targets return
// ErrUnknownComponent or ErrUnknownMethod.
func (m *Manager) Call(ctx context.Context, component, method string, kwargs map[string]interface{}) (interface{}, error) {
	m.mu.RLock()
	started := m.started
	e, ok := m.entries[component]
	m.mu.RUnlock()

	if !started {
		return nil, ErrNotStarted
	}
	if !ok {
		observability.ComponentCalls.WithLabelValues("unknown", "unknown_component").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, component)
	}
	fn, ok := e.methods[method]
	if !ok {
		observability.ComponentCalls.WithLabelValues(component, "unknown_method").Inc()
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, component, method)
	}

	if e.lock != nil {
		e.lock.Lock()
		defer e.lock.Unlock()
	}

	result, err := fn(ctx, Args(kwargs))
	if err != nil {
		observability.ComponentCalls.WithLabelValues(component, "error").Inc()
		m.logger.Warn("component call failed",
			zap.String("component", component), zap.String("method", method), zap.Error(err))
		return nil, err
	}
	observability.ComponentCalls.WithLabelValues(component, "ok").Inc()
	return result, nil
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry is the post-init view of every component, handed out by Assign.
type Registry struct {
	m *Manager
}

// Get returns a registered component. Safe to call during Assign.
func (r *Registry) Get(name string) (Component, bool) {
	e, ok := r.m.entries[name]
	if !ok {
		return nil, false
	}
	return e.comp, true
}

// Lookup returns the named component as T.
func Lookup[T any](r *Registry, name string) (T, error) {
	var zero T
	c, ok := r.Get(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownComponent, name)
	}
	t, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("component %s is %T", name, c)
	}
	return t, nil
}
