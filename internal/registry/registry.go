// Package registry orders the lifecycle of long-lived services by their
// declared dependencies.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
)

// State is the lifecycle state of a registered service.
type State string

const (
	StateRegistered   State = "REGISTERED"
	StateInitializing State = "INITIALIZING"
	StateInitialized  State = "INITIALIZED"
	StateStarting     State = "STARTING"
	StateRunning      State = "RUNNING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateFailed       State = "FAILED"
)

// Service is the lifecycle contract a registered component implements.
// Initialize acquires resources, Start begins work, Stop releases both.
type Service interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Funcs adapts plain closures to the Service interface. Nil fields are
// treated as immediate success.
type Funcs struct {
	InitializeFunc func(ctx context.Context) error
	StartFunc      func(ctx context.Context) error
	StopFunc       func(ctx context.Context) error
}

func (f Funcs) Initialize(ctx context.Context) error {
	if f.InitializeFunc == nil {
		return nil
	}
	return f.InitializeFunc(ctx)
}

func (f Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

// Publisher is the event sink for state transitions.
type Publisher interface {
	Publish(evt *schema.Event) error
}

type descriptor struct {
	name  string
	svc   Service
	deps  []string
	state State
}

// Registry tracks service descriptors and drives initialize/start in
// topological dependency order and stop in reverse order.
type Registry struct {
	mu       sync.Mutex
	services map[string]*descriptor
	order    []string
	pub      Publisher
	fatalCh  chan error
}

// New constructs an empty registry. The publisher may be nil; state
// transitions are then only logged.
func New(pub Publisher) *Registry {
	r := new(Registry)
	r.services = make(map[string]*descriptor)
	r.pub = pub
	r.fatalCh = make(chan error, 1)
	return r
}

// Register adds a service with its dependency names. Dependencies may be
// registered later; a dependency cycle is rejected immediately.
func (r *Registry) Register(name string, svc Service, deps ...string) error {
	if name == "" || svc == nil {
		return errs.New("registry/register", errs.CodeInvalid,
			errs.WithMessage("service name and instance required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return errs.New("registry/register", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("service %s already registered", name)))
	}
	desc := &descriptor{name: name, svc: svc, deps: append([]string(nil), deps...), state: StateRegistered}
	r.services[name] = desc
	r.order = append(r.order, name)
	if cycle := r.findCycle(); len(cycle) > 0 {
		delete(r.services, name)
		r.order = r.order[:len(r.order)-1]
		return errs.New("registry/register", errs.CodeConflict,
			errs.WithKind(errs.KindFatal),
			errs.WithMessage(fmt.Sprintf("dependency cycle: %v", cycle)))
	}
	return nil
}

// findCycle runs a depth-first walk over declared dependencies and returns
// the first cycle found. Unregistered dependency names are ignored here;
// they fail later at InitializeAll.
func (r *Registry) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := make(map[string]int, len(r.services))
	var stack []string
	var cycle []string
	var visit func(name string) bool
	visit = func(name string) bool {
		desc, ok := r.services[name]
		if !ok || marks[name] == done {
			return false
		}
		if marks[name] == visiting {
			cycle = append(append([]string(nil), stack...), name)
			return true
		}
		marks[name] = visiting
		stack = append(stack, name)
		for _, dep := range desc.deps {
			if visit(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = done
		return false
	}
	for _, name := range r.order {
		if visit(name) {
			return cycle
		}
	}
	return nil
}

// topoOrder returns service names with every dependency before its
// dependents, breaking ties by registration order.
func (r *Registry) topoOrder() ([]string, error) {
	resolved := make(map[string]bool, len(r.services))
	out := make([]string, 0, len(r.services))
	var visit func(name string) error
	visit = func(name string) error {
		if resolved[name] {
			return nil
		}
		desc, ok := r.services[name]
		if !ok {
			return errs.New("registry/order", errs.CodeNotFound,
				errs.WithKind(errs.KindFatal),
				errs.WithMessage(fmt.Sprintf("dependency %s is not registered", name)))
		}
		resolved[name] = true
		for _, dep := range desc.deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		out = append(out, name)
		return nil
	}
	for _, name := range r.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// InitializeAll initializes every service in dependency order. The first
// failure halts initialization and tears down whatever already initialized.
func (r *Registry) InitializeAll(ctx context.Context) error {
	return r.walk(ctx, StateInitializing, StateInitialized, func(ctx context.Context, svc Service) error {
		return svc.Initialize(ctx)
	})
}

// StartAll starts every service in dependency order. The first failure halts
// startup and tears down whatever already started.
func (r *Registry) StartAll(ctx context.Context) error {
	return r.walk(ctx, StateStarting, StateRunning, func(ctx context.Context, svc Service) error {
		return svc.Start(ctx)
	})
}

func (r *Registry) walk(ctx context.Context, during, after State, step func(context.Context, Service) error) error {
	r.mu.Lock()
	order, err := r.topoOrder()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	var completed []string
	for _, name := range order {
		desc := r.lookup(name)
		r.transition(desc, during, "")
		if err := step(ctx, desc.svc); err != nil {
			r.transition(desc, StateFailed, err.Error())
			observability.Log().Error("service lifecycle step failed",
				observability.F("service", name),
				observability.F("target_state", string(after)),
				observability.F("error", err.Error()))
			r.teardown(ctx, completed)
			return fmt.Errorf("service %s: %w", name, err)
		}
		r.transition(desc, after, "")
		completed = append(completed, name)
	}
	return nil
}

// StopAll stops every service in reverse dependency order. Stopping is
// idempotent; already-stopped services are skipped and individual stop
// errors do not halt the sweep.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	order, err := r.topoOrder()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.teardown(ctx, order)
}

// teardown stops the named services in reverse order.
func (r *Registry) teardown(ctx context.Context, names []string) error {
	var stopErrs []error
	for i := len(names) - 1; i >= 0; i-- {
		desc := r.lookup(names[i])
		if desc == nil {
			continue
		}
		r.mu.Lock()
		state := desc.state
		r.mu.Unlock()
		if state == StateStopped || state == StateRegistered {
			continue
		}
		r.transition(desc, StateStopping, "")
		if err := desc.svc.Stop(ctx); err != nil {
			r.transition(desc, StateFailed, err.Error())
			observability.Log().Error("service stop failed",
				observability.F("service", desc.name),
				observability.F("error", err.Error()))
			stopErrs = append(stopErrs, fmt.Errorf("service %s: %w", desc.name, err))
			continue
		}
		r.transition(desc, StateStopped, "")
	}
	return errors.Join(stopErrs...)
}

// SignalFatal records a fatal error, tears the registry down in reverse
// order and makes the error available on Fatal() for the process to exit.
func (r *Registry) SignalFatal(ctx context.Context, origin string, err error) {
	observability.Log().Error("fatal service error",
		observability.F("service", origin),
		observability.F("error", err.Error()))
	if desc := r.lookup(origin); desc != nil {
		r.transition(desc, StateFailed, err.Error())
	}
	_ = r.StopAll(ctx)
	select {
	case r.fatalCh <- fmt.Errorf("service %s: %w", origin, err):
	default:
	}
}

// Fatal exposes the first fatal error signalled through the registry.
func (r *Registry) Fatal() <-chan error {
	return r.fatalCh
}

// NotifyDegraded records a degraded subscription. The signature matches the
// bus degrade callback so it can be wired directly.
func (r *Registry) NotifyDegraded(subscriber string, evtType schema.EventType) {
	observability.Log().Warn("service degraded",
		observability.F("service", subscriber),
		observability.F("event_type", string(evtType)))
}

// StateOf reports the current state of a named service.
func (r *Registry) StateOf(name string) (State, bool) {
	desc := r.lookup(name)
	if desc == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return desc.state, true
}

// Names returns registered service names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) lookup(name string) *descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[name]
}

func (r *Registry) transition(desc *descriptor, to State, reason string) {
	if desc == nil {
		return
	}
	r.mu.Lock()
	if desc.state == to {
		r.mu.Unlock()
		return
	}
	desc.state = to
	r.mu.Unlock()
	if r.pub == nil {
		return
	}
	_ = r.pub.Publish(&schema.Event{
		Type:      schema.EventServiceStateChanged,
		Priority:  schema.PriorityControl,
		Source:    "registry",
		CreatedAt: time.Now().UTC(),
		Payload: schema.ServiceStatePayload{
			Service: desc.name,
			State:   string(to),
			Reason:  reason,
		},
	})
}
