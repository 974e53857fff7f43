// Package supervisor runs managed background tasks with restart policy,
// exponential backoff and heartbeat-based staleness detection.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
	"github.com/riptide-engine/riptide/internal/telemetry"
)

// Priority ranks tasks for operator visibility. The supervisor does not
// preempt by priority; it is carried on logs and events.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// TaskState is the lifecycle state of a supervised task.
type TaskState string

const (
	TaskPending   TaskState = "PENDING"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
	TaskCanceled  TaskState = "CANCELED"
)

// TaskFunc is one unit of supervised work. Interval tasks are invoked once
// per tick; one-shot tasks run until completion or cancellation.
type TaskFunc func(ctx context.Context) error

// TaskConfig describes a supervised task. Interval zero means one-shot.
type TaskConfig struct {
	Name             string
	Run              TaskFunc
	Interval         time.Duration
	Priority         Priority
	Timeout          time.Duration
	RestartOnFailure bool
	MaxRestarts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	Group            string
}

func (c TaskConfig) normalize() TaskConfig {
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	return c
}

// Publisher is the event sink for task restart notifications.
type Publisher interface {
	Publish(evt *schema.Event) error
}

// Config tunes the supervisor.
type Config struct {
	// HealthPeriod is how often interval-task heartbeats are checked.
	HealthPeriod time.Duration
	Publisher    Publisher
	Metrics      *telemetry.Metrics
}

func (c Config) normalize() Config {
	if c.HealthPeriod <= 0 {
		c.HealthPeriod = 10 * time.Second
	}
	return c
}

type task struct {
	cfg TaskConfig

	mu        sync.Mutex
	state     TaskState
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
	restarts  atomic.Uint32
	heartbeat atomic.Int64
	stale     atomic.Bool
}

func (t *task) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *task) beat() {
	t.heartbeat.Store(time.Now().UnixNano())
}

// Supervisor owns the task set and the health monitor.
type Supervisor struct {
	cfg Config

	mu     sync.Mutex
	tasks  map[string]*task
	groups map[string][]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a supervisor and starts its health monitor.
func New(cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := new(Supervisor)
	s.cfg = cfg.normalize()
	s.tasks = make(map[string]*task)
	s.groups = make(map[string][]string)
	s.ctx = ctx
	s.cancel = cancel
	s.wg.Add(1)
	go s.monitor()
	return s
}

// Add registers a task without starting it.
func (s *Supervisor) Add(cfg TaskConfig) error {
	if cfg.Name == "" || cfg.Run == nil {
		return errs.New("supervisor/add", errs.CodeInvalid,
			errs.WithMessage("task name and func required"))
	}
	cfg = cfg.normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[cfg.Name]; exists {
		return errs.New("supervisor/add", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("task %s already registered", cfg.Name)))
	}
	t := &task{cfg: cfg, state: TaskPending}
	s.tasks[cfg.Name] = t
	if cfg.Group != "" {
		s.groups[cfg.Group] = append(s.groups[cfg.Group], cfg.Name)
	}
	return nil
}

// Start launches a registered task. Starting a running task is a no-op.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return errs.New("supervisor/start", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("task %s not registered", name)))
	}
	return s.launch(t)
}

func (s *Supervisor) launch(t *task) error {
	if s.ctx.Err() != nil {
		return errs.New("supervisor/start", errs.CodeUnavailable,
			errs.WithMessage("supervisor closed"))
	}
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	t.state = TaskRunning
	t.stale.Store(false)
	t.mu.Unlock()

	t.beat()
	s.wg.Add(1)
	go s.supervise(ctx, t)
	return nil
}

// StartAll launches every registered task.
func (s *Supervisor) StartAll() error {
	var startErrs []error
	for _, name := range s.names() {
		if err := s.Start(name); err != nil {
			startErrs = append(startErrs, err)
		}
	}
	return errors.Join(startErrs...)
}

// Stop cancels a running task and waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return errs.New("supervisor/stop", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("task %s not registered", name)))
	}
	return s.halt(ctx, t)
}

func (s *Supervisor) halt(ctx context.Context, t *task) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task %s stop: %w", t.cfg.Name, ctx.Err())
	}
}

// Remove stops a task and deletes its registration, freeing the name for
// reuse.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return errs.New("supervisor/remove", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("task %s not registered", name)))
	}
	if err := s.halt(ctx, t); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tasks, name)
	if t.cfg.Group != "" {
		kept := s.groups[t.cfg.Group][:0]
		for _, member := range s.groups[t.cfg.Group] {
			if member != name {
				kept = append(kept, member)
			}
		}
		s.groups[t.cfg.Group] = kept
	}
	s.mu.Unlock()
	return nil
}

// StartGroup launches every task in a group.
func (s *Supervisor) StartGroup(group string) error {
	var groupErrs []error
	for _, name := range s.groupNames(group) {
		if err := s.Start(name); err != nil {
			groupErrs = append(groupErrs, err)
		}
	}
	return errors.Join(groupErrs...)
}

// StopGroup cancels every task in a group and waits for them.
func (s *Supervisor) StopGroup(ctx context.Context, group string) error {
	var groupErrs []error
	for _, name := range s.groupNames(group) {
		if err := s.Stop(ctx, name); err != nil {
			groupErrs = append(groupErrs, err)
		}
	}
	return errors.Join(groupErrs...)
}

// Close cancels every task and the health monitor, waiting up to ctx.
func (s *Supervisor) Close(ctx context.Context) error {
	s.once.Do(s.cancel)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor close: %w", ctx.Err())
	}
}

// StateOf reports the current state and restart count of a task.
func (s *Supervisor) StateOf(name string) (TaskState, uint32, bool) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return "", 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.restarts.Load(), true
}

func (s *Supervisor) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		out = append(out, name)
	}
	return out
}

func (s *Supervisor) groupNames(group string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.groups[group]...)
}

// supervise drives one task through run/restart cycles until it succeeds,
// exhausts its restart budget or is cancelled.
func (s *Supervisor) supervise(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer func() {
		t.mu.Lock()
		t.running = false
		close(t.done)
		t.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.BackoffBase
	bo.MaxInterval = t.cfg.BackoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	for {
		err := s.runOnce(ctx, t)
		if t.stale.CompareAndSwap(true, false) {
			// A stale heartbeat restart bypasses backoff and the budget;
			// the relaunch goroutine picks the task back up with a fresh
			// run context once this one exits.
			t.setState(TaskFailed)
			s.emitRestart(t, 0, false, "stale heartbeat")
			return
		}
		if ctx.Err() != nil {
			t.setState(TaskCanceled)
			return
		}
		if err == nil {
			t.setState(TaskSucceeded)
			return
		}

		t.setState(TaskFailed)
		observability.Log().Warn("task failed",
			observability.F("task", t.cfg.Name),
			observability.F("priority", string(t.cfg.Priority)),
			observability.F("error", err.Error()))

		restarts := t.restarts.Load()
		if !t.cfg.RestartOnFailure || int(restarts) >= t.cfg.MaxRestarts {
			s.emitRestart(t, 0, true, err.Error())
			return
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = t.cfg.BackoffCap
		}
		t.restarts.Add(1)
		s.emitRestart(t, delay, false, err.Error())

		select {
		case <-ctx.Done():
			t.setState(TaskCanceled)
			return
		case <-time.After(delay):
		}
	}
}

// runOnce executes the task body: forever for one-shot tasks, tick by tick
// for interval tasks. Ticks never overlap; each waits for the previous
// invocation to return or hit its timeout.
func (s *Supervisor) runOnce(ctx context.Context, t *task) error {
	t.setState(TaskRunning)
	if t.cfg.Interval <= 0 {
		return s.invoke(ctx, t)
	}
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.invoke(ctx, t); err != nil {
				return err
			}
			t.beat()
		}
	}
}

// invoke runs the task func with the configured timeout. A timeout counts
// as a failure.
func (s *Supervisor) invoke(ctx context.Context, t *task) error {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
	}
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("task panic: %v", r)
			}
		}()
		result <- t.cfg.Run(runCtx)
	}()

	select {
	case err := <-result:
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New("supervisor/run", errs.CodeUnavailable,
			errs.WithKind(errs.KindTransient),
			errs.WithMessage(fmt.Sprintf("task %s exceeded timeout %s", t.cfg.Name, t.cfg.Timeout)))
	}
}

// monitor force-restarts interval tasks whose heartbeat is older than three
// intervals.
func (s *Supervisor) monitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Supervisor) sweep() {
	now := time.Now().UnixNano()
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		if t.cfg.Interval <= 0 {
			continue
		}
		t.mu.Lock()
		running := t.running
		cancel := t.cancel
		t.mu.Unlock()
		if !running {
			continue
		}
		staleAfter := 3 * t.cfg.Interval
		if now-t.heartbeat.Load() <= staleAfter.Nanoseconds() {
			continue
		}
		observability.Log().Warn("task heartbeat stale, forcing restart",
			observability.F("task", t.cfg.Name),
			observability.F("stale_after", staleAfter.String()))
		t.stale.Store(true)
		t.beat()
		cancel()
		// The supervise loop exits on the cancelled context and restarts
		// the task with a fresh run context.
		s.restartStale(t)
	}
}

func (s *Supervisor) restartStale(t *task) {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	go func() {
		<-done
		if s.ctx.Err() != nil {
			return
		}
		if err := s.launch(t); err != nil {
			observability.Log().Error("stale task relaunch failed",
				observability.F("task", t.cfg.Name),
				observability.F("error", err.Error()))
		}
	}()
}

func (s *Supervisor) emitRestart(t *task, delay time.Duration, final bool, cause string) {
	s.cfg.Metrics.TaskRestart(t.cfg.Name, final)
	if s.cfg.Publisher == nil {
		return
	}
	_ = s.cfg.Publisher.Publish(&schema.Event{
		Type:      schema.EventTaskRestarted,
		Priority:  schema.PriorityControl,
		Source:    "supervisor",
		CreatedAt: time.Now().UTC(),
		Payload: schema.TaskRestartPayload{
			Task:     t.cfg.Name,
			Restarts: int(t.restarts.Load()),
			Backoff:  delay,
			Final:    final,
			Cause:    cause,
		},
	})
}
