package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/internal/schema"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []schema.ServiceStatePayload
}

func (p *capturePublisher) Publish(evt *schema.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if payload, ok := evt.Payload.(schema.ServiceStatePayload); ok {
		p.events = append(p.events, payload)
	}
	return nil
}

func (p *capturePublisher) statesFor(service string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, evt := range p.events {
		if evt.Service == service {
			out = append(out, evt.State)
		}
	}
	return out
}

type probe struct {
	log   *[]string
	name  string
	fail  string
	locus *sync.Mutex
}

func newProbeLog() (*[]string, *sync.Mutex) {
	log := make([]string, 0, 16)
	return &log, new(sync.Mutex)
}

func (s *probe) record(step string) {
	s.locus.Lock()
	defer s.locus.Unlock()
	*s.log = append(*s.log, s.name+":"+step)
}

func (s *probe) Initialize(context.Context) error {
	s.record("init")
	if s.fail == "init" {
		return errors.New("init failed")
	}
	return nil
}

func (s *probe) Start(context.Context) error {
	s.record("start")
	if s.fail == "start" {
		return errors.New("start failed")
	}
	return nil
}

func (s *probe) Stop(context.Context) error {
	s.record("stop")
	if s.fail == "stop" {
		return errors.New("stop failed")
	}
	return nil
}

func TestLifecycleFollowsDependencyOrder(t *testing.T) {
	log, locus := newProbeLog()
	pub := new(capturePublisher)
	r := New(pub)

	// store <- indicators <- strategies; registered out of order on purpose.
	require.NoError(t, r.Register("strategies", &probe{log: log, locus: locus, name: "strategies"}, "indicators"))
	require.NoError(t, r.Register("store", &probe{log: log, locus: locus, name: "store"}))
	require.NoError(t, r.Register("indicators", &probe{log: log, locus: locus, name: "indicators"}, "store"))

	ctx := context.Background()
	require.NoError(t, r.InitializeAll(ctx))
	require.NoError(t, r.StartAll(ctx))
	require.NoError(t, r.StopAll(ctx))

	require.Equal(t, []string{
		"store:init", "indicators:init", "strategies:init",
		"store:start", "indicators:start", "strategies:start",
		"strategies:stop", "indicators:stop", "store:stop",
	}, *log)

	require.Equal(t,
		[]string{"INITIALIZING", "INITIALIZED", "STARTING", "RUNNING", "STOPPING", "STOPPED"},
		pub.statesFor("store"))
}

func TestStartFailureTearsDownStartedServices(t *testing.T) {
	log, locus := newProbeLog()
	r := New(nil)

	require.NoError(t, r.Register("a", &probe{log: log, locus: locus, name: "a"}))
	require.NoError(t, r.Register("b", &probe{log: log, locus: locus, name: "b", fail: "start"}, "a"))
	require.NoError(t, r.Register("c", &probe{log: log, locus: locus, name: "c"}, "b"))

	ctx := context.Background()
	require.NoError(t, r.InitializeAll(ctx))
	err := r.StartAll(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "service b")

	require.Equal(t, []string{
		"a:init", "b:init", "c:init",
		"a:start", "b:start",
		"a:stop",
	}, *log, "c never starts and only a is torn down")

	state, ok := r.StateOf("b")
	require.True(t, ok)
	require.Equal(t, StateFailed, state)
	state, _ = r.StateOf("c")
	require.Equal(t, StateInitialized, state)
}

func TestRegisterRejectsCycles(t *testing.T) {
	log, locus := newProbeLog()
	r := New(nil)

	require.NoError(t, r.Register("a", &probe{log: log, locus: locus, name: "a"}, "b"))
	require.NoError(t, r.Register("c", &probe{log: log, locus: locus, name: "c"}))
	err := r.Register("b", &probe{log: log, locus: locus, name: "b"}, "a")
	require.Error(t, err)

	// The rejected registration must not linger.
	require.Equal(t, []string{"a", "c"}, r.Names())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	log, locus := newProbeLog()
	r := New(nil)
	require.NoError(t, r.Register("a", &probe{log: log, locus: locus, name: "a"}))
	require.Error(t, r.Register("a", &probe{log: log, locus: locus, name: "a"}))
}

func TestInitializeFailsOnUnknownDependency(t *testing.T) {
	log, locus := newProbeLog()
	r := New(nil)
	require.NoError(t, r.Register("a", &probe{log: log, locus: locus, name: "a"}, "ghost"))
	err := r.InitializeAll(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")
}

func TestStopAllIsIdempotent(t *testing.T) {
	log, locus := newProbeLog()
	r := New(nil)
	require.NoError(t, r.Register("a", &probe{log: log, locus: locus, name: "a"}))

	ctx := context.Background()
	require.NoError(t, r.InitializeAll(ctx))
	require.NoError(t, r.StartAll(ctx))
	require.NoError(t, r.StopAll(ctx))
	require.NoError(t, r.StopAll(ctx))

	stops := 0
	for _, entry := range *log {
		if entry == "a:stop" {
			stops++
		}
	}
	require.Equal(t, 1, stops)
}

func TestSignalFatalStopsEverythingAndSurfaces(t *testing.T) {
	log, locus := newProbeLog()
	r := New(nil)
	require.NoError(t, r.Register("a", &probe{log: log, locus: locus, name: "a"}))
	require.NoError(t, r.Register("b", &probe{log: log, locus: locus, name: "b"}, "a"))

	ctx := context.Background()
	require.NoError(t, r.InitializeAll(ctx))
	require.NoError(t, r.StartAll(ctx))

	r.SignalFatal(ctx, "b", errors.New("auth revoked"))

	select {
	case err := <-r.Fatal():
		require.Contains(t, err.Error(), "auth revoked")
	default:
		t.Fatal("fatal error not surfaced")
	}

	state, _ := r.StateOf("a")
	require.Equal(t, StateStopped, state)
}

func TestFuncsAdapter(t *testing.T) {
	var started bool
	svc := Funcs{StartFunc: func(context.Context) error {
		started = true
		return nil
	}}
	require.NoError(t, svc.Initialize(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	require.True(t, started)
}
