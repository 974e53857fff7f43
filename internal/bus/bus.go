// Package bus implements the typed in-process event bus the pipeline runs on.
//
// Delivery is per-subscription FIFO: each subscription drains its own bounded
// queue on a dedicated goroutine, so subscribers run concurrently with each
// other while a single subscriber observes events in publish order. Overflow
// policy splits by priority: market-data events (priority >= 5) drop the
// oldest buffered event, control events block briefly and are then dropped.
package bus

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
	"github.com/riptide-engine/riptide/internal/telemetry"
)

// Handler processes one delivered event.
type Handler func(ctx context.Context, evt *schema.Event) error

// Token identifies a subscription for unsubscribe and stats lookup.
type Token string

// SubscriptionState reports the health of a subscription.
type SubscriptionState string

const (
	// StateActive means the subscription is delivering normally.
	StateActive SubscriptionState = "ACTIVE"
	// StateDegraded means the subscription crossed the consecutive-failure
	// threshold or timed out a handler; delivery continues.
	StateDegraded SubscriptionState = "DEGRADED"
)

// DegradeNotifier is invoked once when a subscription degrades.
type DegradeNotifier func(subscriber string, evtType schema.EventType)

// Config tunes the bus. Zero values fall back to defaults.
type Config struct {
	QueueCapacity    int
	BlockTimeout     time.Duration
	HandlerTimeout   time.Duration
	FailureThreshold int
	Metrics          *telemetry.Metrics
}

func (c Config) normalize() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 200 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	return c
}

// Bus is the typed publisher/subscriber hub.
type Bus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu      sync.RWMutex
	subs    map[schema.EventType]map[Token]*subscription
	byToken map[Token]*subscription

	seq      atomic.Uint64
	onDegrade DegradeNotifier
}

// New constructs a bus with the provided configuration.
func New(cfg Config) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := new(Bus)
	b.cfg = cfg.normalize()
	b.ctx = ctx
	b.cancel = cancel
	b.subs = make(map[schema.EventType]map[Token]*subscription)
	b.byToken = make(map[Token]*subscription)
	return b
}

// SetDegradeNotifier wires the registry callback invoked when a subscription
// degrades. Must be called before the first Subscribe.
func (b *Bus) SetDegradeNotifier(fn DegradeNotifier) {
	b.onDegrade = fn
}

// SubscribeOption tunes a single subscription.
type SubscribeOption func(*subscription)

// WithQueueCapacity overrides the per-subscription queue capacity.
func WithQueueCapacity(capacity int) SubscribeOption {
	return func(s *subscription) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithConcurrentDelivery opts the subscription out of serialized handler
// invocation; handlers for distinct events may overlap.
func WithConcurrentDelivery(workers int) SubscribeOption {
	return func(s *subscription) {
		if workers <= 0 {
			workers = 4
		}
		s.concurrent = true
		s.sem = make(chan struct{}, workers)
	}
}

// Subscribe registers a handler for one event type and starts its worker.
func (b *Bus) Subscribe(evtType schema.EventType, name string, handler Handler, opts ...SubscribeOption) (Token, error) {
	if handler == nil {
		return "", errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("handler must not be nil"))
	}
	if b.ctx.Err() != nil {
		return "", errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	sub := newSubscription(b, evtType, name, handler)
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}

	b.mu.Lock()
	byType, ok := b.subs[evtType]
	if !ok {
		byType = make(map[Token]*subscription)
		b.subs[evtType] = byType
	}
	byType[sub.token] = sub
	b.byToken[sub.token] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go sub.run(&b.wg)
	return sub.token, nil
}

// Unsubscribe removes a subscription; its worker drains remaining events
// and exits.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	sub, ok := b.byToken[token]
	if ok {
		delete(b.byToken, token)
		if byType, found := b.subs[sub.evtType]; found {
			delete(byType, token)
			if len(byType) == 0 {
				delete(b.subs, sub.evtType)
			}
		}
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish enqueues the event for every matching subscription. Market-data
// queues never block the publisher; a full control queue blocks up to the
// configured timeout before the event is dropped for that subscriber.
func (b *Bus) Publish(evt *schema.Event) error {
	return b.publish(evt)
}

// PublishSync delivers the event and waits until every matching handler has
// completed. Intended for shutdown sequencing only.
func (b *Bus) PublishSync(ctx context.Context, evt *schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt == nil {
		return nil
	}
	if err := b.precheck(evt); err != nil {
		return err
	}
	targets := b.matching(evt.Type)
	if len(targets) == 0 {
		return nil
	}

	seq := b.seq.Add(1)
	var mu sync.Mutex
	var handlerErrs []error
	var wg conc.WaitGroup
	for _, sub := range targets {
		sub := sub
		done := make(chan error, 1)
		if !sub.enqueue(&queuedEvent{evt: evt, seq: seq, done: done}, b.cfg.BlockTimeout) {
			mu.Lock()
			handlerErrs = append(handlerErrs, fmt.Errorf("subscriber %s: sync publish dropped", sub.name))
			mu.Unlock()
			continue
		}
		wg.Go(func() {
			select {
			case err := <-done:
				if err != nil {
					mu.Lock()
					handlerErrs = append(handlerErrs, fmt.Errorf("subscriber %s: %w", sub.name, err))
					mu.Unlock()
				}
			case <-ctx.Done():
				mu.Lock()
				handlerErrs = append(handlerErrs, fmt.Errorf("subscriber %s: %w", sub.name, ctx.Err()))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(handlerErrs...)
}

func (b *Bus) publish(evt *schema.Event) error {
	if evt == nil {
		return nil
	}
	if err := b.precheck(evt); err != nil {
		return err
	}
	seq := b.seq.Add(1)
	for _, sub := range b.matching(evt.Type) {
		sub.enqueue(&queuedEvent{evt: evt, seq: seq, done: nil}, b.cfg.BlockTimeout)
	}
	return nil
}

func (b *Bus) precheck(evt *schema.Event) error {
	if b.ctx.Err() != nil {
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if evt.Type == "" {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	return nil
}

func (b *Bus) matching(evtType schema.EventType) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	byType := b.subs[evtType]
	if len(byType) == 0 {
		return nil
	}
	out := make([]*subscription, 0, len(byType))
	for _, sub := range byType {
		out = append(out, sub)
	}
	return out
}

// SubscriptionStats reports per-subscription delivery accounting.
type SubscriptionStats struct {
	Name      string
	EventType schema.EventType
	State     SubscriptionState
	Delivered uint64
	Dropped   uint64
	Failures  uint64
}

// Stats returns delivery accounting for the given subscription.
func (b *Bus) Stats(token Token) (SubscriptionStats, bool) {
	b.mu.RLock()
	sub, ok := b.byToken[token]
	b.mu.RUnlock()
	if !ok {
		return SubscriptionStats{}, false
	}
	return sub.stats(), true
}

// Close stops accepting publishes and waits for all workers to drain, or
// until the context expires.
func (b *Bus) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.once.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscription, 0, len(b.byToken))
		for _, sub := range b.byToken {
			subs = append(subs, sub)
		}
		b.byToken = make(map[Token]*subscription)
		b.subs = make(map[schema.EventType]map[Token]*subscription)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("bus close context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

type subscription struct {
	bus     *Bus
	token   Token
	name    string
	evtType schema.EventType
	handler Handler

	capacity   int
	concurrent bool
	sem        chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  eventHeap
	closed bool

	delivered   atomic.Uint64
	dropped     atomic.Uint64
	failures    atomic.Uint64
	consecutive atomic.Uint32
	degraded    atomic.Bool
}

func newSubscription(b *Bus, evtType schema.EventType, name string, handler Handler) *subscription {
	s := new(subscription)
	s.bus = b
	s.token = Token(uuid.NewString())
	s.name = name
	s.evtType = evtType
	s.handler = handler
	s.capacity = b.cfg.QueueCapacity
	s.queue = make(eventHeap, 0)
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue buffers the event, applying the overflow policy. Returns false when
// the event was dropped for this subscriber.
func (s *subscription) enqueue(item *queuedEvent, blockTimeout time.Duration) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.queue.Len() >= s.capacity {
		if item.evt.MarketData() {
			var victims []*queuedEvent
			for s.queue.Len() >= s.capacity {
				victims = append(victims, s.queue.removeOldest())
			}
			heap.Push(&s.queue, item)
			s.cond.Broadcast()
			s.mu.Unlock()
			for _, victim := range victims {
				s.recordDrop(victim)
			}
			return true
		} else {
			deadline := time.Now().Add(blockTimeout)
			timer := time.AfterFunc(blockTimeout, s.cond.Broadcast)
			for s.queue.Len() >= s.capacity && !s.closed && time.Now().Before(deadline) {
				s.cond.Wait()
			}
			timer.Stop()
			if s.closed || s.queue.Len() >= s.capacity {
				s.mu.Unlock()
				s.recordDrop(item)
				return false
			}
		}
	}
	heap.Push(&s.queue, item)
	s.cond.Broadcast()
	s.mu.Unlock()
	return true
}

func (s *subscription) recordDrop(item *queuedEvent) {
	if item == nil {
		return
	}
	s.dropped.Add(1)
	s.bus.cfg.Metrics.BusDropped(s.name, string(s.evtType))
	if item.done != nil {
		item.done <- errs.New("bus/deliver", errs.CodeUnavailable,
			errs.WithKind(errs.KindDegraded), errs.WithMessage("subscriber queue full"))
	}
}

func (s *subscription) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.queue.Len() == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.queue).(*queuedEvent)
		s.cond.Broadcast()
		s.mu.Unlock()

		if s.concurrent {
			s.sem <- struct{}{}
			go func(it *queuedEvent) {
				defer func() { <-s.sem }()
				s.deliver(it)
			}(item)
		} else {
			s.deliver(item)
		}
	}
}

func (s *subscription) deliver(item *queuedEvent) {
	err := s.invoke(item.evt)
	s.delivered.Add(1)
	if err != nil {
		s.failures.Add(1)
		s.bus.cfg.Metrics.BusHandlerFailure(s.name, string(s.evtType))
		observability.Log().Error("event handler failed",
			observability.F("subscriber", s.name),
			observability.F("event_type", string(item.evt.Type)),
			observability.F("source", item.evt.Source),
			observability.F("correlation_id", item.evt.CorrelationID),
			observability.F("error", err.Error()))
		if s.consecutive.Add(1) >= uint32(s.bus.cfg.FailureThreshold) {
			s.degrade("consecutive handler failures")
		}
	} else {
		s.consecutive.Store(0)
	}
	if item.done != nil {
		item.done <- err
	}
}

// invoke runs the handler with the configured timeout and panic isolation.
func (s *subscription) invoke(evt *schema.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.bus.cfg.HandlerTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		result <- s.handler(ctx, evt)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		s.degrade("handler timeout")
		return errs.New("bus/deliver", errs.CodeUnavailable,
			errs.WithKind(errs.KindDegraded),
			errs.WithMessage(fmt.Sprintf("handler exceeded %s", s.bus.cfg.HandlerTimeout)))
	}
}

func (s *subscription) degrade(reason string) {
	if s.degraded.CompareAndSwap(false, true) {
		observability.Log().Warn("subscription degraded",
			observability.F("subscriber", s.name),
			observability.F("event_type", string(s.evtType)),
			observability.F("reason", reason))
		if s.bus.onDegrade != nil {
			s.bus.onDegrade(s.name, s.evtType)
		}
		// Degradation is itself a control event for observers.
		_ = s.bus.Publish(&schema.Event{
			Type:      schema.EventServiceStateChanged,
			Priority:  schema.PriorityControl,
			Source:    "bus",
			CreatedAt: time.Now().UTC(),
			Payload: schema.ServiceStatePayload{
				Service: s.name,
				State:   string(StateDegraded),
				Reason:  reason,
			},
		})
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *subscription) stats() SubscriptionStats {
	state := StateActive
	if s.degraded.Load() {
		state = StateDegraded
	}
	return SubscriptionStats{
		Name:      s.name,
		EventType: s.evtType,
		State:     state,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Failures:  s.failures.Load(),
	}
}
