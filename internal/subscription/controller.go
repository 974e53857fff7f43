// Package subscription adds and removes traded symbols at runtime, keeping
// supervised ingress tasks, candle buffers and the active-symbol config in
// step.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/candlestore"
	"github.com/riptide-engine/riptide/internal/configstore"
	"github.com/riptide-engine/riptide/internal/gateway"
	"github.com/riptide-engine/riptide/internal/ingress"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
	"github.com/riptide-engine/riptide/internal/supervisor"
)

// TaskGroup is the supervisor group holding every ingress task.
const TaskGroup = "ingress"

// Publisher is the event sink for subscription changes.
type Publisher interface {
	Publish(evt *schema.Event) error
}

// Config tunes the controller.
type Config struct {
	// WarmupWait bounds how long AddSymbol waits for the first warm-up
	// batch. Default 30s.
	WarmupWait time.Duration
	// RetainFor keeps a removed symbol's candle buffers alive for in-flight
	// consumers before flushing. Default 60s.
	RetainFor time.Duration
	Publisher Publisher
}

func (c Config) normalize() Config {
	if c.WarmupWait <= 0 {
		c.WarmupWait = 30 * time.Second
	}
	if c.RetainFor <= 0 {
		c.RetainFor = time.Minute
	}
	return c
}

// Controller wires symbol lifecycle across the supervisor, the ingress
// manager, the candle store and the config store.
type Controller struct {
	cfg     Config
	sup     *supervisor.Supervisor
	ingress *ingress.Manager
	store   *candlestore.Store
	config  *configstore.Store
	gw      gateway.Gateway

	mu      sync.Mutex
	version uint64
	flushes map[schema.SymbolID]*time.Timer
}

// New constructs the controller.
func New(cfg Config, sup *supervisor.Supervisor, ing *ingress.Manager,
	store *candlestore.Store, config *configstore.Store, gw gateway.Gateway) *Controller {
	c := new(Controller)
	c.cfg = cfg.normalize()
	c.sup = sup
	c.ingress = ing
	c.store = store
	c.config = config
	c.gw = gw
	c.flushes = make(map[schema.SymbolID]*time.Timer)
	return c
}

// Bootstrap starts ingress tasks for every symbol already present in the
// configuration. Used once at startup; the config is not mutated and no
// change event is emitted.
func (c *Controller) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.config.Get()
	timeframes, err := configuredTimeframes(doc)
	if err != nil {
		return err
	}
	var keys []schema.StreamKey
	for _, symbol := range doc.Market.ActiveSymbols {
		for _, tf := range timeframes {
			keys = append(keys, schema.StreamKey{Symbol: schema.SymbolID(symbol), Timeframe: tf})
		}
	}

	started, err := c.startTasks(keys)
	if err != nil {
		c.teardown(started)
		return err
	}
	if err := c.awaitWarmup(ctx, keys); err != nil {
		c.teardown(started)
		return err
	}
	observability.Log().Info("subscriptions bootstrapped",
		observability.F("symbols", len(doc.Market.ActiveSymbols)),
		observability.F("streams", len(keys)))
	return nil
}

// AddSymbol validates the symbol, starts ingress tasks for every requested
// timeframe, waits for the first warm-up batch and commits the config
// change. On any failure the started tasks are torn down and nothing is
// committed.
func (c *Controller) AddSymbol(ctx context.Context, symbol schema.SymbolID, timeframes ...schema.Timeframe) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.config.Get()
	for _, active := range doc.Market.ActiveSymbols {
		if active == string(symbol) {
			return errs.New("subscription/add", errs.CodeConflict,
				errs.WithMessage(fmt.Sprintf("symbol %s already active", symbol)))
		}
	}

	// A re-add within the retention window must not let the stale flush
	// timer destroy the fresh buffers.
	c.cancelFlush(symbol)

	if len(timeframes) == 0 {
		var err error
		timeframes, err = configuredTimeframes(doc)
		if err != nil {
			return err
		}
	}
	keys := make([]schema.StreamKey, 0, len(timeframes))
	for _, tf := range timeframes {
		key := schema.StreamKey{Symbol: symbol, Timeframe: tf}
		if err := key.Validate(); err != nil {
			return err
		}
		keys = append(keys, key)
	}

	// The gateway is the authority on symbol existence.
	if _, err := c.gw.FetchOHLCV(ctx, keys[0], 1); err != nil {
		return fmt.Errorf("subscription: symbol %s rejected by gateway: %w", symbol, err)
	}

	started, err := c.startTasks(keys)
	if err != nil {
		c.teardown(started)
		return err
	}
	if err := c.awaitWarmup(ctx, keys); err != nil {
		c.teardown(started)
		return err
	}

	symbols := append(append([]string(nil), doc.Market.ActiveSymbols...), string(symbol))
	if err := c.config.Update(configstore.SectionMarket, map[string]any{
		"active_symbols": symbols,
	}); err != nil {
		c.teardown(started)
		return err
	}

	c.version++
	c.emit(keys, nil)
	observability.Log().Info("symbol subscribed",
		observability.F("symbol", string(symbol)),
		observability.F("streams", len(keys)))
	return nil
}

// RemoveSymbol cancels the symbol's ingress tasks, commits the config change
// and flushes its buffers after the retention window.
func (c *Controller) RemoveSymbol(ctx context.Context, symbol schema.SymbolID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.config.Get()
	kept := make([]string, 0, len(doc.Market.ActiveSymbols))
	found := false
	for _, active := range doc.Market.ActiveSymbols {
		if active == string(symbol) {
			found = true
			continue
		}
		kept = append(kept, active)
	}
	if !found {
		return errs.New("subscription/remove", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("symbol %s not active", symbol)))
	}

	// Config validation rejects an empty universe before any task is
	// touched, keeping the removal atomic.
	if err := c.config.Update(configstore.SectionMarket, map[string]any{
		"active_symbols": kept,
	}); err != nil {
		return err
	}

	var removed []schema.StreamKey
	for _, key := range c.store.Keys() {
		if key.Symbol != symbol {
			continue
		}
		removed = append(removed, key)
		if err := c.sup.Remove(ctx, ingress.TaskName(key)); err != nil &&
			errs.CodeOf(err) != errs.CodeNotFound {
			observability.Log().Warn("ingress task stop failed",
				observability.F("task", ingress.TaskName(key)),
				observability.F("error", err.Error()))
		}
	}

	retained := append([]schema.StreamKey(nil), removed...)
	c.cancelFlush(symbol)
	var flush *time.Timer
	flush = time.AfterFunc(c.cfg.RetainFor, func() {
		c.mu.Lock()
		// A concurrent re-add may have superseded this timer while it was
		// waiting on the lock.
		if c.flushes[symbol] != flush {
			c.mu.Unlock()
			return
		}
		delete(c.flushes, symbol)
		c.mu.Unlock()
		for _, key := range retained {
			c.store.Drop(key)
		}
		observability.Log().Debug("retired candle buffers flushed",
			observability.F("symbol", string(symbol)))
	})
	c.flushes[symbol] = flush

	c.version++
	c.emit(nil, removed)
	observability.Log().Info("symbol unsubscribed",
		observability.F("symbol", string(symbol)),
		observability.F("streams", len(removed)))
	return nil
}

// startTasks registers and launches one supervised ingress task per key,
// returning the keys that made it up.
func (c *Controller) startTasks(keys []schema.StreamKey) ([]schema.StreamKey, error) {
	var started []schema.StreamKey
	for _, key := range keys {
		key := key
		err := c.sup.Add(supervisor.TaskConfig{
			Name:             ingress.TaskName(key),
			Run:              func(ctx context.Context) error { return c.ingress.Run(ctx, key) },
			Priority:         supervisor.PriorityHigh,
			RestartOnFailure: true,
			MaxRestarts:      1 << 20,
			Group:            TaskGroup,
		})
		if err != nil {
			return started, err
		}
		started = append(started, key)
		if err := c.sup.Start(ingress.TaskName(key)); err != nil {
			return started, err
		}
	}
	return started, nil
}

// awaitWarmup polls until every stream holds at least one candle, a task
// dies, or the deadline passes.
func (c *Controller) awaitWarmup(ctx context.Context, keys []schema.StreamKey) error {
	deadline := time.NewTimer(c.cfg.WarmupWait)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		warm := true
		for _, key := range keys {
			if state, _, ok := c.sup.StateOf(ingress.TaskName(key)); ok && state == supervisor.TaskFailed {
				return errs.New("subscription/add", errs.CodeUnavailable,
					errs.WithMessage(fmt.Sprintf("warm-up task for %s failed", key.String())))
			}
			if c.store.Len(key) == 0 {
				warm = false
			}
		}
		if warm {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errs.New("subscription/add", errs.CodeUnavailable,
				errs.WithMessage(fmt.Sprintf("warm-up incomplete after %s", c.cfg.WarmupWait)))
		case <-tick.C:
		}
	}
}

// teardown rolls back a failed AddSymbol: tasks removed, partial warm-up
// buffers dropped.
func (c *Controller) teardown(keys []schema.StreamKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := c.sup.Remove(ctx, ingress.TaskName(key)); err != nil {
			observability.Log().Warn("subscription rollback task removal failed",
				observability.F("task", ingress.TaskName(key)),
				observability.F("error", err.Error()))
		}
		c.store.Drop(key)
	}
}

// cancelFlush stops a pending retention flush for the symbol. Callers hold
// c.mu.
func (c *Controller) cancelFlush(symbol schema.SymbolID) {
	if timer, ok := c.flushes[symbol]; ok {
		timer.Stop()
		delete(c.flushes, symbol)
	}
}

func (c *Controller) emit(added, removed []schema.StreamKey) {
	if c.cfg.Publisher == nil {
		return
	}
	_ = c.cfg.Publisher.Publish(&schema.Event{
		Type:      schema.EventSubscriptionChanged,
		Priority:  schema.PriorityControl,
		Source:    "subscription",
		CreatedAt: time.Now().UTC(),
		Payload: schema.SubscriptionChangePayload{
			Added:   added,
			Removed: removed,
			Version: c.version,
		},
	})
}

// configuredTimeframes derives the stream roles from the market section.
func configuredTimeframes(doc configstore.Document) ([]schema.Timeframe, error) {
	seen := make(map[schema.Timeframe]struct{})
	var out []schema.Timeframe
	for _, token := range []string{
		doc.Market.PrimaryTimeframe,
		doc.Market.HigherTimeframe,
		doc.Market.LowerTimeframe,
	} {
		tf, err := schema.ParseTimeframe(token)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[tf]; dup {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	return out, nil
}
