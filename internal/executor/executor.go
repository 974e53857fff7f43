// Package executor turns approved signals into exchange orders with bounded
// retries and re-publishes gateway fills.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/gateway"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
	"github.com/riptide-engine/riptide/internal/telemetry"
)

// Publisher is the event sink for order lifecycle events.
type Publisher interface {
	Publish(evt *schema.Event) error
}

// Config tunes the executor.
type Config struct {
	// MaxAttempts bounds placement retries on transient errors. Default 3.
	MaxAttempts int
	// BackoffBase seeds the retry backoff. Default 250ms.
	BackoffBase time.Duration
	// OrdersPerSecond throttles gateway submissions. Default 5.
	OrdersPerSecond rate.Limit
	// Burst is the limiter burst size. Default 5.
	Burst int

	Publisher Publisher
	Metrics   *telemetry.Metrics
	// Fatal receives auth failures; the host cascades them through registry
	// teardown. Nil drops them after logging.
	Fatal func(error)
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.OrdersPerSecond <= 0 {
		c.OrdersPerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}

// Executor is the RiskCheckPassed consumer.
type Executor struct {
	cfg     Config
	gw      gateway.Gateway
	limiter *rate.Limiter

	mu        sync.Mutex
	perSymbol map[schema.SymbolID]*sync.Mutex
	seenFills map[string]struct{}
	signalFor map[string]string
}

// New constructs the executor over the given gateway.
func New(cfg Config, gw gateway.Gateway) (*Executor, error) {
	cfg = cfg.normalize()
	if gw == nil || cfg.Publisher == nil {
		return nil, errs.New("executor/new", errs.CodeInvalid,
			errs.WithMessage("gateway and publisher required"))
	}
	e := new(Executor)
	e.cfg = cfg
	e.gw = gw
	e.limiter = rate.NewLimiter(cfg.OrdersPerSecond, cfg.Burst)
	e.perSymbol = make(map[schema.SymbolID]*sync.Mutex)
	e.seenFills = make(map[string]struct{})
	e.signalFor = make(map[string]string)
	return e, nil
}

// ClientOrderID derives the deterministic idempotency key for one placement
// attempt of a signal.
func ClientOrderID(signalID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", signalID, attempt)))
	return "rt-" + hex.EncodeToString(sum[:])[:29]
}

// HandleRiskPassed places one order for an approved signal. Orders for the
// same symbol are serialized; distinct symbols place concurrently.
func (e *Executor) HandleRiskPassed(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(schema.RiskPassedPayload)
	if !ok {
		return errs.New("executor/handle", errs.CodeInvalid,
			errs.WithMessage("unexpected payload type for RiskCheckPassed"))
	}
	signal := payload.Signal
	// Exchanges reject arbitrary-precision quantities; 8 decimal places is
	// the common lot-size floor.
	quantity := payload.PositionSize.Truncate(8)

	lock := e.symbolLock(signal.Symbol)
	lock.Lock()
	defer lock.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase
	bo.RandomizationFactor = 0.2
	bo.Multiplier = 2

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		spec := schema.OrderSpec{
			Symbol:        signal.Symbol,
			Side:          schema.SideFor(signal.Direction),
			Type:          schema.OrderTypeMarket,
			Quantity:      quantity,
			ClientOrderID: ClientOrderID(signal.ID, attempt),
		}
		ack, err := e.gw.PlaceOrder(ctx, spec)
		if err == nil {
			e.published(signal, spec, ack)
			return nil
		}
		lastErr = err

		if errs.IsFatal(err) {
			observability.Log().Error("order placement hit a fatal error",
				observability.F("signal", signal.ID),
				observability.F("error", err.Error()))
			if e.cfg.Fatal != nil {
				e.cfg.Fatal(err)
			}
			return err
		}
		if !errs.IsTransient(err) {
			observability.Log().Warn("order rejected, not retrying",
				observability.F("signal", signal.ID),
				observability.F("error", err.Error()))
			return err
		}
		if attempt < e.cfg.MaxAttempts {
			wait := bo.NextBackOff()
			observability.Log().Warn("order placement failed, retrying",
				observability.F("signal", signal.ID),
				observability.F("attempt", attempt),
				observability.F("backoff", wait.String()))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("executor: placement exhausted %d attempts: %w", e.cfg.MaxAttempts, lastErr)
}

func (e *Executor) published(signal schema.Signal, spec schema.OrderSpec, ack schema.OrderAck) {
	order := schema.Order{
		ID:            ack.ExchangeOrderID,
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Quantity:      spec.Quantity,
		Status:        ack.Status,
		Timestamp:     time.Now().UTC(),
	}
	if order.Status == "" {
		order.Status = schema.OrderStatusPlaced
	}
	// Fills reference the order by client id; remember its signal so the
	// OrderFilled event keeps the signal's correlation chain.
	e.mu.Lock()
	e.signalFor[spec.ClientOrderID] = signal.ID
	e.mu.Unlock()
	e.cfg.Metrics.OrderPlaced(string(spec.Symbol))
	observability.Log().Info("order placed",
		observability.F("signal", signal.ID),
		observability.F("client_order_id", spec.ClientOrderID),
		observability.F("symbol", string(spec.Symbol)))
	_ = e.cfg.Publisher.Publish(&schema.Event{
		Type:          schema.EventOrderPlaced,
		Priority:      schema.PriorityControl,
		Source:        "executor",
		CreatedAt:     time.Now().UTC(),
		CorrelationID: signal.ID,
		Payload:       schema.OrderPayload{Order: order},
	})
}

// ConsumeFills drains the gateway fill stream until the context ends. Run it
// as a supervised one-shot task.
func (e *Executor) ConsumeFills(ctx context.Context, stream gateway.FillStream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fill, open := <-stream.Fills():
			if !open {
				return errs.New("executor/fills", errs.CodeUnavailable,
					errs.WithMessage("fill stream closed"))
			}
			e.HandleFill(fill)
		}
	}
}

// HandleFill re-publishes one fill, dropping duplicates of the same
// (client_order_id, fill_id) pair.
func (e *Executor) HandleFill(fill schema.FillPayload) {
	key := fill.Order.ClientOrderID + "|" + fill.FillID
	e.mu.Lock()
	if _, dup := e.seenFills[key]; dup {
		e.mu.Unlock()
		observability.Log().Debug("duplicate fill dropped",
			observability.F("client_order_id", fill.Order.ClientOrderID),
			observability.F("fill_id", fill.FillID))
		return
	}
	e.seenFills[key] = struct{}{}
	correlation, known := e.signalFor[fill.Order.ClientOrderID]
	e.mu.Unlock()
	if !known {
		correlation = fill.Order.ClientOrderID
	}

	_ = e.cfg.Publisher.Publish(&schema.Event{
		Type:          schema.EventOrderFilled,
		Priority:      schema.PriorityControl,
		Source:        "executor",
		CreatedAt:     time.Now().UTC(),
		CorrelationID: correlation,
		Payload:       fill,
	})
}

func (e *Executor) symbolLock(symbol schema.SymbolID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.perSymbol[symbol]
	if !ok {
		lock = new(sync.Mutex)
		e.perSymbol[symbol] = lock
	}
	return lock
}
