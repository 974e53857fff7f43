// Command engine runs the trading pipeline: candle ingestion, indicator
// detection, strategy evaluation, risk validation, order execution and
// position tracking, all connected through the in-process event bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/riptide-engine/riptide/config"
	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/bus"
	"github.com/riptide-engine/riptide/internal/candlestore"
	"github.com/riptide-engine/riptide/internal/configstore"
	"github.com/riptide-engine/riptide/internal/executor"
	"github.com/riptide-engine/riptide/internal/gateway"
	"github.com/riptide-engine/riptide/internal/indicator"
	"github.com/riptide-engine/riptide/internal/ingress"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/position"
	"github.com/riptide-engine/riptide/internal/registry"
	"github.com/riptide-engine/riptide/internal/risk"
	"github.com/riptide-engine/riptide/internal/schema"
	"github.com/riptide-engine/riptide/internal/statestore"
	"github.com/riptide-engine/riptide/internal/strategy"
	"github.com/riptide-engine/riptide/internal/subscription"
	"github.com/riptide-engine/riptide/internal/supervisor"
	"github.com/riptide-engine/riptide/internal/telemetry"
	otelboot "github.com/riptide-engine/riptide/lib/telemetry"
)

const (
	defaultConfigPath        = "config/engine.yaml"
	startupTimeout           = 2 * time.Minute
	shutdownTimeout          = 30 * time.Second
	busShutdownTimeout       = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	paperStartingBalance     = 10_000
	candleBufferCapacity     = 1000
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, loadedFromFile, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}

	observability.SetLogger(observability.NewZerologLogger(os.Stdout, cfg.Engine.LogLevel))
	logger := observability.Log()
	if !loadedFromFile {
		logger.Warn("configuration file not found, using defaults",
			observability.F("path", cfgPath))
	}

	if cfg.Trading.Trading.Mode != configstore.ModePaper {
		logger.Error("live trading mode is not wired to an exchange; refusing to start")
		os.Exit(1)
	}

	_, telemetryShutdown, err := otelboot.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("telemetry init failed", observability.F("error", err.Error()))
		os.Exit(1)
	}
	metrics := telemetry.New()

	eng, err := buildEngine(ctx, cfg, metrics)
	if err != nil {
		logger.Error("engine build failed", observability.F("error", err.Error()))
		os.Exit(1)
	}

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	err = eng.start(startCtx)
	startCancel()
	if err != nil {
		logger.Error("engine start failed", observability.F("error", err.Error()))
		eng.shutdown(telemetryShutdown)
		os.Exit(1)
	}

	logger.Info("engine started",
		observability.F("mode", string(cfg.Trading.Trading.Mode)),
		observability.F("symbols", cfg.Trading.Market.ActiveSymbols))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-eng.registry.Fatal():
		logger.Error("fatal service error, shutting down",
			observability.F("error", err.Error()))
		cancel()
	}

	eng.shutdown(telemetryShutdown)
	logger.Info("engine stopped")
}

func parseFlags() string {
	path := flag.String("config", defaultConfigPath, "path to the engine configuration file")
	flag.Parse()
	return *path
}

// engine groups every wired component so startup and shutdown can walk them
// in order.
type engine struct {
	bus        *bus.Bus
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	state      statestore.Store
	config     *configstore.Store
	gateway    *gateway.Paper
	candles    *candlestore.Store
	strategies *strategy.Layer
	validator  *risk.Validator
	executor   *executor.Executor
	positions  *position.Tracker
	subs       *subscription.Controller
	sim        *gateway.Simulator
	simKeys    []schema.StreamKey

	lifecycle conc.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
}

func buildEngine(ctx context.Context, cfg config.Settings, metrics *telemetry.Metrics) (*engine, error) {
	eng := new(engine)
	eng.bus = bus.New(bus.Config{Metrics: metrics})
	eng.registry = registry.New(eng.bus)
	eng.bus.SetDegradeNotifier(eng.registry.NotifyDegraded)

	state, err := statestore.NewFile(cfg.Engine.StateDir)
	if err != nil {
		return nil, err
	}
	eng.state = state

	eng.positions = position.New(eng.bus)

	eng.config, err = configstore.New(configstore.Config{
		Publisher: eng.bus,
		Positions: eng.positions.Open,
	}, cfg.Trading)
	if err != nil {
		return nil, err
	}
	if err := restoreConfig(ctx, eng.state, eng.config); err != nil {
		return nil, err
	}

	eng.candles = candlestore.New(candleBufferCapacity)
	eng.supervisor = supervisor.New(supervisor.Config{Publisher: eng.bus, Metrics: metrics})
	eng.gateway = gateway.NewPaper(decimal.NewFromInt(paperStartingBalance))

	ing := ingress.New(ingress.Config{Metrics: metrics}, eng.gateway, eng.candles, eng.bus)

	doc := eng.config.Get()
	timeframes, err := marketTimeframes(doc)
	if err != nil {
		return nil, err
	}

	// Paper mode has no venue feed; a seeded random-walk simulator supplies
	// warm-up history and live candles for every configured stream.
	eng.sim = gateway.NewSimulator(eng.gateway, time.Now().UnixNano())
	for _, symbol := range doc.Market.ActiveSymbols {
		for _, tf := range timeframes {
			key := schema.StreamKey{Symbol: schema.SymbolID(symbol), Timeframe: tf}
			eng.sim.Seed(key, candleBufferCapacity, decimal.Zero)
			eng.simKeys = append(eng.simKeys, key)
		}
	}
	indicators := indicator.New(eng.candles, eng.bus, func() indicator.Params {
		live := eng.config.Get()
		return indicator.Params{
			OBLookbackPeriods:         live.ICT.OBLookbackPeriods,
			FVGMinSizePercent:         live.ICT.FVGMinSizePercent,
			LiquidityTolerancePercent: live.ICT.LiquiditySweepThreshold,
		}
	}, timeframes)

	eng.strategies, err = strategy.NewLayer(strategy.Config{
		Publisher: eng.bus,
		Candles:   eng.candles,
		Metrics:   metrics,
		Enabled:   strategyToggle(eng.config),
	})
	if err != nil {
		return nil, err
	}
	primary, err := schema.ParseTimeframe(doc.Market.PrimaryTimeframe)
	if err != nil {
		return nil, err
	}
	for _, s := range []strategy.Strategy{
		strategy.NewOBRetest(primary),
		strategy.NewFVGFill(primary),
		strategy.NewLiquiditySweep(primary),
	} {
		if err := eng.strategies.Register(s); err != nil {
			return nil, err
		}
	}
	scripts, err := loadScriptStrategies(cfg.Engine.StrategyScripts, primary)
	if err != nil {
		return nil, err
	}
	for _, s := range scripts {
		if err := eng.strategies.Register(s); err != nil {
			return nil, err
		}
	}

	eng.validator, err = risk.New(risk.Config{
		Source:    eng.config,
		Account:   eng.gateway,
		Positions: eng.positions.Open,
		Publisher: eng.bus,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	eng.executor, err = executor.New(executor.Config{
		Publisher: eng.bus,
		Metrics:   metrics,
		Fatal: func(err error) {
			eng.registry.SignalFatal(context.Background(), "executor", err)
		},
	}, eng.gateway)
	if err != nil {
		return nil, err
	}

	eng.subs = subscription.New(subscription.Config{
		WarmupWait: cfg.Engine.WarmupWait,
		RetainFor:  cfg.Engine.RetainFor,
		Publisher:  eng.bus,
	}, eng.supervisor, ing, eng.candles, eng.config, eng.gateway)

	if err := wireBus(ctx, eng, indicators); err != nil {
		return nil, err
	}
	if err := registerServices(eng); err != nil {
		return nil, err
	}
	return eng, nil
}

// wireBus connects each pipeline stage to the events it consumes, plus the
// persistence hooks that mirror engine state to disk.
func wireBus(ctx context.Context, eng *engine, indicators *indicator.Engine) error {
	audit, err := newAuditTrail(ctx, eng.state)
	if err != nil {
		return err
	}

	persistConfig := func(ctx context.Context, _ *schema.Event) error {
		raw, err := eng.config.Snapshot()
		if err != nil {
			return err
		}
		_, err = eng.state.Save(ctx, statestore.KeyConfigCurrent, raw)
		return err
	}
	persistPositions := func(ctx context.Context, _ *schema.Event) error {
		raw, err := json.Marshal(eng.positions.All())
		if err != nil {
			return err
		}
		_, err = eng.state.Save(ctx, statestore.KeyPositionsOpen, raw)
		return err
	}

	subs := []struct {
		evtType schema.EventType
		name    string
		handler bus.Handler
	}{
		{schema.EventCandleReceived, "indicator-engine", indicators.HandleCandle},
		{schema.EventCandleReceived, "position-marks", eng.positions.HandleCandle},
		{schema.EventIndicatorUpdated, "strategy-layer", eng.strategies.HandleIndicator},
		{schema.EventSignalGenerated, "risk-validator", eng.validator.HandleSignal},
		{schema.EventRiskCheckPassed, "order-executor", eng.executor.HandleRiskPassed},
		{schema.EventOrderFilled, "position-tracker", eng.positions.HandleFill},
		{schema.EventPositionClosed, "risk-daily-pnl", eng.validator.HandlePositionClosed},
		{schema.EventConfigUpdated, "config-persistence", persistConfig},
		{schema.EventPositionOpened, "position-persistence", persistPositions},
		{schema.EventPositionClosed, "position-persistence", persistPositions},
		{schema.EventOrderPlaced, "order-audit", audit.Record},
		{schema.EventOrderFilled, "order-audit", audit.Record},
	}
	for _, sub := range subs {
		if _, err := eng.bus.Subscribe(sub.evtType, sub.name, sub.handler); err != nil {
			return err
		}
	}
	return nil
}

// registerServices declares the startup and teardown order. The registry
// starts dependencies before dependents and stops them in reverse.
func registerServices(eng *engine) error {
	services := []struct {
		name string
		svc  registry.Service
		deps []string
	}{
		{name: "config", svc: registry.Funcs{}},
		{name: "gateway", svc: registry.Funcs{
			StartFunc: func(context.Context) error {
				for _, key := range eng.simKeys {
					key := key
					err := eng.supervisor.Add(supervisor.TaskConfig{
						Name:             "market-sim/" + key.String(),
						Run:              func(ctx context.Context) error { return eng.sim.Run(ctx, key) },
						Priority:         supervisor.PriorityLow,
						RestartOnFailure: true,
						MaxRestarts:      1 << 20,
						Group:            "market-sim",
					})
					if err != nil {
						return err
					}
					if err := eng.supervisor.Start("market-sim/" + key.String()); err != nil {
						return err
					}
				}
				return nil
			},
		}, deps: []string{"config"}},
		{name: "positions", svc: registry.Funcs{}, deps: []string{"gateway"}},
		{name: "risk", svc: registry.Funcs{
			StartFunc: func(context.Context) error { eng.validator.Start(); return nil },
			StopFunc:  eng.validator.Stop,
		}, deps: []string{"config", "positions"}},
		{name: "strategies", svc: registry.Funcs{
			StopFunc: eng.strategies.Close,
		}, deps: []string{"config"}},
		{name: "executor", svc: registry.Funcs{
			StartFunc: func(context.Context) error {
				eng.lifecycle.Go(func() {
					if err := eng.executor.ConsumeFills(eng.runCtx, eng.gateway); err != nil &&
						eng.runCtx.Err() == nil {
						observability.Log().Error("fill consumer exited",
							observability.F("error", err.Error()))
					}
				})
				return nil
			},
		}, deps: []string{"gateway", "positions"}},
		{name: "subscriptions", svc: registry.Funcs{
			StartFunc: eng.subs.Bootstrap,
			StopFunc:  eng.supervisor.Close,
		}, deps: []string{"config", "gateway"}},
	}
	for _, svc := range services {
		if err := eng.registry.Register(svc.name, svc.svc, svc.deps...); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	if err := e.registry.InitializeAll(ctx); err != nil {
		return err
	}
	return e.registry.StartAll(ctx)
}

func (e *engine) shutdown(telemetryShutdown func(context.Context) error) {
	logger := observability.Log()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	step := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			logger.Warn("shutdown step failed",
				observability.F("step", name),
				observability.F("error", err.Error()))
		}
	}

	step("services", e.registry.StopAll)
	if e.runCancel != nil {
		e.runCancel()
	}
	e.lifecycle.Wait()

	step("final state", func(ctx context.Context) error {
		raw, err := e.config.Snapshot()
		if err != nil {
			return err
		}
		if _, err := e.state.Save(ctx, statestore.KeyConfigCurrent, raw); err != nil {
			return err
		}
		open, err := json.Marshal(e.positions.All())
		if err != nil {
			return err
		}
		_, err = e.state.Save(ctx, statestore.KeyPositionsOpen, open)
		return err
	})

	step("bus", func(parent context.Context) error {
		busCtx, busCancel := context.WithTimeout(parent, busShutdownTimeout)
		defer busCancel()
		return e.bus.Close(busCtx)
	})

	step("telemetry", func(parent context.Context) error {
		telCtx, telCancel := context.WithTimeout(parent, telemetryShutdownTimeout)
		defer telCancel()
		return telemetryShutdown(telCtx)
	})
}

// restoreConfig replays the persisted configuration document, if any, over
// the seed. A corrupt document aborts startup; a missing one is normal on
// first run.
func restoreConfig(ctx context.Context, state statestore.Store, cs *configstore.Store) error {
	rec, err := state.Load(ctx, statestore.KeyConfigCurrent)
	if errs.CodeOf(err) == errs.CodeNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := cs.Restore(rec.Data); err != nil {
		return fmt.Errorf("restore persisted config: %w", err)
	}
	observability.Log().Info("configuration restored from disk",
		observability.F("version", rec.Version))
	return nil
}

func marketTimeframes(doc configstore.Document) ([]schema.Timeframe, error) {
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

// loadScriptStrategies compiles every .js file in dir into a strategy bound
// to the primary timeframe. The file name, without extension, is the
// strategy id. An empty dir disables script loading; a configured dir that
// cannot be read, or a script that fails to compile, aborts startup.
func loadScriptStrategies(dir string, primary schema.Timeframe) ([]strategy.Strategy, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read strategy scripts %s: %w", dir, err)
	}
	var out []strategy.Strategy
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".js" {
			continue
		}
		source, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read strategy script %s: %w", entry.Name(), err)
		}
		id := strings.TrimSuffix(entry.Name(), ".js")
		script, err := strategy.NewScriptStrategy(id, string(source), primary)
		if err != nil {
			return nil, err
		}
		observability.Log().Info("strategy script loaded",
			observability.F("id", id))
		out = append(out, script)
	}
	return out, nil
}

// strategyToggle maps strategy ids to their live config switches. Unknown
// ids, such as operator-loaded scripts, default to enabled.
func strategyToggle(cs *configstore.Store) func(string) bool {
	return func(id string) bool {
		doc := cs.Get()
		switch id {
		case strategy.StrategyOBRetest:
			return doc.Strategy.EnableOBRetest
		case strategy.StrategyFVGFill:
			return doc.Strategy.EnableFVGFill
		case strategy.StrategyLiquiditySweep:
			return doc.Strategy.EnableLiquiditySweep
		default:
			return true
		}
	}
}

// auditTrail appends order lifecycle events to the persisted audit log.
type auditTrail struct {
	state statestore.Store

	mu      sync.Mutex
	entries []auditEntry
}

type auditEntry struct {
	Type       schema.EventType `json:"type"`
	RecordedAt time.Time        `json:"recorded_at"`
	Payload    any              `json:"payload"`
}

func newAuditTrail(ctx context.Context, state statestore.Store) (*auditTrail, error) {
	a := new(auditTrail)
	a.state = state
	rec, err := state.Load(ctx, statestore.KeyOrdersAudit)
	switch {
	case errs.CodeOf(err) == errs.CodeNotFound:
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(rec.Data, &a.entries); err != nil {
			return nil, fmt.Errorf("decode order audit: %w", err)
		}
	}
	return a, nil
}

func (a *auditTrail) Record(ctx context.Context, evt *schema.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{
		Type:       evt.Type,
		RecordedAt: time.Now().UTC(),
		Payload:    evt.Payload,
	})
	raw, err := json.Marshal(a.entries)
	if err != nil {
		return err
	}
	_, err = a.state.Save(ctx, statestore.KeyOrdersAudit, raw)
	return err
}
