// Package telemetry registers the engine's OpenTelemetry metric instruments.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "riptide.engine"

// Metrics bundles the counters shared across pipeline stages. A nil *Metrics
// is safe to use; every recorder is a no-op in that case.
type Metrics struct {
	busDropped     metric.Int64Counter
	busFailures    metric.Int64Counter
	taskRestarts   metric.Int64Counter
	candles        metric.Int64Counter
	signals        metric.Int64Counter
	riskRejections metric.Int64Counter
	ordersPlaced   metric.Int64Counter
}

// New creates the instrument set on the global meter provider.
func New() *Metrics {
	meter := otel.Meter(meterName)
	m := new(Metrics)
	m.busDropped, _ = meter.Int64Counter("riptide_bus_dropped_events",
		metric.WithDescription("Events discarded by overflowing subscriber queues"),
		metric.WithUnit("{event}"))
	m.busFailures, _ = meter.Int64Counter("riptide_bus_handler_failures",
		metric.WithDescription("Handler invocations that returned an error or panicked"),
		metric.WithUnit("{event}"))
	m.taskRestarts, _ = meter.Int64Counter("riptide_task_restarts",
		metric.WithDescription("Supervised task restarts"),
		metric.WithUnit("{restart}"))
	m.candles, _ = meter.Int64Counter("riptide_candles_ingested",
		metric.WithDescription("Candles published by the ingress manager"),
		metric.WithUnit("{candle}"))
	m.signals, _ = meter.Int64Counter("riptide_signals_generated",
		metric.WithDescription("Signals emitted by the strategy layer"),
		metric.WithUnit("{signal}"))
	m.riskRejections, _ = meter.Int64Counter("riptide_risk_rejections",
		metric.WithDescription("Signals rejected by the risk validator, by reason"),
		metric.WithUnit("{signal}"))
	m.ordersPlaced, _ = meter.Int64Counter("riptide_orders_placed",
		metric.WithDescription("Orders acknowledged by the gateway"),
		metric.WithUnit("{order}"))
	return m
}

// BusDropped counts one back-pressure drop for the given subscriber.
func (m *Metrics) BusDropped(subscriber string, eventType string) {
	if m == nil {
		return
	}
	m.add(m.busDropped, attribute.String("subscriber", subscriber), attribute.String("event_type", eventType))
}

// BusHandlerFailure counts one failed handler invocation.
func (m *Metrics) BusHandlerFailure(subscriber string, eventType string) {
	if m == nil {
		return
	}
	m.add(m.busFailures, attribute.String("subscriber", subscriber), attribute.String("event_type", eventType))
}

// TaskRestart counts one supervised task restart.
func (m *Metrics) TaskRestart(task string, final bool) {
	if m == nil {
		return
	}
	m.add(m.taskRestarts, attribute.String("task", task), attribute.Bool("final", final))
}

// CandleIngested counts one published candle.
func (m *Metrics) CandleIngested(symbol, timeframe, origin string) {
	if m == nil {
		return
	}
	m.add(m.candles,
		attribute.String("symbol", symbol),
		attribute.String("timeframe", timeframe),
		attribute.String("origin", origin))
}

// SignalGenerated counts one strategy signal.
func (m *Metrics) SignalGenerated(strategy string) {
	if m == nil {
		return
	}
	m.add(m.signals, attribute.String("strategy", strategy))
}

// RiskRejected counts one risk rejection by reason code.
func (m *Metrics) RiskRejected(reason string) {
	if m == nil {
		return
	}
	m.add(m.riskRejections, attribute.String("reason", reason))
}

// OrderPlaced counts one acknowledged order.
func (m *Metrics) OrderPlaced(symbol string) {
	if m == nil {
		return
	}
	m.add(m.ordersPlaced, attribute.String("symbol", symbol))
}

func (m *Metrics) add(counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
