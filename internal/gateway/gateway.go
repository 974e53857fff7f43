// Package gateway defines the exchange capability contract the engine
// consumes and a paper implementation used for simulated trading and tests.
package gateway

import (
	"context"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/schema"
)

// Gateway is the abstract exchange surface. Implementations wrap a concrete
// exchange client; the engine never talks to an exchange SDK directly.
type Gateway interface {
	// WatchCandles yields the latest candle for the stream each tick. The
	// stream is infinite and not restartable; when it fails the channel is
	// closed and the caller reconnects by calling WatchCandles again.
	WatchCandles(ctx context.Context, key schema.StreamKey) (<-chan schema.Candle, error)

	// FetchOHLCV returns up to limit historical candles ordered by open
	// time ascending, used for warm-up.
	FetchOHLCV(ctx context.Context, key schema.StreamKey, limit int) ([]schema.Candle, error)

	// PlaceOrder submits the order. The client order id in the spec is the
	// idempotency key; resubmitting the same id must not double-execute.
	PlaceOrder(ctx context.Context, spec schema.OrderSpec) (schema.OrderAck, error)

	// CancelOrder cancels by client order id.
	CancelOrder(ctx context.Context, clientOrderID string) error

	// GetPosition returns the exchange-side position for the symbol.
	GetPosition(ctx context.Context, symbol schema.SymbolID) (schema.Position, error)

	// GetBalances returns account balances.
	GetBalances(ctx context.Context) ([]schema.Balance, error)
}

// FillStream is implemented by gateways that push fill notifications. Fills
// may arrive more than once for the same fill id; consumers deduplicate.
type FillStream interface {
	Fills() <-chan schema.FillPayload
}

// Error constructors keep the failure taxonomy uniform across gateway
// implementations.

// NetworkError wraps a transport failure; retryable.
func NetworkError(stage string, cause error) error {
	return errs.New(stage, errs.CodeNetwork, errs.WithCause(cause))
}

// RateLimited wraps an exchange throttle response; retryable with backoff.
func RateLimited(stage string, cause error) error {
	return errs.New(stage, errs.CodeRateLimited, errs.WithCause(cause))
}

// AuthError wraps a credential failure; fatal, never retried.
func AuthError(stage string, cause error) error {
	return errs.New(stage, errs.CodeAuth, errs.WithCause(cause))
}

// NotFound wraps a missing-entity response.
func NotFound(stage, what string) error {
	return errs.New(stage, errs.CodeNotFound, errs.WithMessage(what))
}

// RejectedByExchange wraps an order the exchange refused; not retryable.
func RejectedByExchange(stage, detail string) error {
	return errs.New(stage, errs.CodeExchange, errs.WithMessage(detail))
}
