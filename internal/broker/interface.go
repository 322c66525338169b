// Package broker defines the brokerage port consumed by the core services
// and the adapters that implement it. The broker is the source of truth for
// positions and fills; local state is a cache reconciled against it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Broker is the abstract brokerage contract.
type Broker interface {
	// Authenticate returns a bearer token. The adapter owns refresh and
	// hides 401-retry from callers.
	Authenticate(ctx context.Context) (*Token, error)

	// PlaceOrder submits an order and returns the broker-assigned id.
	// Placement is idempotent with respect to req.IdempotencyKey.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// CancelOrder returns true iff the broker accepted the cancel request;
	// acceptance does not mean the order is already canceled.
	CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error)

	GetOrders(ctx context.Context, accountID string) ([]Order, error)
	GetCash(ctx context.Context, accountID string) (decimal.Decimal, error)
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
	GetQuotes(ctx context.Context, symbols []string) ([]Quote, error)

	// SubscribeQuotes and SubscribeExecutions register stream callbacks.
	// The adapter reconnects with backoff and re-subscribes previously
	// registered symbols after a drop.
	SubscribeQuotes(symbols []string, cb QuoteHandler) error
	SubscribeExecutions(cb ExecutionHandler) error

	Close() error
}

// Ensure the adapters implement Broker at compile time.
var (
	_ Broker = (*Gateway)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// CircuitBreakerBroker wraps a Broker so a misbehaving brokerage API trips
// open instead of burning the retry budget of every service at once.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // requests allowed when half-open
	Interval     time.Duration // counter reset interval
	Timeout      time.Duration // open-state duration
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64
}

// NewCircuitBreakerBroker wraps broker with sensible defaults.
func NewCircuitBreakerBroker(b Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"breaker": name, "from": from.String(), "to": to.String(),
				}).Warn("circuit breaker state changed")
			}
		},
	}
	return &CircuitBreakerBroker{broker: b, breaker: gobreaker.NewCircuitBreaker(gbSettings)}
}

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, b Broker, fn func(Broker) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(b) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

func (c *CircuitBreakerBroker) Authenticate(ctx context.Context) (*Token, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*Token, error) { return b.Authenticate(ctx) })
}

func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (string, error) { return b.PlaceOrder(ctx, req) })
}

func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (bool, error) {
		return b.CancelOrder(ctx, brokerOrderID, accountID)
	})
}

func (c *CircuitBreakerBroker) GetOrders(ctx context.Context, accountID string) ([]Order, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]Order, error) { return b.GetOrders(ctx, accountID) })
}

func (c *CircuitBreakerBroker) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (decimal.Decimal, error) { return b.GetCash(ctx, accountID) })
}

func (c *CircuitBreakerBroker) GetPositions(ctx context.Context, accountID string) ([]Position, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]Position, error) { return b.GetPositions(ctx, accountID) })
}

func (c *CircuitBreakerBroker) GetQuotes(ctx context.Context, symbols []string) ([]Quote, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]Quote, error) { return b.GetQuotes(ctx, symbols) })
}

// Stream registration is not a request/response call; it passes through.
func (c *CircuitBreakerBroker) SubscribeQuotes(symbols []string, cb QuoteHandler) error {
	return c.broker.SubscribeQuotes(symbols, cb)
}

func (c *CircuitBreakerBroker) SubscribeExecutions(cb ExecutionHandler) error {
	return c.broker.SubscribeExecutions(cb)
}

func (c *CircuitBreakerBroker) Close() error { return c.broker.Close() }
