// Package models provides the data structures and state machines shared by
// the trading services.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects market or limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderSent     OrderStatus = "SENT"
	OrderPartial  OrderStatus = "PARTIAL"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
)

// MaxIdempotencyKeyLen bounds the caller-supplied idempotency key.
const MaxIdempotencyKeyLen = 200

// PricePrecision is the number of fractional digits carried by prices and PnL.
const PricePrecision = 4

// Order is a requested trade. Rows are created by the order service and
// mutated only by it; they are never deleted.
type Order struct {
	ID             string
	BrokerOrderID  string
	IdempotencyKey string
	WorkerID       string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            int64
	Price          decimal.NullDecimal // set iff Type == OrderTypeLimit
	Status         OrderStatus
	FilledQty      int64
	AvgFillPrice   decimal.Decimal
	Reason         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// orderTransitions enumerates the legal order status transitions.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderSent, OrderRejected},
	OrderSent:    {OrderPartial, OrderFilled, OrderCanceled, OrderRejected},
	OrderPartial: {OrderPartial, OrderFilled, OrderCanceled},
}

// ValidOrderTransition reports whether an order may move from one status to
// another. Terminal statuses admit nothing; PARTIAL may repeat as more fills
// arrive.
func ValidOrderTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks the order's static invariants.
func (o *Order) Validate() error {
	if o.Qty <= 0 {
		return fmt.Errorf("order %s: qty must be positive, got %d", o.ID, o.Qty)
	}
	if o.FilledQty > o.Qty {
		return fmt.Errorf("order %s: filled qty %d exceeds qty %d", o.ID, o.FilledQty, o.Qty)
	}
	if o.Type == OrderTypeLimit && !o.Price.Valid {
		return fmt.Errorf("order %s: limit order requires a price", o.ID)
	}
	if o.Type == OrderTypeMarket && o.Price.Valid {
		return fmt.Errorf("order %s: market order must not carry a price", o.ID)
	}
	if o.IdempotencyKey == "" || len(o.IdempotencyKey) > MaxIdempotencyKeyLen {
		return fmt.Errorf("order %s: idempotency key must be 1..%d chars", o.ID, MaxIdempotencyKeyLen)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("order %s: unknown side %q", o.ID, o.Side)
	}
	return nil
}

// Fill is a single execution report. Fills are append-only.
type Fill struct {
	ID           string
	BrokerFillID string
	OrderID      string
	Symbol       string
	Side         Side
	Qty          int64
	Price        decimal.Decimal
	FillTime     time.Time
}
