package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hskwon/stampede/internal/models"
)

// Token is a bearer credential returned by Authenticate. The port refreshes
// it transparently; callers only see it for diagnostics.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// OrderRequest is the placement payload. IdempotencyKey guarantees
// at-most-one placement at the broker: retrying a timed-out request with the
// same key must not duplicate the order.
type OrderRequest struct {
	IdempotencyKey string
	AccountID      string
	Symbol         string
	Side           models.Side
	Type           models.OrderType
	Qty            int64
	Price          decimal.NullDecimal // set iff Type is LIMIT
}

// Order is an order-shaped record as the broker reports it.
type Order struct {
	BrokerOrderID string
	Symbol        string
	Side          models.Side
	Status        string
	Qty           int64
	FilledQty     int64
	AvgFillPrice  decimal.Decimal
	CreatedAt     time.Time
}

// Open reports whether the broker still considers the order working.
func (o Order) Open() bool {
	switch o.Status {
	case "filled", "canceled", "rejected", "expired":
		return false
	default:
		return true
	}
}

// Position is a broker-side holding.
type Position struct {
	Symbol   string
	Qty      int64
	AvgPrice decimal.Decimal
}

// Quote is a market data snapshot for one symbol. ChangePct is the move
// from the previous close in percent, as reported by the venue.
type Quote struct {
	Symbol    string
	Last      decimal.Decimal
	Volume    int64
	Turnover  decimal.Decimal
	ChangePct float64
	Time      time.Time
}

// Execution is a single fill report from the execution stream.
// BrokerFillID is unique per execution and is the dedup key downstream.
type Execution struct {
	BrokerFillID  string
	BrokerOrderID string
	Symbol        string
	Side          models.Side
	Qty           int64
	Price         decimal.Decimal
	FillTime      time.Time
}

// QuoteHandler and ExecutionHandler are single-threaded cooperative
// callbacks. They must not block; hand the payload to a channel and return.
type (
	QuoteHandler     func(Quote)
	ExecutionHandler func(Execution)
)
