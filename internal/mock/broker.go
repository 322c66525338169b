// Package mock provides deterministic test doubles for the broker port.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hskwon/stampede/internal/broker"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/traderr"
)

// Broker is an in-memory broker with scripted quotes, an idempotency map for
// placements, and manual fill injection. All methods are goroutine-safe.
type Broker struct {
	mu sync.Mutex

	Cash      decimal.Decimal
	Quotes    map[string]broker.Quote
	Positions []broker.Position
	Orders    map[string]*broker.Order // keyed by broker order id

	clientOrderMap map[string]string // idempotency key -> broker order id
	nextOrderID    int

	execCb  broker.ExecutionHandler
	quoteCb broker.QuoteHandler

	// Failure injection. PlaceErr is consumed one call at a time so tests
	// can script a timeout followed by a successful retry.
	PlaceErrs   []error
	CancelOK    bool
	FailQuotes  error
	PlaceCalls  int
	CancelCalls int
}

// NewBroker creates an empty mock broker with accepted cancels by default.
func NewBroker() *Broker {
	return &Broker{
		Cash:           decimal.NewFromInt(1_000_000),
		Quotes:         make(map[string]broker.Quote),
		Orders:         make(map[string]*broker.Order),
		clientOrderMap: make(map[string]string),
		CancelOK:       true,
	}
}

var _ broker.Broker = (*Broker)(nil)

func (m *Broker) Authenticate(context.Context) (*broker.Token, error) {
	return &broker.Token{Value: "mock-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// PlaceOrder records the order, honoring the idempotency key: a repeated key
// returns the original broker order id without creating a second order.
func (m *Broker) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PlaceCalls++
	if len(m.PlaceErrs) > 0 {
		err := m.PlaceErrs[0]
		m.PlaceErrs = m.PlaceErrs[1:]
		if err != nil {
			return "", err
		}
	}

	if existing, ok := m.clientOrderMap[req.IdempotencyKey]; ok {
		return existing, nil
	}

	m.nextOrderID++
	id := fmt.Sprintf("BO%d", m.nextOrderID)
	m.Orders[id] = &broker.Order{
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        "open",
		Qty:           req.Qty,
		CreatedAt:     time.Now().UTC(),
	}
	m.clientOrderMap[req.IdempotencyKey] = id
	return id, nil
}

func (m *Broker) CancelOrder(_ context.Context, brokerOrderID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	if !m.CancelOK {
		return false, nil
	}
	if o, ok := m.Orders[brokerOrderID]; ok && o.Open() {
		o.Status = "canceled"
	}
	return true, nil
}

func (m *Broker) GetOrders(context.Context, string) ([]broker.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broker.Order, 0, len(m.Orders))
	for _, o := range m.Orders {
		out = append(out, *o)
	}
	return out, nil
}

func (m *Broker) GetCash(context.Context, string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Cash, nil
}

func (m *Broker) GetPositions(context.Context, string) ([]broker.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]broker.Position(nil), m.Positions...), nil
}

func (m *Broker) GetQuotes(_ context.Context, symbols []string) ([]broker.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailQuotes != nil {
		return nil, m.FailQuotes
	}
	out := make([]broker.Quote, 0, len(symbols))
	for _, s := range symbols {
		if q, ok := m.Quotes[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *Broker) SubscribeQuotes(_ []string, cb broker.QuoteHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteCb = cb
	return nil
}

func (m *Broker) SubscribeExecutions(cb broker.ExecutionHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCb = cb
	return nil
}

func (m *Broker) Close() error { return nil }

// SetQuote scripts a quote for a symbol.
func (m *Broker) SetQuote(symbol string, last decimal.Decimal, volume int64, changePct float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Quotes[symbol] = broker.Quote{
		Symbol:    symbol,
		Last:      last,
		Volume:    volume,
		Turnover:  last.Mul(decimal.NewFromInt(volume)),
		ChangePct: changePct,
		Time:      at,
	}
}

// Fill marks the broker-side order (partially) filled and pushes an
// execution to the subscribed consumer, exactly as the stream would.
func (m *Broker) Fill(brokerFillID, brokerOrderID string, qty int64, price decimal.Decimal, at time.Time) {
	m.mu.Lock()
	o, ok := m.Orders[brokerOrderID]
	var exec broker.Execution
	if ok {
		o.FilledQty += qty
		o.AvgFillPrice = price
		if o.FilledQty >= o.Qty {
			o.Status = "filled"
		} else {
			o.Status = "partial"
		}
		exec = broker.Execution{
			BrokerFillID:  brokerFillID,
			BrokerOrderID: brokerOrderID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Qty:           qty,
			Price:         price,
			FillTime:      at,
		}
	}
	cb := m.execCb
	m.mu.Unlock()

	if ok && cb != nil {
		cb(exec)
	}
}

// Transient returns a transient broker error for failure scripting.
func Transient(op string) error {
	return &traderr.TransientBrokerError{Op: op, Err: context.DeadlineExceeded}
}

// MarketBuy is a convenience OrderRequest builder.
func MarketBuy(key, account, symbol string, qty int64) broker.OrderRequest {
	return broker.OrderRequest{
		IdempotencyKey: key,
		AccountID:      account,
		Symbol:         symbol,
		Side:           models.SideBuy,
		Type:           models.OrderTypeMarket,
		Qty:            qty,
	}
}
