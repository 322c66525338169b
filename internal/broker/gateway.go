package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/traderr"
)

// GatewayConfig configures the REST adapter.
type GatewayConfig struct {
	AppKey     string
	AppSecret  string
	AccountID  string
	BaseURL    string // REST base, selected by trading mode
	StreamURL  string // WebSocket endpoint
	RPCTimeout time.Duration
	MaxRetries int
	RateLimit  float64 // requests per second shared across all tasks
}

// Gateway is the concrete brokerage REST adapter. It owns authentication and
// token refresh, retries transient failures with backoff, and gates every
// request through a shared token bucket. One authenticated session exists
// per worker.
type Gateway struct {
	cfg     GatewayConfig
	http    *resty.Client
	limiter *rate.Limiter
	logger  *logrus.Logger

	tokenMu sync.Mutex
	token   *Token

	stream *stream
}

// NewGateway creates a REST adapter. Stream connections are lazy: nothing is
// dialed until the first Subscribe call.
func NewGateway(cfg GatewayConfig, logger *logrus.Logger) *Gateway {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RPCTimeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	g := &Gateway{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)),
		logger:  logger,
	}
	g.stream = newStream(cfg.StreamURL, g.bearer, logger)
	return g
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Authenticate fetches a fresh bearer token.
func (g *Gateway) Authenticate(ctx context.Context) (*Token, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body tokenResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"app_key":    g.cfg.AppKey,
			"app_secret": g.cfg.AppSecret,
		}).
		SetResult(&body).
		Post("/oauth2/token")
	if err != nil {
		return nil, &traderr.TransientBrokerError{Op: "authenticate", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &traderr.AuthError{Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	tok := &Token{
		Value:     body.AccessToken,
		ExpiresAt: time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	g.tokenMu.Lock()
	g.token = tok
	g.tokenMu.Unlock()
	return tok, nil
}

// bearer returns a valid token value, refreshing when within a minute of
// expiry. This is how 401-retry stays hidden from callers.
func (g *Gateway) bearer(ctx context.Context) (string, error) {
	g.tokenMu.Lock()
	tok := g.token
	g.tokenMu.Unlock()

	if tok != nil && time.Until(tok.ExpiresAt) > time.Minute {
		return tok.Value, nil
	}
	fresh, err := g.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	return fresh.Value, nil
}

// call runs one authenticated request through the rate limiter and maps
// failures onto the shared taxonomy.
func (g *Gateway) call(ctx context.Context, op string, build func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := g.bearer(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := build(g.http.R().SetContext(ctx).SetAuthToken(token))
	if err != nil {
		return nil, &traderr.TransientBrokerError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		// Token revoked server-side; refresh once and replay.
		g.tokenMu.Lock()
		g.token = nil
		g.tokenMu.Unlock()
		token, err = g.bearer(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = build(g.http.R().SetContext(ctx).SetAuthToken(token))
		if err != nil {
			return nil, &traderr.TransientBrokerError{Op: op, Err: err}
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			return nil, &traderr.AuthError{Err: fmt.Errorf("%s: still unauthorized after refresh", op)}
		}
	case resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests:
		return nil, &traderr.TransientBrokerError{
			Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	return resp, nil
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlaceOrder submits an order. The idempotency key travels as the broker's
// client order id, so a timed-out request can be retried without a
// duplicate.
func (g *Gateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	payload := map[string]any{
		"account_id":      req.AccountID,
		"client_order_id": req.IdempotencyKey,
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"order_type":      string(req.Type),
		"qty":             req.Qty,
	}
	if req.Price.Valid {
		payload["price"] = req.Price.Decimal.StringFixed(models.PricePrecision)
	}

	var body placeOrderResponse
	resp, err := g.call(ctx, "place_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(payload).SetResult(&body).SetError(&body).Post("/v1/orders")
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode() >= 400 {
		return "", &traderr.BrokerRejectError{Code: body.Code, Reason: body.Message}
	}
	return body.OrderID, nil
}

// CancelOrder asks the broker to cancel. True means the cancel was accepted,
// not that the order is already canceled.
func (g *Gateway) CancelOrder(ctx context.Context, brokerOrderID, accountID string) (bool, error) {
	resp, err := g.call(ctx, "cancel_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("account_id", accountID).
			Delete("/v1/orders/" + brokerOrderID)
	})
	if err != nil {
		return false, err
	}
	return resp.StatusCode() < 400, nil
}

type wireOrder struct {
	OrderID      string `json:"order_id"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Status       string `json:"status"`
	Qty          int64  `json:"qty"`
	FilledQty    int64  `json:"filled_qty"`
	AvgFillPrice string `json:"avg_fill_price"`
	CreatedAt    string `json:"created_at"`
}

// GetOrders lists the account's orders as the broker sees them.
func (g *Gateway) GetOrders(ctx context.Context, accountID string) ([]Order, error) {
	var body struct {
		Orders []wireOrder `json:"orders"`
	}
	_, err := g.call(ctx, "get_orders", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&body).Get("/v1/accounts/" + accountID + "/orders")
	})
	if err != nil {
		return nil, err
	}

	out := make([]Order, 0, len(body.Orders))
	for _, w := range body.Orders {
		avg, perr := decimal.NewFromString(w.AvgFillPrice)
		if perr != nil {
			avg = decimal.Zero
		}
		created, _ := time.Parse(time.RFC3339, w.CreatedAt)
		out = append(out, Order{
			BrokerOrderID: w.OrderID,
			Symbol:        w.Symbol,
			Side:          models.Side(w.Side),
			Status:        w.Status,
			Qty:           w.Qty,
			FilledQty:     w.FilledQty,
			AvgFillPrice:  avg,
			CreatedAt:     created,
		})
	}
	return out, nil
}

// GetCash returns the account's available cash.
func (g *Gateway) GetCash(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var body struct {
		Cash string `json:"cash"`
	}
	_, err := g.call(ctx, "get_cash", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&body).Get("/v1/accounts/" + accountID + "/cash")
	})
	if err != nil {
		return decimal.Zero, err
	}
	cash, perr := decimal.NewFromString(body.Cash)
	if perr != nil {
		return decimal.Zero, fmt.Errorf("parsing cash %q: %w", body.Cash, perr)
	}
	return cash, nil
}

// GetPositions returns the account's holdings. The broker view is
// authoritative; reconciliation overwrites any divergent local view.
func (g *Gateway) GetPositions(ctx context.Context, accountID string) ([]Position, error) {
	var body struct {
		Positions []struct {
			Symbol   string `json:"symbol"`
			Qty      int64  `json:"qty"`
			AvgPrice string `json:"avg_price"`
		} `json:"positions"`
	}
	_, err := g.call(ctx, "get_positions", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&body).Get("/v1/accounts/" + accountID + "/positions")
	})
	if err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(body.Positions))
	for _, p := range body.Positions {
		avg, perr := decimal.NewFromString(p.AvgPrice)
		if perr != nil {
			avg = decimal.Zero
		}
		out = append(out, Position{Symbol: p.Symbol, Qty: p.Qty, AvgPrice: avg})
	}
	return out, nil
}

// GetQuotes fetches spot quotes for up to a universe of symbols.
func (g *Gateway) GetQuotes(ctx context.Context, symbols []string) ([]Quote, error) {
	var body struct {
		Quotes []struct {
			Symbol    string  `json:"symbol"`
			Last      string  `json:"last"`
			Volume    int64   `json:"volume"`
			Turnover  string  `json:"turnover"`
			ChangePct float64 `json:"change_pct"`
			Time      string  `json:"time"`
		} `json:"quotes"`
	}
	_, err := g.call(ctx, "get_quotes", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("symbols", strings.Join(symbols, ",")).
			SetResult(&body).Get("/v1/quotes")
	})
	if err != nil {
		return nil, err
	}

	out := make([]Quote, 0, len(body.Quotes))
	for _, q := range body.Quotes {
		last, perr := decimal.NewFromString(q.Last)
		if perr != nil {
			continue
		}
		turnover, perr := decimal.NewFromString(q.Turnover)
		if perr != nil {
			turnover = decimal.Zero
		}
		ts, _ := time.Parse(time.RFC3339, q.Time)
		out = append(out, Quote{
			Symbol: q.Symbol, Last: last, Volume: q.Volume,
			Turnover: turnover, ChangePct: q.ChangePct, Time: ts,
		})
	}
	return out, nil
}

// SubscribeQuotes registers a quote stream callback.
func (g *Gateway) SubscribeQuotes(symbols []string, cb QuoteHandler) error {
	return g.stream.subscribeQuotes(symbols, cb)
}

// SubscribeExecutions registers an execution stream callback.
func (g *Gateway) SubscribeExecutions(cb ExecutionHandler) error {
	return g.stream.subscribeExecutions(cb)
}

// Close tears down the stream connection.
func (g *Gateway) Close() error {
	g.stream.close()
	return nil
}
