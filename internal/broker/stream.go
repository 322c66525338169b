package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/models"
)

// stream maintains one WebSocket per worker, reconnecting indefinitely with
// jittered backoff and re-subscribing previously registered symbols after a
// drop. Callbacks run on the read loop goroutine and must not block.
type stream struct {
	url    string
	bearer func(context.Context) (string, error)
	logger *logrus.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols []string
	quoteCb QuoteHandler
	execCb  ExecutionHandler
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newStream(url string, bearer func(context.Context) (string, error), logger *logrus.Logger) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{url: url, bearer: bearer, logger: logger, ctx: ctx, cancel: cancel}
}

func (s *stream) subscribeQuotes(symbols []string, cb QuoteHandler) error {
	s.mu.Lock()
	s.symbols = append(s.symbols, symbols...)
	s.quoteCb = cb
	s.mu.Unlock()
	s.ensureStarted()
	return s.sendSubscribe(symbols)
}

func (s *stream) subscribeExecutions(cb ExecutionHandler) error {
	s.mu.Lock()
	s.execCb = cb
	s.mu.Unlock()
	s.ensureStarted()
	return nil
}

func (s *stream) ensureStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.runLoop()
}

func (s *stream) close() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *stream) runLoop() {
	defer s.wg.Done()

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			wait := b.Duration()
			s.logger.WithError(err).WithField("wait", wait).Warn("stream connect failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		s.readUntilDrop()
	}
}

func (s *stream) connect() error {
	token, err := s.bearer(s.ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(s.ctx, s.url+"?token="+token, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	symbols := append([]string(nil), s.symbols...)
	s.mu.Unlock()

	// Replay subscriptions registered before the (re)connect.
	if len(symbols) > 0 {
		if err := s.sendSubscribe(symbols); err != nil {
			_ = conn.Close()
			return err
		}
	}
	return nil
}

func (s *stream) sendSubscribe(symbols []string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || len(symbols) == 0 {
		return nil // queued; sent on connect
	}
	return conn.WriteJSON(map[string]any{"op": "subscribe", "channel": "quotes", "symbols": symbols})
}

type streamFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wireQuote struct {
	Symbol    string  `json:"symbol"`
	Last      string  `json:"last"`
	Volume    int64   `json:"volume"`
	Turnover  string  `json:"turnover"`
	ChangePct float64 `json:"change_pct"`
	Time      string  `json:"time"`
}

type wireExecution struct {
	FillID   string `json:"fill_id"`
	OrderID  string `json:"order_id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Qty      int64  `json:"qty"`
	Price    string `json:"price"`
	FillTime string `json:"fill_time"`
}

func (s *stream) readUntilDrop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.logger.WithError(err).Warn("stream read error, reconnecting")
			_ = conn.Close()
			return
		}
		s.dispatch(frame)
	}
}

func (s *stream) dispatch(frame streamFrame) {
	s.mu.Lock()
	quoteCb := s.quoteCb
	execCb := s.execCb
	s.mu.Unlock()

	switch frame.Channel {
	case "quotes":
		if quoteCb == nil {
			return
		}
		var w wireQuote
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			s.logger.WithError(err).Warn("bad quote frame")
			return
		}
		last, err := decimal.NewFromString(w.Last)
		if err != nil {
			return
		}
		turnover, err := decimal.NewFromString(w.Turnover)
		if err != nil {
			turnover = decimal.Zero
		}
		ts, _ := time.Parse(time.RFC3339, w.Time)
		quoteCb(Quote{
			Symbol: w.Symbol, Last: last, Volume: w.Volume,
			Turnover: turnover, ChangePct: w.ChangePct, Time: ts,
		})

	case "executions":
		if execCb == nil {
			return
		}
		var w wireExecution
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			s.logger.WithError(err).Warn("bad execution frame")
			return
		}
		price, err := decimal.NewFromString(w.Price)
		if err != nil {
			s.logger.WithField("fill_id", w.FillID).Warn("execution with bad price, dropping")
			return
		}
		ts, _ := time.Parse(time.RFC3339, w.FillTime)
		execCb(Execution{
			BrokerFillID:  w.FillID,
			BrokerOrderID: w.OrderID,
			Symbol:        w.Symbol,
			Side:          models.Side(w.Side),
			Qty:           w.Qty,
			Price:         price,
			FillTime:      ts,
		})
	}
}
