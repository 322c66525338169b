// Package strategy isolates trading logic behind a narrow interface so the
// rest of the runtime stays strategy-agnostic. The Executor is the only
// entry point the orchestrator uses; it enforces the confidence gate and
// guarantees every emitted signal carries an audit reason.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/models"
)

// SellReason is the audited cause of an exit.
type SellReason string

const (
	ReasonStopLoss   SellReason = "STOP_LOSS"
	ReasonTakeProfit SellReason = "TAKE_PROFIT"
	ReasonTrendBreak SellReason = "TREND_BREAK"
	ReasonTimeExit   SellReason = "TIME_EXIT"
	ReasonForced     SellReason = "FORCED"
)

// Valid reports whether r is a recognized exit reason.
func (r SellReason) Valid() bool {
	switch r {
	case ReasonStopLoss, ReasonTakeProfit, ReasonTrendBreak, ReasonTimeExit, ReasonForced:
		return true
	}
	return false
}

// BuySignal is an entry intent. Qty 0 lets the caller size the position;
// Price unset means market execution.
type BuySignal struct {
	Confidence float64
	Qty        int64
	Price      decimal.NullDecimal
	Reason     string
}

// SellSignal is an exit intent. Price unset means market execution.
type SellSignal struct {
	Confidence float64
	Price      decimal.NullDecimal
	Reason     SellReason
}

// Context carries the ambient facts a strategy may consult.
type Context struct {
	Now       time.Time
	Cash      decimal.Decimal
	HeldSince time.Time // zero unless evaluating an open position
}

// Strategy is the pluggable trading logic contract.
type Strategy interface {
	Name() string

	// Score ranks a candidate; higher is better. Used by the poller to
	// order discovery results.
	Score(c models.Candidate) float64

	ShouldBuy(c models.Candidate, sctx Context) *BuySignal
	ShouldSell(symbol string, pos models.Position, price decimal.Decimal, sctx Context) *SellSignal
}

// Executor dispatches to one Strategy and enforces the signal contract: a
// non-nil result has confidence at or above the configured minimum and a
// non-empty reason.
type Executor struct {
	strategy      Strategy
	minConfidence float64
	logger        *logrus.Logger
}

// NewExecutor wires a strategy behind the confidence gate.
func NewExecutor(s Strategy, minConfidence float64, logger *logrus.Logger) *Executor {
	return &Executor{strategy: s, minConfidence: minConfidence, logger: logger}
}

// Name returns the wrapped strategy's name.
func (e *Executor) Name() string { return e.strategy.Name() }

// Score ranks a candidate via the wrapped strategy.
func (e *Executor) Score(c models.Candidate) float64 { return e.strategy.Score(c) }

// ShouldBuy returns an entry signal, or nil when the strategy declines or
// the signal fails the confidence gate.
func (e *Executor) ShouldBuy(c models.Candidate, sctx Context) *BuySignal {
	sig := e.strategy.ShouldBuy(c, sctx)
	if sig == nil {
		return nil
	}
	if sig.Confidence < e.minConfidence {
		e.logger.WithFields(logrus.Fields{
			"symbol":     c.Symbol,
			"confidence": sig.Confidence,
			"minimum":    e.minConfidence,
		}).Debug("buy signal below confidence gate")
		return nil
	}
	if sig.Reason == "" {
		sig.Reason = e.strategy.Name()
	}
	return sig
}

// ShouldSell returns an exit signal, or nil to keep holding. A signal with
// an unrecognized reason is dropped rather than acted on.
func (e *Executor) ShouldSell(symbol string, pos models.Position, price decimal.Decimal, sctx Context) *SellSignal {
	sig := e.strategy.ShouldSell(symbol, pos, price, sctx)
	if sig == nil {
		return nil
	}
	if !sig.Reason.Valid() {
		e.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"reason": sig.Reason,
		}).Warn("sell signal with unknown reason dropped")
		return nil
	}
	return sig
}

// factories maps registered strategy names to constructors.
var factories = map[string]func(Params) Strategy{}

// Params is the opaque strategy-specific configuration block.
type Params map[string]float64

// Get returns the named parameter or def when absent.
func (p Params) Get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Register makes a strategy constructor available to New. Call from init.
func Register(name string, factory func(Params) Strategy) {
	factories[name] = factory
}

// New builds the named strategy, or errors listing what is registered.
func New(name string, params Params) (Strategy, error) {
	factory, ok := factories[name]
	if !ok {
		names := make([]string, 0, len(factories))
		for n := range factories {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", name, names)
	}
	return factory(params), nil
}
