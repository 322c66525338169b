package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hskwon/stampede/internal/models"
)

func init() {
	Register("momentum", func(p Params) Strategy { return NewMomentum(p) })
}

// Momentum is the reference strategy: enter on intraday price momentum with
// strong relative volume, exit on fixed stop-loss and take-profit bands or
// after a maximum holding period.
type Momentum struct {
	minChangePct  float64 // entry threshold on the change_pct indicator
	stopLossPct   float64
	takeProfitPct float64
	maxHold       time.Duration
}

// NewMomentum builds the strategy from its parameter block. Unset
// parameters fall back to conservative defaults.
func NewMomentum(p Params) *Momentum {
	return &Momentum{
		minChangePct:  p.Get("min_change_pct", 2.0),
		stopLossPct:   p.Get("stop_loss_pct", 2.0),
		takeProfitPct: p.Get("take_profit_pct", 5.0),
		maxHold:       time.Duration(p.Get("max_hold_minutes", 120)) * time.Minute,
	}
}

var _ Strategy = (*Momentum)(nil)

func (m *Momentum) Name() string { return "momentum" }

// Score is the candidate's intraday change, scaled so a move at twice the
// entry threshold saturates at 1.
func (m *Momentum) Score(c models.Candidate) float64 {
	change := c.Indicators["change_pct"]
	if change <= 0 {
		return 0
	}
	score := change / (2 * m.minChangePct)
	if score > 1 {
		score = 1
	}
	return score
}

func (m *Momentum) ShouldBuy(c models.Candidate, sctx Context) *BuySignal {
	change := c.Indicators["change_pct"]
	if change < m.minChangePct {
		return nil
	}
	return &BuySignal{
		Confidence: m.Score(c),
		Reason:     "MOMENTUM_ENTRY",
	}
}

func (m *Momentum) ShouldSell(symbol string, pos models.Position, price decimal.Decimal, sctx Context) *SellSignal {
	if pos.NetQty <= 0 || pos.AvgCost.IsZero() {
		return nil
	}
	changePct, _ := price.Sub(pos.AvgCost).
		Div(pos.AvgCost).
		Mul(decimal.NewFromInt(100)).
		Float64()

	switch {
	case changePct <= -m.stopLossPct:
		return &SellSignal{Confidence: 1, Reason: ReasonStopLoss}
	case changePct >= m.takeProfitPct:
		return &SellSignal{Confidence: 1, Reason: ReasonTakeProfit}
	case !sctx.HeldSince.IsZero() && sctx.Now.Sub(sctx.HeldSince) >= m.maxHold:
		return &SellSignal{Confidence: 1, Reason: ReasonTimeExit}
	}
	return nil
}
