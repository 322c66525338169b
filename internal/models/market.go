package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candidate is the ephemeral result of one poll: a symbol that passed the
// coarse filters and was scored for possible entry. Candidates are not
// persisted.
type Candidate struct {
	Symbol     string
	Price      decimal.Decimal
	Volume     int64
	Score      float64
	Indicators map[string]float64
	ScannedAt  time.Time
}

// Position is the per-symbol net derived from fills. AvgCost is the
// weighted average over the remaining open lots.
type Position struct {
	Symbol  string
	NetQty  int64
	AvgCost decimal.Decimal
}

// MarketValue returns the position's value at the given price.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.NetQty))
}

// DailySummary is the per-worker per-date performance rollup. Regenerating
// the same day overwrites the row.
type DailySummary struct {
	WorkerID      string
	SummaryDate   string // YYYY-MM-DD
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	GrossProfit   decimal.Decimal
	GrossLoss     decimal.Decimal // stored as a non-negative magnitude
	NetPnL        decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MaxDrawdown   decimal.Decimal
	WinRate       float64
	ProfitFactor  float64 // +Inf when gross loss is zero and profit positive
}
