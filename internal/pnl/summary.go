package pnl

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/models"
	"github.com/hskwon/stampede/internal/storage"
	"github.com/hskwon/stampede/internal/traderr"
)

// PriceFn resolves an end-of-day price for a symbol; ok=false leaves the
// symbol's unrealized contribution at zero.
type PriceFn func(symbol string) (decimal.Decimal, bool)

// SummaryService computes and persists the per-worker per-date rollup.
type SummaryService struct {
	store  storage.Store
	clock  clock.Clock
	logger *logrus.Logger
}

// NewSummaryService creates a summary service.
func NewSummaryService(store storage.Store, clk clock.Clock, logger *logrus.Logger) *SummaryService {
	return &SummaryService{store: store, clock: clk, logger: logger}
}

// GenerateSummary computes the rollup for the worker's fills on date and
// upserts the row. Idempotent: regenerating the same day overwrites.
func (s *SummaryService) GenerateSummary(ctx context.Context, workerID string, date time.Time, prices PriceFn) (*models.DailySummary, error) {
	summary, err := s.ComputeDay(ctx, workerID, date, prices)
	if err != nil {
		return nil, err
	}
	if err := s.upsert(ctx, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// ComputeDay derives the day's aggregates without persisting them. The
// daily-loss guard uses this to read realized PnL mid-session.
func (s *SummaryService) ComputeDay(ctx context.Context, workerID string, date time.Time, prices PriceFn) (*models.DailySummary, error) {
	fills, err := s.dayFills(ctx, workerID, date)
	if err != nil {
		return nil, err
	}
	return Compute(workerID, date, fills, prices), nil
}

// Compute derives the aggregates of a day's fills. A trade is a closed
// round trip: the interval from a symbol going long to its net quantity
// returning to zero. The drawdown is the maximum peak-to-trough decline of
// the running cumulative realized PnL curve.
func Compute(workerID string, date time.Time, fills []models.Fill, prices PriceFn) *models.DailySummary {
	// Stable so that fills sharing a second-resolution timestamp keep the
	// caller's ingest order.
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].FillTime.Before(fills[j].FillTime) })

	books := make(map[string]*LotBook)
	cycleRealized := make(map[string]decimal.Decimal)

	summary := &models.DailySummary{
		WorkerID:      workerID,
		SummaryDate:   date.UTC().Format("2006-01-02"),
		GrossProfit:   decimal.Zero,
		GrossLoss:     decimal.Zero,
		NetPnL:        decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		MaxDrawdown:   decimal.Zero,
	}

	cumulative := decimal.Zero
	peak := decimal.Zero
	maxDrawdown := decimal.Zero

	for _, f := range fills {
		book := books[f.Symbol]
		if book == nil {
			book = NewLotBook()
			books[f.Symbol] = book
		}

		contributed, err := book.Apply(f)
		if err != nil {
			// A sell without matching lots means the position predates
			// today's fills; it cannot be attributed to a round trip.
			continue
		}
		if f.Side != models.SideSell {
			continue
		}

		cycleRealized[f.Symbol] = cycleRealized[f.Symbol].Add(contributed)
		cumulative = cumulative.Add(contributed)
		if cumulative.GreaterThan(peak) {
			peak = cumulative
		}
		if dd := peak.Sub(cumulative); dd.GreaterThan(maxDrawdown) {
			maxDrawdown = dd
		}

		if book.NetQty() == 0 {
			realized := cycleRealized[f.Symbol]
			delete(cycleRealized, f.Symbol)

			summary.TotalTrades++
			switch {
			case realized.IsPositive():
				summary.WinningTrades++
				summary.GrossProfit = summary.GrossProfit.Add(realized)
			case realized.IsNegative():
				summary.LosingTrades++
				summary.GrossLoss = summary.GrossLoss.Add(realized.Abs())
			default:
				// Break-even trips count as losing: a round trip that paid
				// commissions and spread for nothing is not a win, and
				// WinningTrades + LosingTrades must equal TotalTrades.
				summary.LosingTrades++
			}
		}
	}

	for symbol, book := range books {
		if book.NetQty() == 0 {
			continue
		}
		if price, ok := prices(symbol); ok {
			summary.UnrealizedPnL = summary.UnrealizedPnL.Add(book.Unrealized(price))
		}
	}

	summary.NetPnL = summary.GrossProfit.Sub(summary.GrossLoss)
	summary.MaxDrawdown = maxDrawdown
	if summary.TotalTrades > 0 {
		summary.WinRate = float64(summary.WinningTrades) / float64(summary.TotalTrades)
	}
	switch {
	case summary.GrossLoss.IsZero() && summary.GrossProfit.IsPositive():
		summary.ProfitFactor = math.Inf(1)
	case summary.GrossLoss.IsZero():
		summary.ProfitFactor = 0
	default:
		pf, _ := summary.GrossProfit.Div(summary.GrossLoss).Float64()
		summary.ProfitFactor = pf
	}
	return summary
}

// dayFills loads the worker's fills with fill_time inside [date, date+24h),
// in ingest order.
func (s *SummaryService) dayFills(ctx context.Context, workerID string, date time.Time) ([]models.Fill, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := s.store.QueryContext(ctx, `
		SELECT f.fill_id, f.broker_fill_id, f.order_id, f.symbol, f.side, f.qty, f.price, f.fill_time
		FROM fills f
		JOIN orders o ON o.order_id = f.order_id
		WHERE o.worker_id = ? AND f.fill_time >= ? AND f.fill_time < ?
		ORDER BY f.seq`,
		workerID, storage.FormatTime(dayStart), storage.FormatTime(dayEnd))
	if err != nil {
		return nil, &traderr.StoreError{Op: "summary.day_fills", Err: err}
	}
	defer rows.Close()

	var fills []models.Fill
	for rows.Next() {
		var f models.Fill
		var side, price, fillTime string
		if err := rows.Scan(&f.ID, &f.BrokerFillID, &f.OrderID, &f.Symbol, &side, &f.Qty, &price, &fillTime); err != nil {
			return nil, &traderr.StoreError{Op: "summary.day_fills", Err: err}
		}
		f.Side = models.Side(side)
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, &traderr.StoreError{Op: "summary.day_fills", Err: err}
		}
		if f.FillTime, err = storage.ParseTime(fillTime); err != nil {
			return nil, &traderr.StoreError{Op: "summary.day_fills", Err: err}
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *SummaryService) upsert(ctx context.Context, sum *models.DailySummary) error {
	now := storage.FormatTime(s.clock.Now())
	pf := sum.ProfitFactor
	if math.IsInf(pf, 1) {
		// SQLite REAL cannot round-trip +Inf portably; a sentinel keeps
		// the column orderable. Readers map it back via LoadProfitFactor.
		pf = profitFactorInfSentinel
	}
	_, err := s.store.ExecContext(ctx, `
		INSERT INTO daily_summaries (worker_id, summary_date, total_trades, winning_trades, losing_trades,
		    gross_profit, gross_loss, net_pnl, unrealized_pnl, max_drawdown, win_rate, profit_factor,
		    created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id, summary_date) DO UPDATE SET
		    total_trades = excluded.total_trades,
		    winning_trades = excluded.winning_trades,
		    losing_trades = excluded.losing_trades,
		    gross_profit = excluded.gross_profit,
		    gross_loss = excluded.gross_loss,
		    net_pnl = excluded.net_pnl,
		    unrealized_pnl = excluded.unrealized_pnl,
		    max_drawdown = excluded.max_drawdown,
		    win_rate = excluded.win_rate,
		    profit_factor = excluded.profit_factor,
		    updated_at = excluded.updated_at`,
		sum.WorkerID, sum.SummaryDate, sum.TotalTrades, sum.WinningTrades, sum.LosingTrades,
		sum.GrossProfit.StringFixed(models.PricePrecision),
		sum.GrossLoss.StringFixed(models.PricePrecision),
		sum.NetPnL.StringFixed(models.PricePrecision),
		sum.UnrealizedPnL.StringFixed(models.PricePrecision),
		sum.MaxDrawdown.StringFixed(models.PricePrecision),
		sum.WinRate, pf, now, now)
	if err != nil {
		return &traderr.StoreError{Op: "summary.upsert", Err: err}
	}
	return nil
}

// profitFactorInfSentinel stands in for +Inf in the profit_factor column.
const profitFactorInfSentinel = 1e12

// LoadProfitFactor maps a stored profit_factor back to its in-memory value.
func LoadProfitFactor(stored float64) float64 {
	if stored >= profitFactorInfSentinel {
		return math.Inf(1)
	}
	return stored
}
