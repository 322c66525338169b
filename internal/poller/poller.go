// Package poller turns raw broker quotes into a bounded, scored candidate
// list. It holds no persistent state; a failed poll is simply retried at
// the next tick by the orchestrator.
package poller

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hskwon/stampede/internal/broker"
	"github.com/hskwon/stampede/internal/clock"
	"github.com/hskwon/stampede/internal/models"
)

// Scorer ranks a candidate; higher is better. The strategy executor
// satisfies this.
type Scorer interface {
	Score(c models.Candidate) float64
}

// Filters are the coarse liquidity and price gates applied before scoring.
// Zero values disable the corresponding gate. Predicate, when set, is an
// extra custom gate applied last.
type Filters struct {
	MinVolume    int64
	MinTurnover  decimal.Decimal
	PriceMin     decimal.Decimal
	PriceMax     decimal.Decimal
	MaxStaleness time.Duration
	Predicate    func(broker.Quote) bool
}

// Poller discovers tradeable candidates from the configured universe.
type Poller struct {
	broker broker.Broker
	clock  clock.Clock
	logger *logrus.Logger
}

// New creates a poller over the given broker.
func New(brk broker.Broker, clk clock.Clock, logger *logrus.Logger) *Poller {
	return &Poller{broker: brk, clock: clk, logger: logger}
}

// DiscoverCandidates fetches quotes for the universe, drops symbols failing
// the filters or with stale data, scores the survivors, and returns at most
// maxN candidates sorted by descending score. Broker errors propagate.
func (p *Poller) DiscoverCandidates(ctx context.Context, universe []string, f Filters, scorer Scorer, maxN int) ([]models.Candidate, error) {
	if len(universe) == 0 || maxN <= 0 {
		return nil, nil
	}
	quotes, err := p.broker.GetQuotes(ctx, universe)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	candidates := make([]models.Candidate, 0, len(quotes))
	for _, q := range quotes {
		if !p.pass(q, f, now) {
			continue
		}
		c := models.Candidate{
			Symbol: q.Symbol,
			Price:  q.Last,
			Volume: q.Volume,
			Indicators: map[string]float64{
				"change_pct": q.ChangePct,
			},
			ScannedAt: now,
		}
		c.Score = scorer.Score(c)
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > maxN {
		candidates = candidates[:maxN]
	}

	p.logger.WithFields(logrus.Fields{
		"universe":   len(universe),
		"quoted":     len(quotes),
		"candidates": len(candidates),
	}).Debug("poll complete")
	return candidates, nil
}

func (p *Poller) pass(q broker.Quote, f Filters, now time.Time) bool {
	if q.Last.IsZero() {
		return false
	}
	if f.MaxStaleness > 0 && (q.Time.IsZero() || now.Sub(q.Time) > f.MaxStaleness) {
		return false
	}
	if f.MinVolume > 0 && q.Volume < f.MinVolume {
		return false
	}
	if f.MinTurnover.IsPositive() && q.Turnover.LessThan(f.MinTurnover) {
		return false
	}
	if f.PriceMin.IsPositive() && q.Last.LessThan(f.PriceMin) {
		return false
	}
	if f.PriceMax.IsPositive() && q.Last.GreaterThan(f.PriceMax) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(q) {
		return false
	}
	return true
}
