// Package portfolio marks a user's positions to market and aggregates them
// with cash into a summary. It never writes.
package portfolio

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/store"
)

// maxLookups bounds concurrent oracle calls per valuation.
const maxLookups = 8

// Valuator values portfolios from the store and a price oracle. A position
// whose price cannot be fetched is valued at its average price, so a quote
// outage shows zero P&L instead of failing the request.
type Valuator struct {
	store   store.Store
	ledger  *ledger.Ledger
	oracle  oracle.Oracle
	timeout time.Duration
}

// NewValuator creates a valuator. A zero timeout defaults to 3s.
func NewValuator(st store.Store, o oracle.Oracle, timeout time.Duration) *Valuator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Valuator{store: st, ledger: ledger.New(st), oracle: o, timeout: timeout}
}

// ListPositions returns every open position marked to market, ordered by ticker.
func (v *Valuator) ListPositions(ctx context.Context, userID string) ([]model.PositionView, error) {
	positions, err := v.ledger.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return v.mark(ctx, positions), nil
}

// Summarize aggregates market value, cost and cash for the user. Cash and
// positions come from one store transaction so a concurrent trade is seen
// entirely or not at all. Prices are fetched after it ends.
func (v *Valuator) Summarize(ctx context.Context, userID string) (model.PortfolioSummary, error) {
	var cash decimal.Decimal
	var positions []model.Position
	err := v.store.InTx(ctx, userID, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		cash = acct.CashBalance
		positions, err = ledger.New(tx).ListByUser(ctx, userID)
		return err
	})
	if err != nil {
		return model.PortfolioSummary{}, err
	}
	return summarize(cash, v.mark(ctx, positions)), nil
}

func summarize(cash decimal.Decimal, views []model.PositionView) model.PortfolioSummary {
	marketValue := decimal.Zero
	cost := decimal.Zero
	for _, pv := range views {
		marketValue = marketValue.Add(pv.MarketValue)
		cost = cost.Add(pv.TotalQuantity.Mul(pv.AveragePrice))
	}
	gain := marketValue.Sub(cost)
	return model.PortfolioSummary{
		TotalValue:           marketValue.Add(cash),
		TotalCost:            cost,
		TotalGainLoss:        gain,
		TotalGainLossPercent: model.Percent(gain, cost),
		PositionsCount:       len(views),
		CashBalance:          cash,
	}
}

// mark prices positions concurrently. Lookups share one deadline and never
// return an error; failures fall back to cost.
func (v *Valuator) mark(ctx context.Context, positions []model.Position) []model.PositionView {
	views := make([]model.PositionView, len(positions))
	if len(positions) == 0 {
		return views
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLookups)
	for i, p := range positions {
		i, p := i, p
		g.Go(func() error {
			views[i] = view(p, v.price(gctx, p))
			return nil
		})
	}
	g.Wait()
	return views
}

func (v *Valuator) price(ctx context.Context, p model.Position) decimal.Decimal {
	if v.oracle == nil {
		return p.AveragePrice
	}
	q, err := v.oracle.Quote(ctx, p.Ticker)
	if err != nil || !q.CurrentPrice.IsPositive() {
		metrics.ValuationFallbacks.Inc()
		slog.Warn("valuing position at cost", "ticker", p.Ticker, "user", p.UserID, "err", err)
		return p.AveragePrice
	}
	return q.CurrentPrice
}

func view(p model.Position, price decimal.Decimal) model.PositionView {
	cost := p.CostBasis()
	marketValue := p.TotalQuantity.Mul(price)
	pnl := marketValue.Sub(cost)
	return model.PositionView{
		ID:                   p.ID,
		UserID:               p.UserID,
		Ticker:               p.Ticker,
		TotalQuantity:        p.TotalQuantity,
		AveragePrice:         p.AveragePrice,
		CurrentPrice:         price,
		MarketValue:          marketValue,
		UnrealizedPnL:        pnl,
		UnrealizedPnLPercent: model.Percent(pnl, cost),
	}
}
