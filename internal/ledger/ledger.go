// Package ledger maintains one aggregated position per (user, ticker) with
// volume-weighted average cost accounting.
//
// BUY fills fold into the average price; SELL fills only reduce quantity.
// A position whose quantity reaches zero is deleted, never stored as a zero row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

// ErrOversell is returned by ApplySell when the fill exceeds the held quantity.
var ErrOversell = errors.New("ledger: sell quantity exceeds held quantity")

// Ledger reads and writes positions through a store.PositionStore. Pass a
// store.Tx to make position writes part of a trade's transaction.
type Ledger struct {
	positions store.PositionStore
	now       func() time.Time
}

// New creates a ledger over the given position store.
func New(ps store.PositionStore) *Ledger {
	return &Ledger{positions: ps, now: time.Now}
}

// Get returns the user's position in ticker, or nil when none is held.
func (l *Ledger) Get(ctx context.Context, userID, ticker string) (*model.Position, error) {
	p, err := l.positions.GetPosition(ctx, userID, ticker)
	if errors.Is(err, store.ErrPositionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Upsert writes the (user, ticker) position, keeping the existing row ID.
func (l *Ledger) Upsert(ctx context.Context, userID, ticker string, qty, avgPrice decimal.Decimal) (*model.Position, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("upsert %s: %w", ticker, model.ErrInvalidQuantity)
	}
	if !avgPrice.IsPositive() {
		return nil, fmt.Errorf("upsert %s: %w", ticker, model.ErrInvalidPrice)
	}
	existing, err := l.Get(ctx, userID, ticker)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	if existing != nil {
		id = existing.ID
	}
	p := &model.Position{
		ID:            id,
		UserID:        userID,
		Ticker:        ticker,
		TotalQuantity: qty,
		AveragePrice:  avgPrice,
		UpdatedAt:     l.now().UTC(),
	}
	if err := l.positions.UpsertPosition(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes the (user, ticker) position.
func (l *Ledger) Delete(ctx context.Context, userID, ticker string) error {
	return l.positions.DeletePosition(ctx, userID, ticker)
}

// ListByUser returns every open position for the user, ordered by ticker.
func (l *Ledger) ListByUser(ctx context.Context, userID string) ([]model.Position, error) {
	positions, err := l.positions.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// ApplyBuy folds a BUY fill into pos. A nil pos opens a new position at the
// fill price. Returns the new quantity and average price.
func ApplyBuy(pos *model.Position, qty, price decimal.Decimal) (newQty, newAvg decimal.Decimal) {
	if pos == nil || !pos.TotalQuantity.IsPositive() {
		return qty, price
	}
	return pos.TotalQuantity.Add(qty), weightedAvg(pos.AveragePrice, pos.TotalQuantity, price, qty)
}

// ApplySell removes qty from pos. closed reports that nothing remains and
// the position must be deleted. The average price is never changed.
func ApplySell(pos *model.Position, qty decimal.Decimal) (newQty decimal.Decimal, closed bool, err error) {
	if pos == nil || pos.TotalQuantity.LessThan(qty) {
		return decimal.Zero, false, ErrOversell
	}
	newQty = pos.TotalQuantity.Sub(qty)
	return newQty, !newQty.IsPositive(), nil
}

func weightedAvg(existingAvgPrice, existingQty, newPrice, newQty decimal.Decimal) decimal.Decimal {
	if existingQty.IsZero() {
		return newPrice
	}
	return existingAvgPrice.Mul(existingQty).
		Add(newPrice.Mul(newQty)).
		Div(existingQty.Add(newQty))
}
