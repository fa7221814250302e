// Package model defines the core domain types shared across the paper-trading engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StartingBalance is the cash every new account is seeded with.
var StartingBalance = decimal.RequireFromString("100000.00")

var (
	ErrInvalidQuantity  = errors.New("model: quantity must be positive")
	ErrInvalidPrice     = errors.New("model: price must be positive")
	ErrInvalidTradeType = errors.New("model: trade_type must be BUY or SELL")
	ErrMissingUser      = errors.New("model: user_id is required")
	ErrMissingTicker    = errors.New("model: ticker is required")
	ErrNegativeBalance  = errors.New("model: cash balance cannot be negative")
)

// TradeType is the direction of an order.
type TradeType string

const (
	Buy  TradeType = "BUY"
	Sell TradeType = "SELL"
)

// ParseTradeType accepts BUY/SELL in any case.
func ParseTradeType(s string) (TradeType, error) {
	switch TradeType(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTradeType, s)
}

// TradeStatus is the lifecycle state of a trade record. Orders fill
// synchronously, so every persisted trade is EXECUTED.
type TradeStatus string

const StatusExecuted TradeStatus = "EXECUTED"

// Account holds a user's cash. Mutated only by executed trades.
type Account struct {
	UserID      string          `json:"user_id" db:"user_id"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`

	// PasswordHash is the bcrypt hash of the login password. Never rendered.
	PasswordHash string `json:"-" db:"password_hash"`
}

// NewAccount opens an account with the given balance.
func NewAccount(userID string, balance decimal.Decimal, now time.Time) (*Account, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if balance.IsNegative() {
		return nil, ErrNegativeBalance
	}
	return &Account{UserID: userID, CashBalance: balance, CreatedAt: now.UTC()}, nil
}

// Position is the aggregated holding of one ticker for one user.
// TotalQuantity is always > 0 for a stored position.
type Position struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Ticker        string          `json:"stock_ticker" db:"stock_ticker"`
	TotalQuantity decimal.Decimal `json:"total_quantity" db:"total_quantity"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// CostBasis returns quantity × average price.
func (p Position) CostBasis() decimal.Decimal {
	return p.TotalQuantity.Mul(p.AveragePrice)
}

// Validate checks the stored-row invariants.
func (p Position) Validate() error {
	switch {
	case p.UserID == "":
		return ErrMissingUser
	case p.Ticker == "":
		return ErrMissingTicker
	case !p.TotalQuantity.IsPositive():
		return ErrInvalidQuantity
	case !p.AveragePrice.IsPositive():
		return ErrInvalidPrice
	}
	return nil
}

// Trade is an immutable record of an executed order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Ticker        string          `json:"stock_ticker" db:"stock_ticker"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	TradeType     TradeType       `json:"trade_type" db:"trade_type"`
	Status        TradeStatus     `json:"status" db:"status"`
	ExecutionDate time.Time       `json:"execution_date" db:"execution_date"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
}

// NewTrade builds an EXECUTED trade, computing TotalValue = quantity × price.
// The ticker must already be normalized.
func NewTrade(id, userID, ticker string, qty, price decimal.Decimal, tt TradeType, at time.Time) (*Trade, error) {
	switch {
	case userID == "":
		return nil, ErrMissingUser
	case ticker == "":
		return nil, ErrMissingTicker
	case !qty.IsPositive():
		return nil, ErrInvalidQuantity
	case !price.IsPositive():
		return nil, ErrInvalidPrice
	case tt != Buy && tt != Sell:
		return nil, ErrInvalidTradeType
	}
	return &Trade{
		ID:            id,
		UserID:        userID,
		Ticker:        ticker,
		Quantity:      qty,
		Price:         price,
		TradeType:     tt,
		Status:        StatusExecuted,
		ExecutionDate: at.UTC(),
		TotalValue:    qty.Mul(price),
	}, nil
}

// Quote is a market price snapshot from a price oracle.
type Quote struct {
	Ticker        string          `json:"ticker"`
	Name          string          `json:"name"`
	CurrentPrice  decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Volume        int64           `json:"volume"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// Change is the absolute move against the previous close.
func (q Quote) Change() decimal.Decimal {
	if q.PreviousClose.IsZero() {
		return decimal.Zero
	}
	return q.CurrentPrice.Sub(q.PreviousClose)
}

// ChangePercent is Change relative to the previous close, rounded to 2dp.
func (q Quote) ChangePercent() decimal.Decimal {
	if !q.PreviousClose.IsPositive() {
		return decimal.Zero
	}
	return q.Change().Div(q.PreviousClose).Mul(hundred).Round(2)
}

// PositionView is a position marked to market.
type PositionView struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"user_id"`
	Ticker               string          `json:"stock_ticker"`
	TotalQuantity        decimal.Decimal `json:"total_quantity"`
	AveragePrice         decimal.Decimal `json:"average_price"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	MarketValue          decimal.Decimal `json:"market_value"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
}

// PortfolioSummary aggregates all positions and cash for a user.
type PortfolioSummary struct {
	TotalValue           decimal.Decimal `json:"total_value"`     // market value + cash
	TotalCost            decimal.Decimal `json:"total_cost"`      // Σ qty × avg
	TotalGainLoss        decimal.Decimal `json:"total_gain_loss"` // market value - cost
	TotalGainLossPercent decimal.Decimal `json:"total_gain_loss_percent"`
	PositionsCount       int             `json:"positions_count"`
	CashBalance          decimal.Decimal `json:"cash_balance"`
}

// WatchlistEntry is one ticker a user follows.
type WatchlistEntry struct {
	UserID  string    `json:"user_id" db:"user_id"`
	Ticker  string    `json:"ticker" db:"ticker"`
	AddedAt time.Time `json:"added_at" db:"added_at"`
}

var hundred = decimal.NewFromInt(100)

// Percent returns part/whole×100 rounded to 2dp, or zero when whole is not positive.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
