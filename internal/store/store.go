// Package store defines the persistence interface for the paper-trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	ErrAccountNotFound  = errors.New("store: account not found")
	ErrAccountExists    = errors.New("store: account already exists")
	ErrPositionNotFound = errors.New("store: position not found")
	ErrTradeNotFound    = errors.New("store: trade not found")
	ErrAlreadyWatched   = errors.New("store: ticker already in watchlist")
	ErrNotWatched       = errors.New("store: ticker not in watchlist")
)

// PositionStore is the position book keyed by (user, ticker).
type PositionStore interface {
	// GetPosition returns ErrPositionNotFound when the user holds none.
	GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error)

	// ListPositions returns the user's positions ordered by ticker.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// UpsertPosition inserts or replaces the (user, ticker) row.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes the (user, ticker) row. Missing rows are not an error.
	DeletePosition(ctx context.Context, userID, ticker string) error
}

// Tx is one atomic unit of work for a single user. Writes become visible
// only when the function passed to Store.InTx returns nil.
type Tx interface {
	PositionStore

	// LockAccount reads the account and holds it against concurrent
	// trades until the transaction ends.
	LockAccount(ctx context.Context, userID string) (*model.Account, error)

	// SetCashBalance overwrites the account's cash balance.
	SetCashBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	PositionStore

	// --- Accounts ---

	// CreateAccount persists a new account; ErrAccountExists on duplicates.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount returns ErrAccountNotFound for unknown users.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// PasswordHash returns the stored login hash; ErrAccountNotFound for
	// unknown users. Never served from a cache.
	PasswordHash(ctx context.Context, userID string) (string, error)

	// --- Immutable trade log ---

	// GetTrade returns ErrTradeNotFound unless the trade belongs to userID.
	GetTrade(ctx context.Context, userID, tradeID string) (*model.Trade, error)

	// ListTrades returns all trades for a user, newest first.
	ListTrades(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Watchlist ---

	AddWatch(ctx context.Context, e *model.WatchlistEntry) error
	RemoveWatch(ctx context.Context, userID, ticker string) error
	ListWatch(ctx context.Context, userID string) ([]model.WatchlistEntry, error)

	// --- Transactions ---

	// InTx runs fn atomically for userID. Any error from fn rolls back
	// every write made through tx.
	InTx(ctx context.Context, userID string, fn func(tx Tx) error) error
}
