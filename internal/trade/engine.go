// Package trade executes market orders against a user's cash and positions
// and serves the trade endpoints.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/ledger"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/ticker"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrPositionNotFound   = errors.New("insufficient shares: no position")
	ErrUnknownTicker      = errors.New("unknown ticker")
)

// Order is a market order. Quantity and Price must be positive.
type Order struct {
	UserID    string
	Ticker    string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	TradeType model.TradeType
}

// Options configures an Engine. Oracle and Hub are optional.
type Options struct {
	Oracle oracle.Oracle
	Hub    *WSHub
	// RejectUnknownTickers refuses BUY orders for tickers the oracle
	// reports as not found. Ignored without an oracle.
	RejectUnknownTickers bool
}

// Engine executes orders. Orders for the same user are serialized by a
// per-user lock; different users trade concurrently. Every order runs in
// one store transaction, so a rejected order leaves no trace.
type Engine struct {
	store         store.Store
	oracle        oracle.Oracle
	hub           *WSHub
	rejectUnknown bool
	locks         *userLocks
	now           func() time.Time
}

// NewEngine creates a trade engine over st.
func NewEngine(st store.Store, opts Options) *Engine {
	return &Engine{
		store:         st,
		oracle:        opts.Oracle,
		hub:           opts.Hub,
		rejectUnknown: opts.RejectUnknownTickers,
		locks:         newUserLocks(),
		now:           time.Now,
	}
}

// Execute validates and fills o in full, returning the executed trade.
func (e *Engine) Execute(ctx context.Context, o Order) (*model.Trade, error) {
	start := time.Now()

	tk, err := ticker.Parse(o.Ticker)
	if err != nil {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	tr, err := model.NewTrade(uuid.New().String(), o.UserID, tk, o.Quantity, o.Price, o.TradeType, e.now())
	if err != nil {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	if tr.TradeType == model.Buy {
		if err := e.checkListed(ctx, tk); err != nil {
			metrics.TradeRejections.WithLabelValues("unknown_ticker").Inc()
			return nil, err
		}
	}

	unlock := e.locks.lock(tr.UserID)
	defer unlock()
	// Stamp under the lock so a user's execution dates follow commit order.
	tr.ExecutionDate = e.now().UTC()

	err = e.store.InTx(ctx, tr.UserID, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, tr.UserID)
		if err != nil {
			return err
		}
		l := ledger.New(tx)
		pos, err := l.Get(ctx, tr.UserID, tk)
		if err != nil {
			return err
		}

		switch tr.TradeType {
		case model.Buy:
			if acct.CashBalance.LessThan(tr.TotalValue) {
				return fmt.Errorf("%w: need %s, available %s",
					ErrInsufficientFunds, tr.TotalValue.StringFixed(2), acct.CashBalance.StringFixed(2))
			}
			qty, avg := ledger.ApplyBuy(pos, tr.Quantity, tr.Price)
			if err := tx.SetCashBalance(ctx, tr.UserID, acct.CashBalance.Sub(tr.TotalValue)); err != nil {
				return err
			}
			if _, err := l.Upsert(ctx, tr.UserID, tk, qty, avg); err != nil {
				return err
			}

		case model.Sell:
			if pos == nil {
				return fmt.Errorf("%w in %s", ErrPositionNotFound, tk)
			}
			qty, closed, err := ledger.ApplySell(pos, tr.Quantity)
			if errors.Is(err, ledger.ErrOversell) {
				return fmt.Errorf("%w: hold %s %s, tried to sell %s",
					ErrInsufficientShares, pos.TotalQuantity, tk, tr.Quantity)
			}
			if err != nil {
				return err
			}
			if err := tx.SetCashBalance(ctx, tr.UserID, acct.CashBalance.Add(tr.TotalValue)); err != nil {
				return err
			}
			if closed {
				err = l.Delete(ctx, tr.UserID, tk)
			} else {
				_, err = l.Upsert(ctx, tr.UserID, tk, qty, pos.AveragePrice)
			}
			if err != nil {
				return err
			}
		}

		return tx.InsertTrade(ctx, tr)
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	side := string(tr.TradeType)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	notional, _ := tr.TotalValue.Float64()
	metrics.TradeNotional.WithLabelValues(side).Add(notional)

	slog.Info("trade executed",
		"trade_id", tr.ID,
		"user", tr.UserID,
		"ticker", tk,
		"trade_type", side,
		"qty", tr.Quantity.String(),
		"price", tr.Price.String(),
		"total_value", tr.TotalValue.String(),
	)

	if e.hub != nil {
		e.hub.Broadcast(tr.UserID, WSMessage{
			Type:          "trade_executed",
			TradeID:       tr.ID,
			Ticker:        tk,
			TradeType:     side,
			Quantity:      tr.Quantity.String(),
			Price:         tr.Price.String(),
			ExecutionDate: tr.ExecutionDate,
		})
	}
	return tr, nil
}

// History returns the user's trades newest first, optionally for one ticker.
func (e *Engine) History(ctx context.Context, userID, tickerFilter string) ([]model.Trade, error) {
	trades, err := e.store.ListTrades(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := make([]model.Trade, 0, len(trades))
	want := ticker.Normalize(tickerFilter)
	for _, t := range trades {
		if want == "" || t.Ticker == want {
			result = append(result, t)
		}
	}
	store.SortTradesNewestFirst(result)
	return result, nil
}

// Get returns one of the user's trades.
func (e *Engine) Get(ctx context.Context, userID, tradeID string) (*model.Trade, error) {
	return e.store.GetTrade(ctx, userID, tradeID)
}

// checkListed rejects tickers the oracle does not know. Transient oracle
// failures let the order through since the price is client supplied.
func (e *Engine) checkListed(ctx context.Context, tk string) error {
	if e.oracle == nil || !e.rejectUnknown {
		return nil
	}
	_, err := e.oracle.Quote(ctx, tk)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, oracle.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrUnknownTicker, tk)
	default:
		slog.Warn("ticker check skipped, oracle unavailable", "ticker", tk, "err", err)
		return nil
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares), errors.Is(err, ErrPositionNotFound):
		return "insufficient_shares"
	case errors.Is(err, store.ErrAccountNotFound):
		return "account_not_found"
	}
	return "internal"
}

// userLocks hands out one mutex per user, dropping it once no order holds
// or waits on it.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (u *userLocks) lock(userID string) (unlock func()) {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, userID)
		}
		u.mu.Unlock()
	}
}
