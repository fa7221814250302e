// Package watchlist keeps the tickers a user follows and renders them with
// live quotes.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/ticker"
)

var ErrUnknownTicker = errors.New("watchlist: unknown ticker")

// Item is one watched stock with its latest quote. Price fields are zero
// when no quote could be fetched.
type Item struct {
	Ticker        string          `json:"ticker"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

type Service struct {
	store   store.Store
	oracle  oracle.Oracle
	timeout time.Duration
	now     func() time.Time
}

func NewService(st store.Store, o oracle.Oracle, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Service{store: st, oracle: o, timeout: timeout, now: time.Now}
}

// Add follows a ticker. Malformed or unlisted tickers return
// ErrUnknownTicker; duplicates return store.ErrAlreadyWatched.
func (s *Service) Add(ctx context.Context, userID, raw string) (string, error) {
	tk, err := ticker.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownTicker, err)
	}
	if s.oracle != nil {
		_, err := s.oracle.Quote(ctx, tk)
		if errors.Is(err, oracle.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownTicker, tk)
		}
		if err != nil {
			slog.Warn("watchlist add without quote check", "ticker", tk, "err", err)
		}
	}
	err = s.store.AddWatch(ctx, &model.WatchlistEntry{UserID: userID, Ticker: tk, AddedAt: s.now().UTC()})
	return tk, err
}

// Remove unfollows a ticker; store.ErrNotWatched when absent.
func (s *Service) Remove(ctx context.Context, userID, raw string) (string, error) {
	tk := ticker.Normalize(raw)
	return tk, s.store.RemoveWatch(ctx, userID, tk)
}

// List returns the user's watchlist in the order tickers were added.
func (s *Service) List(ctx context.Context, userID string) ([]Item, error) {
	entries, err := s.store.ListWatch(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(entries))
	for i, e := range entries {
		items[i] = Item{Ticker: e.Ticker, Name: e.Ticker}
	}
	if s.oracle == nil || len(items) == 0 {
		return items, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range items {
		i := i
		g.Go(func() error {
			q, err := s.oracle.Quote(gctx, items[i].Ticker)
			if err != nil {
				slog.Warn("watchlist quote unavailable", "ticker", items[i].Ticker, "err", err)
				return nil
			}
			if q.Name != "" {
				items[i].Name = q.Name
			}
			items[i].Price = q.CurrentPrice
			items[i].Change = q.Change()
			items[i].ChangePercent = q.ChangePercent()
			return nil
		})
	}
	g.Wait()
	return items, nil
}
