package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newAccount(t *testing.T, s store.Store, userID string, cash float64) {
	t.Helper()
	acct, err := model.NewAccount(userID, d(cash), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAccount(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore_CreateAccountDuplicate(t *testing.T) {
	s := store.NewMemoryStore()
	newAccount(t, s, "u1", 100)

	acct, _ := model.NewAccount("u1", d(5), time.Now())
	if err := s.CreateAccount(context.Background(), acct); !errors.Is(err, store.ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got %v", err)
	}
	got, _ := s.GetAccount(context.Background(), "u1")
	if !got.CashBalance.Equal(d(100)) {
		t.Errorf("duplicate create overwrote balance: %s", got.CashBalance)
	}
}

func TestMemoryStore_GetAccountReturnsCopy(t *testing.T) {
	s := store.NewMemoryStore()
	newAccount(t, s, "u1", 100)

	a, _ := s.GetAccount(context.Background(), "u1")
	a.CashBalance = d(0)

	b, _ := s.GetAccount(context.Background(), "u1")
	if !b.CashBalance.Equal(d(100)) {
		t.Errorf("caller mutation leaked into store: %s", b.CashBalance)
	}
}

func TestMemoryStore_InTxCommits(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	newAccount(t, s, "u1", 1000)

	err := s.InTx(ctx, "u1", func(tx store.Tx) error {
		a, err := tx.LockAccount(ctx, "u1")
		if err != nil {
			return err
		}
		if err := tx.SetCashBalance(ctx, "u1", a.CashBalance.Sub(d(300))); err != nil {
			return err
		}
		if err := tx.UpsertPosition(ctx, &model.Position{ID: "p1", UserID: "u1", Ticker: "AAPL", TotalQuantity: d(3), AveragePrice: d(100)}); err != nil {
			return err
		}
		tr, _ := model.NewTrade("t1", "u1", "AAPL", d(3), d(100), model.Buy, time.Now())
		return tx.InsertTrade(ctx, tr)
	})
	if err != nil {
		t.Fatal(err)
	}

	a, _ := s.GetAccount(ctx, "u1")
	if !a.CashBalance.Equal(d(700)) {
		t.Errorf("cash = %s, want 700", a.CashBalance)
	}
	if _, err := s.GetPosition(ctx, "u1", "AAPL"); err != nil {
		t.Errorf("position not committed: %v", err)
	}
	if _, err := s.GetTrade(ctx, "u1", "t1"); err != nil {
		t.Errorf("trade not committed: %v", err)
	}
}

func TestMemoryStore_InTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	newAccount(t, s, "u1", 1000)
	boom := errors.New("boom")

	err := s.InTx(ctx, "u1", func(tx store.Tx) error {
		tx.SetCashBalance(ctx, "u1", d(1))
		tx.UpsertPosition(ctx, &model.Position{ID: "p1", UserID: "u1", Ticker: "AAPL", TotalQuantity: d(3), AveragePrice: d(100)})
		tr, _ := model.NewTrade("t1", "u1", "AAPL", d(3), d(100), model.Buy, time.Now())
		tx.InsertTrade(ctx, tr)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	a, _ := s.GetAccount(ctx, "u1")
	if !a.CashBalance.Equal(d(1000)) {
		t.Errorf("cash changed on rollback: %s", a.CashBalance)
	}
	if _, err := s.GetPosition(ctx, "u1", "AAPL"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("position leaked on rollback: %v", err)
	}
	trades, _ := s.ListTrades(ctx, "u1")
	if len(trades) != 0 {
		t.Errorf("trade leaked on rollback: %+v", trades)
	}
}

func TestMemoryStore_TxSeesItsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	newAccount(t, s, "u1", 1000)
	s.UpsertPosition(ctx, &model.Position{ID: "p1", UserID: "u1", Ticker: "AAPL", TotalQuantity: d(3), AveragePrice: d(100)})

	err := s.InTx(ctx, "u1", func(tx store.Tx) error {
		if err := tx.SetCashBalance(ctx, "u1", d(500)); err != nil {
			return err
		}
		a, _ := tx.LockAccount(ctx, "u1")
		if !a.CashBalance.Equal(d(500)) {
			t.Errorf("staged balance not visible in tx: %s", a.CashBalance)
		}

		tx.DeletePosition(ctx, "u1", "AAPL")
		if _, err := tx.GetPosition(ctx, "u1", "AAPL"); !errors.Is(err, store.ErrPositionNotFound) {
			t.Errorf("staged delete not visible in tx: %v", err)
		}
		if ps, _ := tx.ListPositions(ctx, "u1"); len(ps) != 0 {
			t.Errorf("staged delete still listed: %+v", ps)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPosition(ctx, "u1", "AAPL"); !errors.Is(err, store.ErrPositionNotFound) {
		t.Errorf("delete not committed: %v", err)
	}
}

func TestMemoryStore_NegativeBalanceRejected(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	newAccount(t, s, "u1", 10)

	err := s.InTx(ctx, "u1", func(tx store.Tx) error {
		return tx.SetCashBalance(ctx, "u1", d(-1))
	})
	if !errors.Is(err, model.ErrNegativeBalance) {
		t.Errorf("expected ErrNegativeBalance, got %v", err)
	}
}

func TestMemoryStore_LockUnknownAccount(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	err := s.InTx(ctx, "ghost", func(tx store.Tx) error {
		_, err := tx.LockAccount(ctx, "ghost")
		return err
	})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestMemoryStore_UpsertRejectsInvalidPosition(t *testing.T) {
	s := store.NewMemoryStore()
	err := s.UpsertPosition(context.Background(), &model.Position{UserID: "u1", Ticker: "AAPL", TotalQuantity: d(0), AveragePrice: d(1)})
	if !errors.Is(err, model.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestMemoryStore_ListTradesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	newAccount(t, s, "u1", 1000)
	newAccount(t, s, "u2", 1000)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	insert := func(id, user string, at time.Time) {
		t.Helper()
		err := s.InTx(ctx, user, func(tx store.Tx) error {
			tr, err := model.NewTrade(id, user, "AAPL", d(1), d(10), model.Buy, at)
			if err != nil {
				return err
			}
			return tx.InsertTrade(ctx, tr)
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	insert("a", "u1", base)
	insert("b", "u1", base.Add(2*time.Minute))
	insert("c", "u1", base.Add(time.Minute))
	insert("x", "u2", base.Add(time.Hour))

	trades, _ := s.ListTrades(ctx, "u1")
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades for u1, got %d", len(trades))
	}
	for i, want := range []string{"b", "c", "a"} {
		if trades[i].ID != want {
			t.Errorf("trades[%d] = %s, want %s", i, trades[i].ID, want)
		}
	}

	if _, err := s.GetTrade(ctx, "u1", "x"); !errors.Is(err, store.ErrTradeNotFound) {
		t.Errorf("another user's trade must not be visible, got %v", err)
	}
}

func TestMemoryStore_Watchlist(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.AddWatch(ctx, &model.WatchlistEntry{UserID: "u1", Ticker: "MSFT", AddedAt: base.Add(time.Minute)})
	s.AddWatch(ctx, &model.WatchlistEntry{UserID: "u1", Ticker: "AAPL", AddedAt: base})
	if err := s.AddWatch(ctx, &model.WatchlistEntry{UserID: "u1", Ticker: "AAPL", AddedAt: base}); !errors.Is(err, store.ErrAlreadyWatched) {
		t.Errorf("expected ErrAlreadyWatched, got %v", err)
	}

	list, _ := s.ListWatch(ctx, "u1")
	if len(list) != 2 || list[0].Ticker != "AAPL" || list[1].Ticker != "MSFT" {
		t.Errorf("expected AAPL, MSFT in insertion order, got %+v", list)
	}

	if err := s.RemoveWatch(ctx, "u1", "AAPL"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveWatch(ctx, "u1", "AAPL"); !errors.Is(err, store.ErrNotWatched) {
		t.Errorf("expected ErrNotWatched, got %v", err)
	}
}

func TestSortTradesNewestFirst_TieBreaksByID(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := []model.Trade{{ID: "a", ExecutionDate: at}, {ID: "c", ExecutionDate: at}, {ID: "b", ExecutionDate: at}}
	store.SortTradesNewestFirst(trades)
	if trades[0].ID != "c" || trades[1].ID != "b" || trades[2].ID != "a" {
		t.Errorf("unexpected order: %s %s %s", trades[0].ID, trades[1].ID, trades[2].ID)
	}
}
