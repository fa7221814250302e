package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/auth"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/oracle"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	engine *trade.Engine
	store  *store.MemoryStore
	tokens *auth.Tokens
	router chi.Router
}

// newTestEnv creates an Engine over an in-memory store behind a chi router
// with bearer auth.
func newTestEnv(t *testing.T, opts trade.Options) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	engine := trade.NewEngine(ms, opts)
	tokens, err := auth.NewTokens("test", "secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens))
		r.Post("/api/v1/trades", engine.ExecuteTrade)
		r.Get("/api/v1/trades", engine.ListTrades)
		r.Get("/api/v1/trades/{tradeID}", engine.GetTrade)
	})
	return &testEnv{engine: engine, store: ms, tokens: tokens, router: r}
}

func (env *testEnv) seedAccount(t *testing.T, userID string) {
	t.Helper()
	acct, err := model.NewAccount(userID, model.StartingBalance, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func (env *testEnv) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		tok, err := env.tokens.Issue(userID)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) trade(t *testing.T, userID, ticker string, qty, price float64, tt string) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, userID, "POST", "/api/v1/trades", map[string]any{
		"stock_ticker": ticker,
		"quantity":     qty,
		"price":        price,
		"trade_type":   tt,
	})
}

func (env *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	acct, err := env.store.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return acct.CashBalance
}

func (env *testEnv) position(t *testing.T, userID, ticker string) *model.Position {
	t.Helper()
	p, err := env.store.GetPosition(context.Background(), userID, ticker)
	if errors.Is(err, store.ErrPositionNotFound) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func detail(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	return body.Detail
}

// --- Trade execution tests ---

func TestExecuteTrade_BuySellLifecycle(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	steps := []struct {
		tt         string
		qty, price float64
		balance    float64
		posQty     float64 // 0 = position deleted
		posAvg     float64
	}{
		{"BUY", 10, 160, 98400, 10, 160},
		{"BUY", 10, 170, 96700, 20, 165},
		{"SELL", 5, 180, 97600, 15, 165},
		{"SELL", 15, 180, 100300, 0, 0},
	}

	for i, s := range steps {
		w := env.trade(t, "user1", "aapl", s.qty, s.price, s.tt)
		if w.Code != http.StatusOK {
			t.Fatalf("step %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
		if got := env.balance(t, "user1"); !got.Equal(d(s.balance)) {
			t.Errorf("step %d: balance = %s, want %v", i, got, s.balance)
		}
		pos := env.position(t, "user1", "AAPL")
		if s.posQty == 0 {
			if pos != nil {
				t.Errorf("step %d: position should be deleted, got qty %s", i, pos.TotalQuantity)
			}
			continue
		}
		if pos == nil {
			t.Fatalf("step %d: expected position", i)
		}
		if !pos.TotalQuantity.Equal(d(s.posQty)) || !pos.AveragePrice.Equal(d(s.posAvg)) {
			t.Errorf("step %d: position = %s @ %s, want %v @ %v",
				i, pos.TotalQuantity, pos.AveragePrice, s.posQty, s.posAvg)
		}
	}
}

func TestExecuteTrade_ResponseShape(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	w := env.trade(t, "user1", "msft", 2, 415.5, "buy")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var tr model.Trade
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatal(err)
	}
	if tr.ID == "" {
		t.Error("expected non-empty id")
	}
	if tr.UserID != "user1" || tr.Ticker != "MSFT" {
		t.Errorf("unexpected owner/ticker: %s %s", tr.UserID, tr.Ticker)
	}
	if tr.TradeType != model.Buy || tr.Status != model.StatusExecuted {
		t.Errorf("unexpected type/status: %s %s", tr.TradeType, tr.Status)
	}
	if !tr.TotalValue.Equal(d(831)) {
		t.Errorf("total_value = %s, want 831", tr.TotalValue)
	}
	if tr.ExecutionDate.IsZero() {
		t.Error("execution_date should be set")
	}
}

func TestExecuteTrade_SellWithoutPosition(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	w := env.trade(t, "user1", "XYZ", 100, 10, "SELL")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(strings.ToLower(detail(t, w)), "insufficient shares") {
		t.Errorf("detail should mention insufficient shares: %q", detail(t, w))
	}
	if got := env.balance(t, "user1"); !got.Equal(model.StartingBalance) {
		t.Errorf("balance changed to %s", got)
	}
}

func TestExecuteTrade_Oversell(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	if w := env.trade(t, "user1", "AAPL", 10, 100, "BUY"); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %s", w.Body.String())
	}
	w := env.trade(t, "user1", "AAPL", 11, 100, "SELL")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(strings.ToLower(detail(t, w)), "insufficient shares") {
		t.Errorf("detail should mention insufficient shares: %q", detail(t, w))
	}
	if got := env.balance(t, "user1"); !got.Equal(d(99000)) {
		t.Errorf("balance = %s, want 99000", got)
	}
	if pos := env.position(t, "user1", "AAPL"); pos == nil || !pos.TotalQuantity.Equal(d(10)) {
		t.Errorf("position should be untouched, got %+v", pos)
	}
}

func TestExecuteTrade_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	w := env.trade(t, "user1", "AAPL", 10000, 185.92, "BUY")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(strings.ToLower(detail(t, w)), "insufficient funds") {
		t.Errorf("detail should mention insufficient funds: %q", detail(t, w))
	}
	if got := env.balance(t, "user1"); !got.Equal(model.StartingBalance) {
		t.Errorf("balance changed to %s", got)
	}
	if pos := env.position(t, "user1", "AAPL"); pos != nil {
		t.Error("no position should be created")
	}
	trades, _ := env.store.ListTrades(context.Background(), "user1")
	if len(trades) != 0 {
		t.Errorf("rejected order must not be recorded, got %d trades", len(trades))
	}
}

func TestExecuteTrade_ExactBalanceAllowed(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	w := env.trade(t, "user1", "AAPL", 1000, 100, "BUY")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 spending the full balance, got %d: %s", w.Code, w.Body.String())
	}
	if got := env.balance(t, "user1"); !got.IsZero() {
		t.Errorf("balance = %s, want 0", got)
	}
}

func TestExecuteTrade_Validation(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	tests := []struct {
		name string
		body any
	}{
		{"zero quantity", map[string]any{"stock_ticker": "AAPL", "quantity": 0, "price": 10, "trade_type": "BUY"}},
		{"negative quantity", map[string]any{"stock_ticker": "AAPL", "quantity": -5, "price": 10, "trade_type": "BUY"}},
		{"zero price", map[string]any{"stock_ticker": "AAPL", "quantity": 1, "price": 0, "trade_type": "BUY"}},
		{"bad trade type", map[string]any{"stock_ticker": "AAPL", "quantity": 1, "price": 10, "trade_type": "HOLD"}},
		{"empty ticker", map[string]any{"stock_ticker": "", "quantity": 1, "price": 10, "trade_type": "BUY"}},
		{"malformed ticker", map[string]any{"stock_ticker": "NOT A TICKER", "quantity": 1, "price": 10, "trade_type": "BUY"}},
		{"malformed body", `{"stock_ticker": "AAPL", "quantity": "lots"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "user1", "POST", "/api/v1/trades", tt.body)
			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
	if got := env.balance(t, "user1"); !got.Equal(model.StartingBalance) {
		t.Errorf("validation failures changed balance to %s", got)
	}
}

func TestExecuteTrade_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, trade.Options{})

	w := env.trade(t, "", "AAPL", 1, 1, "BUY")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestExecuteTrade_UnknownAccount(t *testing.T) {
	env := newTestEnv(t, trade.Options{})

	w := env.trade(t, "ghost", "AAPL", 1, 1, "BUY")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Unknown ticker policy ---

func TestExecuteTrade_UnknownTickerRejectedForBuy(t *testing.T) {
	env := newTestEnv(t, trade.Options{
		Oracle:               oracle.NewStaticOracle(oracle.DemoQuotes()...),
		RejectUnknownTickers: true,
	})
	env.seedAccount(t, "user1")

	if w := env.trade(t, "user1", "ZZZZ", 1, 10, "BUY"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown ticker, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.trade(t, "user1", "AAPL", 1, 10, "BUY"); w.Code != http.StatusOK {
		t.Errorf("expected 200 for listed ticker, got %d: %s", w.Code, w.Body.String())
	}
	// SELL is never oracle-checked; it fails on holdings instead.
	if w := env.trade(t, "user1", "ZZZZ", 1, 10, "SELL"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for SELL without holdings, got %d", w.Code)
	}
}

func TestExecuteTrade_OracleOutageDoesNotBlock(t *testing.T) {
	down := oracle.Func(func(context.Context, string) (model.Quote, error) {
		return model.Quote{}, errors.New("connection refused")
	})
	env := newTestEnv(t, trade.Options{Oracle: down, RejectUnknownTickers: true})
	env.seedAccount(t, "user1")

	if w := env.trade(t, "user1", "AAPL", 1, 10, "BUY"); w.Code != http.StatusOK {
		t.Errorf("expected 200 during oracle outage, got %d: %s", w.Code, w.Body.String())
	}
}

// --- History ---

func TestListTrades_NewestFirstAndFiltered(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")
	env.seedAccount(t, "user2")

	for _, tk := range []string{"AAPL", "MSFT", "AAPL"} {
		if w := env.trade(t, "user1", tk, 1, 10, "BUY"); w.Code != http.StatusOK {
			t.Fatal(w.Body.String())
		}
	}
	env.trade(t, "user2", "TSLA", 1, 10, "BUY")

	w := env.do(t, "user1", "GET", "/api/v1/trades", nil)
	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades for user1, got %d", len(trades))
	}
	for i := 1; i < len(trades); i++ {
		if trades[i].ExecutionDate.After(trades[i-1].ExecutionDate) {
			t.Errorf("trades not sorted newest first at %d", i)
		}
	}

	w = env.do(t, "user1", "GET", "/api/v1/trades?ticker=aapl", nil)
	trades = nil
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 2 {
		t.Errorf("expected 2 AAPL trades, got %d", len(trades))
	}

	w = env.do(t, "user2", "GET", "/api/v1/trades?ticker=AAPL", nil)
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty JSON list, got %s", w.Body.String())
	}
}

func TestGetTrade_ScopedToOwner(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	w := env.trade(t, "user1", "AAPL", 1, 10, "BUY")
	var tr model.Trade
	json.Unmarshal(w.Body.Bytes(), &tr)

	if w := env.do(t, "user1", "GET", "/api/v1/trades/"+tr.ID, nil); w.Code != http.StatusOK {
		t.Errorf("owner should see trade, got %d", w.Code)
	}
	if w := env.do(t, "user2", "GET", "/api/v1/trades/"+tr.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("other users must get 404, got %d", w.Code)
	}
}

// --- Concurrency ---

func TestExecute_ConcurrentBuysSameUser(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Execute(context.Background(), trade.Order{
				UserID:    "user1",
				Ticker:    "AAPL",
				Quantity:  d(10),
				Price:     d(100),
				TradeType: model.Buy,
			})
			if err != nil {
				t.Errorf("concurrent buy failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := env.balance(t, "user1"); !got.Equal(d(95000)) {
		t.Errorf("balance = %s, want 95000", got)
	}
	pos := env.position(t, "user1", "AAPL")
	if pos == nil || !pos.TotalQuantity.Equal(d(50)) || !pos.AveragePrice.Equal(d(100)) {
		t.Errorf("position = %+v, want 50 @ 100", pos)
	}
	trades, _ := env.store.ListTrades(context.Background(), "user1")
	if len(trades) != 5 {
		t.Errorf("expected 5 trades, got %d", len(trades))
	}
}

func TestExecute_ConcurrentBuysCannotOverspend(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	env.seedAccount(t, "user1")

	// Each order costs 40000; only two fit in 100000.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var filled, rejected int
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Execute(context.Background(), trade.Order{
				UserID: "user1", Ticker: "NVDA", Quantity: d(100), Price: d(400), TradeType: model.Buy,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				filled++
			case errors.Is(err, trade.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if filled != 2 || rejected != 3 {
		t.Errorf("filled=%d rejected=%d, want 2 and 3", filled, rejected)
	}
	if got := env.balance(t, "user1"); !got.Equal(d(20000)) {
		t.Errorf("balance = %s, want 20000", got)
	}
}
