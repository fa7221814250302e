package trade

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/auth"
	"github.com/atmx/paper-engine/internal/httputil"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/ticker"
)

// --- Request types ---

// TradeRequest is the JSON body for POST /api/v1/trades.
type TradeRequest struct {
	StockTicker string          `json:"stock_ticker"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	TradeType   string          `json:"trade_type"` // "BUY" or "SELL"
}

// --- HTTP Handlers ---

// ExecuteTrade handles POST /api/v1/trades
func (e *Engine) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	var req TradeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}
	tt, err := model.ParseTradeType(req.TradeType)
	if err != nil {
		httputil.WriteError(w, "trade_type must be BUY or SELL", http.StatusUnprocessableEntity)
		return
	}

	tr, err := e.Execute(r.Context(), Order{
		UserID:    userID,
		Ticker:    req.StockTicker,
		Quantity:  req.Quantity,
		Price:     req.Price,
		TradeType: tt,
	})
	if err != nil {
		writeTradeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tr)
}

// ListTrades handles GET /api/v1/trades[?ticker=]
func (e *Engine) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	trades, err := e.History(r.Context(), userID, r.URL.Query().Get("ticker"))
	if err != nil {
		slog.Error("list trades failed", "user", userID, "err", err)
		httputil.WriteError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, trades)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (e *Engine) GetTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	tr, err := e.Get(r.Context(), userID, chi.URLParam(r, "tradeID"))
	if errors.Is(err, store.ErrTradeNotFound) {
		httputil.WriteError(w, "trade not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get trade failed", "user", userID, "err", err)
		httputil.WriteError(w, "failed to load trade", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tr)
}

// writeTradeError maps engine errors to status codes. Business rejections
// carry the error text so clients see "insufficient funds" and friends.
func writeTradeError(w http.ResponseWriter, err error) {
	switch {
	case ticker.IsInvalid(err),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidPrice),
		errors.Is(err, model.ErrInvalidTradeType),
		errors.Is(err, model.ErrMissingTicker):
		httputil.WriteError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrPositionNotFound):
		httputil.WriteError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrUnknownTicker):
		httputil.WriteError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAccountNotFound):
		httputil.WriteError(w, "account not found", http.StatusNotFound)
	default:
		slog.Error("trade failed", "err", err)
		httputil.WriteError(w, "failed to execute trade", http.StatusInternalServerError)
	}
}
