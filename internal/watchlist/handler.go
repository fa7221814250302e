package watchlist

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/paper-engine/internal/auth"
	"github.com/atmx/paper-engine/internal/httputil"
	"github.com/atmx/paper-engine/internal/store"
)

// AddRequest accepts either "ticker" or "stock_ticker".
type AddRequest struct {
	Ticker      string `json:"ticker"`
	StockTicker string `json:"stock_ticker"`
}

// ListResponse is the JSON body of GET /api/v1/watchlist.
type ListResponse struct {
	Stocks []Item `json:"stocks"`
}

// GetWatchlist handles GET /api/v1/watchlist
func (s *Service) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	items, err := s.List(r.Context(), userID)
	if err != nil {
		slog.Error("list watchlist failed", "user", userID, "err", err)
		httputil.WriteError(w, "failed to load watchlist", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Stocks: items})
}

// AddToWatchlist handles POST /api/v1/watchlist
func (s *Service) AddToWatchlist(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	var req AddRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, "invalid request body", http.StatusUnprocessableEntity)
		return
	}
	raw := req.Ticker
	if raw == "" {
		raw = req.StockTicker
	}

	tk, err := s.Add(r.Context(), userID, raw)
	switch {
	case errors.Is(err, ErrUnknownTicker):
		httputil.WriteError(w, "stock not found", http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyWatched):
		httputil.WriteError(w, tk+" is already in watchlist", http.StatusBadRequest)
	case err != nil:
		slog.Error("add to watchlist failed", "user", userID, "err", err)
		httputil.WriteError(w, "failed to update watchlist", http.StatusInternalServerError)
	default:
		httputil.WriteJSON(w, http.StatusOK, httputil.MessageResponse{Message: tk + " added to watchlist"})
	}
}

// RemoveFromWatchlist handles DELETE /api/v1/watchlist/{ticker}
func (s *Service) RemoveFromWatchlist(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	tk, err := s.Remove(r.Context(), userID, chi.URLParam(r, "ticker"))
	switch {
	case errors.Is(err, store.ErrNotWatched):
		httputil.WriteError(w, tk+" is not in watchlist", http.StatusNotFound)
	case err != nil:
		slog.Error("remove from watchlist failed", "user", userID, "err", err)
		httputil.WriteError(w, "failed to update watchlist", http.StatusInternalServerError)
	default:
		httputil.WriteJSON(w, http.StatusOK, httputil.MessageResponse{Message: tk + " removed from watchlist"})
	}
}
