package portfolio

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/paper-engine/internal/auth"
	"github.com/atmx/paper-engine/internal/httputil"
	"github.com/atmx/paper-engine/internal/store"
)

// GetPositions handles GET /api/v1/portfolio/positions
func (v *Valuator) GetPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	views, err := v.ListPositions(r.Context(), userID)
	if err != nil {
		slog.Error("list positions failed", "user", userID, "err", err)
		httputil.WriteError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

// GetSummary handles GET /api/v1/portfolio/summary
func (v *Valuator) GetSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r)
	if !ok {
		httputil.WriteError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	summary, err := v.Summarize(r.Context(), userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		httputil.WriteError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("portfolio summary failed", "user", userID, "err", err)
		httputil.WriteError(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}
