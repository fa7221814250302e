package oracle

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/httputil"
	"github.com/atmx/paper-engine/internal/ticker"
)

// QuoteResponse is the JSON body of GET /api/v1/stocks/{ticker}/quote.
type QuoteResponse struct {
	Ticker        string          `json:"ticker"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
}

// QuoteHandler handles GET /api/v1/stocks/{ticker}/quote. Malformed and
// unlisted tickers both answer 404.
func QuoteHandler(o Oracle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tk, err := ticker.Parse(chi.URLParam(r, "ticker"))
		if err != nil {
			httputil.WriteError(w, "stock not found", http.StatusNotFound)
			return
		}

		q, err := o.Quote(r.Context(), tk)
		if errors.Is(err, ErrNotFound) {
			httputil.WriteError(w, "stock not found: "+tk, http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("quote lookup failed", "ticker", tk, "err", err)
			httputil.WriteError(w, "market data unavailable", http.StatusBadGateway)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, QuoteResponse{
			Ticker:        q.Ticker,
			Name:          q.Name,
			Price:         q.CurrentPrice,
			PreviousClose: q.PreviousClose,
			Change:        q.Change(),
			ChangePercent: q.ChangePercent(),
			Volume:        q.Volume,
		})
	}
}
