package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// StaticOracle serves fixed quotes. Used for development and tests.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
	now    func() time.Time
}

// NewStaticOracle creates an oracle seeded with quotes.
func NewStaticOracle(quotes ...model.Quote) *StaticOracle {
	o := &StaticOracle{quotes: make(map[string]model.Quote), now: time.Now}
	for _, q := range quotes {
		o.quotes[q.Ticker] = q
	}
	return o
}

// Set replaces the quote for q.Ticker.
func (o *StaticOracle) Set(q model.Quote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[q.Ticker] = q
}

func (o *StaticOracle) Quote(_ context.Context, ticker string) (model.Quote, error) {
	o.mu.RLock()
	q, ok := o.quotes[ticker]
	o.mu.RUnlock()
	if !ok {
		return model.Quote{}, fmt.Errorf("%s: %w", ticker, ErrNotFound)
	}
	q.FetchedAt = o.now().UTC()
	return q, nil
}

// DemoQuotes is the fallback universe used when no ORACLE_URL is configured.
func DemoQuotes() []model.Quote {
	q := func(ticker, name, price, prev string, volume int64) model.Quote {
		return model.Quote{
			Ticker:        ticker,
			Name:          name,
			CurrentPrice:  decimal.RequireFromString(price),
			PreviousClose: decimal.RequireFromString(prev),
			Volume:        volume,
		}
	}
	return []model.Quote{
		q("AAPL", "Apple Inc.", "185.92", "184.25", 52_164_500),
		q("MSFT", "Microsoft Corporation", "415.50", "412.10", 21_030_900),
		q("GOOGL", "Alphabet Inc.", "172.63", "173.40", 24_871_300),
		q("AMZN", "Amazon.com, Inc.", "186.13", "183.75", 37_982_100),
		q("NVDA", "NVIDIA Corporation", "121.44", "118.11", 310_456_200),
		q("TSLA", "Tesla, Inc.", "248.50", "251.05", 88_540_700),
		q("META", "Meta Platforms, Inc.", "505.95", "499.30", 12_114_600),
		q("JPM", "JPMorgan Chase & Co.", "198.47", "197.88", 8_201_400),
		q("V", "Visa Inc.", "275.12", "274.02", 5_640_300),
		q("WMT", "Walmart Inc.", "68.92", "68.41", 15_322_800),
	}
}
