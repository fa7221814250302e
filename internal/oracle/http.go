package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// HTTPConfig describes a JSON quote endpoint. Field paths are jsonpath
// expressions evaluated against the decoded response body.
type HTTPConfig struct {
	BaseURL       string // GET {BaseURL}/{ticker}
	PricePath     string
	PrevClosePath string
	NamePath      string
	VolumePath    string
	Client        *http.Client
}

// HTTPOracle fetches quotes from a JSON HTTP API.
type HTTPOracle struct {
	cfg    HTTPConfig
	client *http.Client
	now    func() time.Time
}

// NewHTTPOracle validates cfg and fills path defaults.
func NewHTTPOracle(cfg HTTPConfig) (*HTTPOracle, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("oracle: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("oracle: invalid base url: %w", err)
	}
	if cfg.PricePath == "" {
		cfg.PricePath = "$.price"
	}
	if cfg.PrevClosePath == "" {
		cfg.PrevClosePath = "$.previous_close"
	}
	if cfg.NamePath == "" {
		cfg.NamePath = "$.name"
	}
	if cfg.VolumePath == "" {
		cfg.VolumePath = "$.volume"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPOracle{cfg: cfg, client: client, now: time.Now}, nil
}

func (o *HTTPOracle) Quote(ctx context.Context, ticker string) (model.Quote, error) {
	addr := strings.TrimRight(o.cfg.BaseURL, "/") + "/" + url.PathEscape(ticker)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return model.Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("quote %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.Quote{}, fmt.Errorf("%s: %w", ticker, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return model.Quote{}, fmt.Errorf("quote %s: upstream status %s", ticker, resp.Status)
	}

	var body any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return model.Quote{}, fmt.Errorf("quote %s: decode: %w", ticker, err)
	}

	price, err := lookupDecimal(o.cfg.PricePath, body)
	if err != nil {
		return model.Quote{}, fmt.Errorf("quote %s: price: %w", ticker, err)
	}
	// A quote API that answers without a usable price does not list the ticker.
	if !price.IsPositive() {
		return model.Quote{}, fmt.Errorf("%s: %w", ticker, ErrNotFound)
	}

	q := model.Quote{
		Ticker:       ticker,
		Name:         ticker,
		CurrentPrice: price,
		FetchedAt:    o.now().UTC(),
	}
	// Optional fields.
	if prev, err := lookupDecimal(o.cfg.PrevClosePath, body); err == nil {
		q.PreviousClose = prev
	}
	if v, err := lookup(o.cfg.NamePath, body); err == nil {
		if name, ok := v.(string); ok && name != "" {
			q.Name = name
		}
	}
	if vol, err := lookupDecimal(o.cfg.VolumePath, body); err == nil {
		q.Volume = vol.IntPart()
	}
	return q, nil
}

func lookup(path string, body any) (any, error) {
	v, err := jsonpath.Get(path, body)
	if err != nil {
		return nil, err
	}
	// Filter and slice expressions yield a list; keep the first match.
	if list, ok := v.([]any); ok {
		if len(list) == 0 {
			return nil, fmt.Errorf("%s: no match", path)
		}
		v = list[0]
	}
	return v, nil
}

func lookupDecimal(path string, body any) (decimal.Decimal, error) {
	v, err := lookup(path, body)
	if err != nil {
		return decimal.Zero, err
	}
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	}
	return decimal.Zero, fmt.Errorf("%s: not a number: %v", path, v)
}
