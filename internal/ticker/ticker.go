// Package ticker handles stock ticker normalization and validation.
// Every downstream key (positions, trades, watchlist, quote cache) uses the
// normalized upper-case form.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches: {ROOT}[.|-{CLASS}]
// Examples: AAPL, BRK.B, BF-B, 7203
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}([.-][A-Z0-9]{1,4})?$`)

var (
	ErrEmptyTicker   = errors.New("ticker: ticker is required")
	ErrInvalidTicker = errors.New("ticker: invalid ticker format")
)

// Normalize trims and upper-cases a ticker without validating it.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Parse normalizes and validates a ticker symbol.
func Parse(s string) (string, error) {
	t := Normalize(s)
	if t == "" {
		return "", ErrEmptyTicker
	}
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %s", ErrInvalidTicker, s)
	}
	return t, nil
}

// IsInvalid reports whether err came from Parse.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrEmptyTicker) || errors.Is(err, ErrInvalidTicker)
}
