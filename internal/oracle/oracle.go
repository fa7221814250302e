// Package oracle supplies market quotes. Sources are composed at startup:
// a StaticOracle or HTTPOracle, usually wrapped in a CachedOracle.
package oracle

import (
	"context"
	"errors"

	"github.com/atmx/paper-engine/internal/model"
)

// ErrNotFound means the source does not know the ticker. Any other error
// is treated as transient.
var ErrNotFound = errors.New("oracle: ticker not found")

// Oracle returns the latest quote for an upper-case ticker.
type Oracle interface {
	Quote(ctx context.Context, ticker string) (model.Quote, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, ticker string) (model.Quote, error)

func (f Func) Quote(ctx context.Context, ticker string) (model.Quote, error) {
	return f(ctx, ticker)
}
