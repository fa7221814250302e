package oracle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
)

// CachedOracle fronts a source with a TTL cache. Concurrent misses for the
// same ticker share one source call. When the source fails with anything
// other than ErrNotFound, an entry up to maxStale past its TTL is served
// instead. NotFound answers are never cached.
type CachedOracle struct {
	source   Oracle
	cache    Cache
	ttl      time.Duration
	maxStale time.Duration
	group    singleflight.Group
	now      func() time.Time
}

// NewCachedOracle wraps source. A nil cache means a fresh MemoryCache.
func NewCachedOracle(source Oracle, cache Cache, ttl, maxStale time.Duration) *CachedOracle {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxStale < 0 {
		maxStale = 0
	}
	return &CachedOracle{
		source:   source,
		cache:    cache,
		ttl:      ttl,
		maxStale: maxStale,
		now:      time.Now,
	}
}

func (o *CachedOracle) Quote(ctx context.Context, ticker string) (model.Quote, error) {
	cached, ok, err := o.cache.Get(ctx, ticker)
	if err != nil {
		slog.Warn("quote cache read failed", "ticker", ticker, "err", err)
		ok = false
	}
	age := o.now().Sub(cached.FetchedAt)
	if ok && age < o.ttl {
		metrics.OracleLookups.WithLabelValues("hit").Inc()
		return cached, nil
	}

	v, err, _ := o.group.Do(ticker, func() (any, error) {
		q, err := o.source.Quote(ctx, ticker)
		if err != nil {
			return nil, err
		}
		if q.FetchedAt.IsZero() {
			q.FetchedAt = o.now().UTC()
		}
		if err := o.cache.Set(ctx, q, o.ttl+o.maxStale); err != nil {
			slog.Warn("quote cache write failed", "ticker", ticker, "err", err)
		}
		return q, nil
	})
	if err == nil {
		metrics.OracleLookups.WithLabelValues("miss").Inc()
		return v.(model.Quote), nil
	}

	if errors.Is(err, ErrNotFound) {
		metrics.OracleLookups.WithLabelValues("not_found").Inc()
		return model.Quote{}, err
	}
	if ok && age <= o.ttl+o.maxStale {
		metrics.OracleLookups.WithLabelValues("stale").Inc()
		slog.Warn("serving stale quote", "ticker", ticker, "age", age.String(), "err", err)
		return cached, nil
	}
	metrics.OracleLookups.WithLabelValues("error").Inc()
	return model.Quote{}, err
}
