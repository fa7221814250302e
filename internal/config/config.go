// Package config loads service settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration

	StartingBalance decimal.Decimal

	OracleURL           string
	OraclePricePath     string
	OraclePrevClosePath string
	OracleNamePath      string
	OracleVolumePath    string
	OracleTTL           time.Duration
	OracleMaxStale      time.Duration
	OracleTimeout       time.Duration

	RejectUnknownTickers bool
	CacheTTL             time.Duration
}

// Load reads the environment. Every missing required variable is reported
// in a single error.
func Load() (Config, error) {
	var c Config
	var missing []string
	var errs []error

	c.Port = getenv("PORT", "8080")
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.RedisURL = os.Getenv("REDIS_URL")

	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	c.JWTIssuer = getenv("JWT_ISSUER", "paper-engine")

	c.OracleURL = strings.TrimRight(os.Getenv("ORACLE_URL"), "/")
	c.OraclePricePath = getenv("ORACLE_PRICE_PATH", "$.price")
	c.OraclePrevClosePath = getenv("ORACLE_PREV_CLOSE_PATH", "$.previous_close")
	c.OracleNamePath = getenv("ORACLE_NAME_PATH", "$.name")
	c.OracleVolumePath = getenv("ORACLE_VOLUME_PATH", "$.volume")

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"JWT_TTL", 24 * time.Hour, &c.JWTTTL},
		{"ORACLE_TTL", 60 * time.Second, &c.OracleTTL},
		{"ORACLE_MAX_STALE", 15 * time.Minute, &c.OracleMaxStale},
		{"ORACLE_TIMEOUT", 3 * time.Second, &c.OracleTimeout},
		{"CACHE_TTL", 30 * time.Second, &c.CacheTTL},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	c.StartingBalance = model.StartingBalance
	if raw := strings.TrimSpace(os.Getenv("STARTING_BALANCE")); raw != "" {
		bal, err := decimal.NewFromString(raw)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("invalid STARTING_BALANCE: %w", err))
		case bal.IsNegative():
			errs = append(errs, errors.New("invalid STARTING_BALANCE: must not be negative"))
		default:
			c.StartingBalance = bal
		}
	}

	c.RejectUnknownTickers = true
	if raw := strings.TrimSpace(os.Getenv("REJECT_UNKNOWN_TICKERS")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid REJECT_UNKNOWN_TICKERS: %w", err))
		} else {
			c.RejectUnknownTickers = b
		}
	}

	if len(missing) > 0 {
		errs = append([]error{errors.New("missing required env: " + strings.Join(missing, ","))}, errs...)
	}
	return c, errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
