package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// NewPool opens a pgx pool with shopspring/decimal registered for NUMERIC
// columns and verifies connectivity.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// querier is the subset of pgxpool.Pool and pgx.Tx used by the row helpers.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store. The pool should
// come from NewPool so NUMERIC scans into decimal.Decimal.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, cash_balance, created_at, password_hash) VALUES ($1, $2, $3, $4)`,
		a.UserID, a.CashBalance, a.CreatedAt, a.PasswordHash,
	)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return getAccount(ctx, s.pool, userID, false)
}

func (s *PostgresStore) PasswordHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT password_hash FROM accounts WHERE user_id = $1`, userID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get password hash %s: %w", userID, err)
	}
	return hash, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return getPosition(ctx, s.pool, userID, ticker)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, userID)
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	return upsertPosition(ctx, s.pool, p)
}

func (s *PostgresStore) DeletePosition(ctx context.Context, userID, ticker string) error {
	return deletePosition(ctx, s.pool, userID, ticker)
}

func (s *PostgresStore) GetTrade(ctx context.Context, userID, tradeID string) (*model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1 AND user_id = $2`, tradeID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrTradeNotFound
	}
	return &trades[0], nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1
		 ORDER BY execution_date DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) AddWatch(ctx context.Context, e *model.WatchlistEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO watchlist (user_id, ticker, added_at) VALUES ($1, $2, $3)`,
		e.UserID, e.Ticker, e.AddedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyWatched
	}
	return err
}

func (s *PostgresStore) RemoveWatch(ctx context.Context, userID, ticker string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM watchlist WHERE user_id = $1 AND ticker = $2`, userID, ticker)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotWatched
	}
	return nil
}

func (s *PostgresStore) ListWatch(ctx context.Context, userID string) ([]model.WatchlistEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, ticker, added_at FROM watchlist
		 WHERE user_id = $1 ORDER BY added_at, ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.WatchlistEntry
	for rows.Next() {
		var e model.WatchlistEntry
		if err := rows.Scan(&e.UserID, &e.Ticker, &e.AddedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InTx runs fn inside a database transaction. LockAccount takes a row lock
// (SELECT ... FOR UPDATE) so trades for the same user serialize across
// service instances.
func (s *PostgresStore) InTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", userID, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockAccount(ctx context.Context, userID string) (*model.Account, error) {
	return getAccount(ctx, t.tx, userID, true)
}

func (t *postgresTx) SetCashBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return model.ErrNegativeBalance
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET cash_balance = $2 WHERE user_id = $1`, userID, balance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return getPosition(ctx, t.tx, userID, ticker)
}

func (t *postgresTx) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, t.tx, userID)
}

func (t *postgresTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	return upsertPosition(ctx, t.tx, p)
}

func (t *postgresTx) DeletePosition(ctx context.Context, userID, ticker string) error {
	return deletePosition(ctx, t.tx, userID, ticker)
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, stock_ticker, quantity, price, trade_type, status, execution_date, total_value)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tr.ID, tr.UserID, tr.Ticker, tr.Quantity, tr.Price,
		string(tr.TradeType), string(tr.Status), tr.ExecutionDate, tr.TotalValue,
	)
	return err
}

// --- Row helpers shared by the pool and transactions ---

func getAccount(ctx context.Context, q querier, userID string, forUpdate bool) (*model.Account, error) {
	sql := `SELECT user_id, cash_balance, created_at FROM accounts WHERE user_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var a model.Account
	err := q.QueryRow(ctx, sql, userID).Scan(&a.UserID, &a.CashBalance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	return &a, nil
}

const positionColumns = `id, user_id, stock_ticker, total_quantity, average_price, updated_at`

func getPosition(ctx context.Context, q querier, userID, ticker string) (*model.Position, error) {
	var p model.Position
	err := q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND stock_ticker = $2`,
		userID, ticker).
		Scan(&p.ID, &p.UserID, &p.Ticker, &p.TotalQuantity, &p.AveragePrice, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, ticker, err)
	}
	return &p, nil
}

func listPositions(ctx context.Context, q querier, userID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY stock_ticker`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.Ticker, &p.TotalQuantity, &p.AveragePrice, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func upsertPosition(ctx context.Context, q querier, p *model.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := q.Exec(ctx,
		`INSERT INTO positions (id, user_id, stock_ticker, total_quantity, average_price, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, stock_ticker) DO UPDATE
		 SET total_quantity = EXCLUDED.total_quantity,
		     average_price = EXCLUDED.average_price,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.Ticker, p.TotalQuantity, p.AveragePrice, p.UpdatedAt,
	)
	return err
}

func deletePosition(ctx context.Context, q querier, userID, ticker string) error {
	_, err := q.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND stock_ticker = $2`, userID, ticker)
	return err
}

const tradeColumns = `id, user_id, stock_ticker, quantity, price, trade_type, status, execution_date, total_value`

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var tradeType, status string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Ticker, &t.Quantity, &t.Price,
			&tradeType, &status, &t.ExecutionDate, &t.TotalValue); err != nil {
			return nil, err
		}
		t.TradeType = model.TradeType(tradeType)
		t.Status = model.TradeStatus(status)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
