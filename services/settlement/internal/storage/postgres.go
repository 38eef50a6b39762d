package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

type TxMetrics interface {
	IncTxRetry(reason string)
}

type Options struct {
	// MaxAttempts bounds how many times an aborted transaction is re-run.
	MaxAttempts int
	IsoLevel    pgx.TxIsoLevel
	Logger      *slog.Logger
	Metrics     TxMetrics
}

type Postgres struct {
	pool        *pgxpool.Pool
	maxAttempts int
	isoLevel    pgx.TxIsoLevel
	logger      *slog.Logger
	metrics     TxMetrics
}

func NewPostgres(pool *pgxpool.Pool, opts Options) *Postgres {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 16
	}
	if opts.IsoLevel == "" {
		opts.IsoLevel = pgx.Serializable
	}
	return &Postgres{
		pool:        pool,
		maxAttempts: opts.MaxAttempts,
		isoLevel:    opts.IsoLevel,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn in a transaction at the configured isolation level. Attempts
// aborted with a serialization failure or deadlock are re-run from scratch.
func (s *Postgres) WithTx(ctx context.Context, fn TxFunc) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		retriable, reason := isTxRetriable(err)
		if !retriable || attempt == s.maxAttempts {
			return err
		}
		if s.metrics != nil {
			s.metrics.IncTxRetry(reason)
		}
		s.logger.WarnContext(ctx, "settlement transaction aborted, retrying", "attempt", attempt, "reason", reason)

		timer := time.NewTimer(backoffDuration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func (s *Postgres) runTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: s.isoLevel})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Postgres) ListAssets(ctx context.Context) ([]Asset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT asset_id, symbol, name, current_price::text, updated_at
		FROM assets
		ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return assets, nil
}

func (s *Postgres) GetAssetBySymbol(ctx context.Context, symbol string) (Asset, error) {
	return lookupAsset(ctx, s.pool, symbol)
}

func (s *Postgres) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balanceStr string
	row := s.pool.QueryRow(ctx, `SELECT balance::text FROM users WHERE user_id = $1`, userID)
	if err := row.Scan(&balanceStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, err
	}
	return parseDecimal("balance", balanceStr)
}

func (s *Postgres) SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET balance = $1, updated_at = $2 WHERE user_id = $3
	`, balance.String(), time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListPortfolio(ctx context.Context, userID uuid.UUID) ([]PortfolioItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.user_id, p.asset_id, p.volume, p.avg_price::text, p.created_at, p.updated_at,
		       a.symbol, a.current_price::text
		FROM portfolio p
		JOIN assets a ON a.asset_id = p.asset_id
		WHERE p.user_id = $1
		ORDER BY a.symbol
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PortfolioItem
	for rows.Next() {
		var item PortfolioItem
		var avgStr, priceStr string
		if err := rows.Scan(&item.UserID, &item.AssetID, &item.Volume, &avgStr, &item.CreatedAt, &item.UpdatedAt, &item.Symbol, &priceStr); err != nil {
			return nil, err
		}
		if item.AvgPrice, err = parseDecimal("avg_price", avgStr); err != nil {
			return nil, err
		}
		if item.CurrentPrice, err = parseDecimal("current_price", priceStr); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

func (s *Postgres) ListTransactions(ctx context.Context, userID uuid.UUID) ([]TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.transaction_id, t.user_id, t.asset_id, t.side, t.price::text, t.volume, t.created_at, a.symbol
		FROM transactions t
		JOIN assets a ON a.asset_id = t.asset_id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC, t.transaction_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		var priceStr string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.AssetID, &rec.Side, &priceStr, &rec.Volume, &rec.CreatedAt, &rec.Symbol); err != nil {
			return nil, err
		}
		if rec.Price, err = parseDecimal("price", priceStr); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LookupAsset(ctx context.Context, symbol string) (Asset, error) {
	return lookupAsset(ctx, t.tx, symbol)
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var balanceStr string
	row := t.tx.QueryRow(ctx, `SELECT balance::text FROM users WHERE user_id = $1 FOR UPDATE`, userID)
	if err := row.Scan(&balanceStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, err
	}
	return parseDecimal("balance", balanceStr)
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	var balanceStr string
	row := t.tx.QueryRow(ctx, `
		UPDATE users
		SET balance = balance + $1::numeric, updated_at = $2
		WHERE user_id = $3
		RETURNING balance::text
	`, delta.String(), time.Now().UTC(), userID)
	if err := row.Scan(&balanceStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, err
	}
	return parseDecimal("balance", balanceStr)
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, userID, assetID uuid.UUID) (Position, error) {
	pos := Position{UserID: userID, AssetID: assetID}
	var avgStr string
	row := t.tx.QueryRow(ctx, `
		SELECT volume, avg_price::text, created_at, updated_at
		FROM portfolio
		WHERE user_id = $1 AND asset_id = $2
		FOR UPDATE
	`, userID, assetID)
	if err := row.Scan(&pos.Volume, &avgStr, &pos.CreatedAt, &pos.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrNotFound
		}
		return Position{}, err
	}
	var err error
	if pos.AvgPrice, err = parseDecimal("avg_price", avgStr); err != nil {
		return Position{}, err
	}
	return pos, nil
}

func (t *pgTx) UpsertPosition(ctx context.Context, pos Position) error {
	if pos.Volume <= 0 {
		return fmt.Errorf("position volume must be positive")
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO portfolio (user_id, asset_id, volume, avg_price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, asset_id) DO UPDATE
		SET volume = EXCLUDED.volume, avg_price = EXCLUDED.avg_price, updated_at = EXCLUDED.updated_at
	`, pos.UserID, pos.AssetID, pos.Volume, pos.AvgPrice.String(), pos.CreatedAt, pos.UpdatedAt)
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, assetID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM portfolio WHERE user_id = $1 AND asset_id = $2`, userID, assetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (transaction_id, user_id, asset_id, side, price, volume, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, txn.ID, txn.UserID, txn.AssetID, txn.Side, txn.Price.String(), txn.Volume, txn.CreatedAt)
	return err
}

func lookupAsset(ctx context.Context, q querier, symbol string) (Asset, error) {
	row := q.QueryRow(ctx, `
		SELECT asset_id, symbol, name, current_price::text, updated_at
		FROM assets
		WHERE symbol = $1
	`, NormalizeSymbol(symbol))
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, err
	}
	return asset, nil
}

func scanAsset(row pgx.Row) (Asset, error) {
	var asset Asset
	var priceStr string
	if err := row.Scan(&asset.ID, &asset.Symbol, &asset.Name, &priceStr, &asset.UpdatedAt); err != nil {
		return Asset{}, err
	}
	price, err := parseDecimal("current_price", priceStr)
	if err != nil {
		return Asset{}, err
	}
	asset.CurrentPrice = price
	return asset, nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func isTxRetriable(err error) (bool, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure:
			return true, "serialization_failure"
		case sqlStateDeadlockDetected:
			return true, "deadlock"
		}
	}
	return false, ""
}

func backoffDuration(attempt int) time.Duration {
	base := 20 * time.Millisecond
	if attempt <= 1 {
		return base
	}
	return base * time.Duration(attempt)
}
