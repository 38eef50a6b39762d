package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// seedTestData gives the trader an open ETH position with a matching history.
// Rows carry fixed ids so reruns are no-ops.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	var ethID uuid.UUID
	if err := pool.QueryRow(ctx, `SELECT asset_id FROM assets WHERE symbol = 'ETH'`).Scan(&ethID); err != nil {
		return fmt.Errorf("lookup ETH: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	buyID := uuid.MustParse("00000000-0000-0000-0000-000000000201")
	tag, err := tx.Exec(ctx, `
		INSERT INTO transactions (transaction_id, user_id, asset_id, side, price, volume, created_at)
		VALUES ($1, $2, $3, 'buy', $4, $5, $6)
		ON CONFLICT (transaction_id) DO NOTHING
	`, buyID, traderUserID, ethID, "3000", 5, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("insert trader buy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users SET balance = balance - $1::numeric, updated_at = now() WHERE user_id = $2
	`, "15000", traderUserID); err != nil {
		return fmt.Errorf("debit trader: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO portfolio (user_id, asset_id, volume, avg_price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, asset_id) DO UPDATE
		SET avg_price = ROUND((portfolio.volume * portfolio.avg_price + EXCLUDED.volume * EXCLUDED.avg_price)
		                      / (portfolio.volume + EXCLUDED.volume), 8),
		    volume = portfolio.volume + EXCLUDED.volume,
		    updated_at = now()
	`, traderUserID, ethID, 5, "3000"); err != nil {
		return fmt.Errorf("insert trader position: %w", err)
	}

	return tx.Commit(ctx)
}
