package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := os.Getenv("TRADESIM_DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("POSTGRES_USER", "tradesim"),
			getEnv("POSTGRES_PASSWORD", "tradesim"),
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_DB", "tradesim"),
			getEnv("POSTGRES_SSLMODE", "disable"),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// CleanupUser removes a test user with its positions. Transactions are
// append-only, so the trigger is bypassed for the duration of the delete.
func CleanupUser(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, "SET LOCAL session_replication_role = replica"); err != nil {
		return fmt.Errorf("disable triggers: %w", err)
	}
	queries := []string{
		"DELETE FROM transactions WHERE user_id = $1",
		"DELETE FROM portfolio WHERE user_id = $1",
		"DELETE FROM users WHERE user_id = $1",
	}
	for _, q := range queries {
		if _, err := tx.Exec(ctx, q, userID); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return tx.Commit(ctx)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func CleanupAsset(ctx context.Context, pool *pgxpool.Pool, assetID uuid.UUID) error {
	if _, err := pool.Exec(ctx, "DELETE FROM assets WHERE asset_id = $1", assetID); err != nil {
		return fmt.Errorf("cleanup asset: %w", err)
	}
	return nil
}
