package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

type seedAsset struct {
	ID     uuid.UUID
	Symbol string
	Name   string
	Price  string
}

var assets = []seedAsset{
	{uuid.MustParse("00000000-0000-0000-0000-000000000101"), "AAPL", "Apple Inc.", "189.50"},
	{uuid.MustParse("00000000-0000-0000-0000-000000000102"), "BTC", "Bitcoin", "65000"},
	{uuid.MustParse("00000000-0000-0000-0000-000000000103"), "ETH", "Ethereum", "3200"},
	{uuid.MustParse("00000000-0000-0000-0000-000000000104"), "TSLA", "Tesla Inc.", "175.25"},
}

func main() {
	env := getEnv("TRADESIM_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: TRADESIM_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := os.Getenv("TRADESIM_DB_DSN")
	if connStr == "" {
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("POSTGRES_USER", "tradesim"),
			getEnv("POSTGRES_PASSWORD", "tradesim"),
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_DB", "tradesim"),
			getEnv("POSTGRES_SSLMODE", "disable"),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database (schema is created by the settlement service on start)...")

	if err := seedUsers(ctx, pool); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if err := seedAssets(ctx, pool); err != nil {
		log.Fatalf("seed assets: %v", err)
	}
	fmt.Println("✓ Assets seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("  demo:   %s (demo@example.com)\n", demoUserID)
	fmt.Printf("  trader: %s (trader@example.com)\n", traderUserID)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()
	users := []struct {
		id       uuid.UUID
		username string
		email    string
		balance  string
	}{
		{demoUserID, "demo", "demo@example.com", "10000"},
		{traderUserID, "trader", "trader@example.com", "250000"},
	}

	for _, u := range users {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (user_id, username, email, balance, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (email) DO UPDATE
			SET username = EXCLUDED.username,
			    updated_at = EXCLUDED.updated_at
		`, u.id, u.username, u.email, u.balance, now, now)
		if err != nil {
			return fmt.Errorf("insert %s: %w", u.email, err)
		}
	}
	return nil
}

func seedAssets(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()
	for _, a := range assets {
		_, err := pool.Exec(ctx, `
			INSERT INTO assets (asset_id, symbol, name, current_price, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol) DO UPDATE
			SET name = EXCLUDED.name,
			    current_price = EXCLUDED.current_price,
			    updated_at = EXCLUDED.updated_at
		`, a.ID, a.Symbol, a.Name, a.Price, now)
		if err != nil {
			return fmt.Errorf("insert %s: %w", a.Symbol, err)
		}
	}
	return nil
}
