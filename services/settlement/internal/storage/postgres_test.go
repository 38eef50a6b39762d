package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nminh2209/tradesim/services/testutil"
	"github.com/shopspring/decimal"
)

func setupPostgres(t *testing.T) (*pgxpool.Pool, *Postgres) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool, NewPostgres(pool, Options{})
}

func createTestUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, balance string) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	_, err := pool.Exec(ctx, `
		INSERT INTO users (user_id, username, email, balance)
		VALUES ($1, $2, $3, $4)
	`, userID, "test-"+userID.String()[:8], userID.String()+"@example.com", balance)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	t.Cleanup(func() {
		if err := testutil.CleanupUser(context.Background(), pool, userID); err != nil {
			t.Logf("cleanup user: %v", err)
		}
	})
	return userID
}

func createTestAsset(t *testing.T, ctx context.Context, pool *pgxpool.Pool, price string) Asset {
	t.Helper()
	asset := Asset{ID: uuid.New(), Name: "test asset"}
	asset.Symbol = "T" + strings.ToUpper(strings.ReplaceAll(asset.ID.String(), "-", "")[:10])
	_, err := pool.Exec(ctx, `
		INSERT INTO assets (asset_id, symbol, name, current_price)
		VALUES ($1, $2, $3, $4)
	`, asset.ID, asset.Symbol, asset.Name, price)
	if err != nil {
		t.Fatalf("insert asset: %v", err)
	}
	// Registered before any user cleanup so it runs after them.
	t.Cleanup(func() {
		if err := testutil.CleanupAsset(context.Background(), pool, asset.ID); err != nil {
			t.Logf("cleanup asset: %v", err)
		}
	})
	return asset
}

func buyInTx(ctx context.Context, store *Postgres, userID uuid.UUID, symbol string, price decimal.Decimal, volume int64) error {
	return store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		asset, err := tx.LookupAsset(ctx, symbol)
		if err != nil {
			return err
		}
		balance, err := tx.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		cost := price.Mul(decimal.NewFromInt(volume))
		if balance.LessThan(cost) {
			return errors.New("insufficient balance")
		}
		if _, err := tx.AdjustBalance(ctx, userID, cost.Neg()); err != nil {
			return err
		}
		now := time.Now().UTC()
		pos, err := tx.GetPositionForUpdate(ctx, userID, asset.ID)
		switch {
		case err == nil:
			pos.Volume += volume
			pos.UpdatedAt = now
		case errors.Is(err, ErrNotFound):
			pos = Position{UserID: userID, AssetID: asset.ID, Volume: volume, AvgPrice: price, CreatedAt: now, UpdatedAt: now}
		default:
			return err
		}
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, Transaction{
			ID: uuid.New(), UserID: userID, AssetID: asset.ID, Side: SideBuy,
			Price: price, Volume: volume, CreatedAt: now,
		})
	})
}

func TestPostgresBalanceReads(t *testing.T) {
	pool, store := setupPostgres(t)
	ctx := context.Background()
	userID := createTestUser(t, ctx, pool, "1.5")

	balance, err := store.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("expected 1.5, got %s", balance)
	}
	if _, err := store.GetBalance(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SetBalance(ctx, userID, decimal.NewFromInt(7)); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	if err := store.SetBalance(ctx, uuid.New(), decimal.NewFromInt(7)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresWithTxCommitAndRollback(t *testing.T) {
	pool, store := setupPostgres(t)
	ctx := context.Background()
	asset := createTestAsset(t, ctx, pool, "0.25")
	userID := createTestUser(t, ctx, pool, "1.0")

	if err := buyInTx(ctx, store, userID, asset.Symbol, decimal.RequireFromString("0.25"), 2); err != nil {
		t.Fatalf("buy: %v", err)
	}

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.AdjustBalance(ctx, userID, decimal.RequireFromString("-0.5")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	balance, _ := store.GetBalance(ctx, userID)
	if !balance.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected 0.5 after rollback, got %s", balance)
	}
	items, err := store.ListPortfolio(ctx, userID)
	if err != nil {
		t.Fatalf("ListPortfolio: %v", err)
	}
	if len(items) != 1 || items[0].Volume != 2 || items[0].Symbol != asset.Symbol {
		t.Fatalf("unexpected portfolio %+v", items)
	}
	records, err := store.ListTransactions(ctx, userID)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(records) != 1 || records[0].Side != SideBuy {
		t.Fatalf("unexpected transactions %+v", records)
	}
}

func TestPostgresBalanceCheckConstraint(t *testing.T) {
	pool, store := setupPostgres(t)
	ctx := context.Background()
	userID := createTestUser(t, ctx, pool, "1")

	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AdjustBalance(ctx, userID, decimal.NewFromInt(-2))
		return err
	})
	if err == nil {
		t.Fatalf("expected negative balance to violate check constraint")
	}
}

func TestPostgresTransactionsAppendOnly(t *testing.T) {
	pool, store := setupPostgres(t)
	ctx := context.Background()
	asset := createTestAsset(t, ctx, pool, "1")
	userID := createTestUser(t, ctx, pool, "10")

	if err := buyInTx(ctx, store, userID, asset.Symbol, decimal.NewFromInt(1), 1); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE transactions SET volume = 5 WHERE user_id = $1`, userID); err == nil {
		t.Fatalf("expected update on transactions to fail")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM transactions WHERE user_id = $1`, userID); err == nil {
		t.Fatalf("expected delete on transactions to fail")
	}
}

func TestPostgresConcurrentBuys(t *testing.T) {
	pool, _ := setupPostgres(t)
	ctx := context.Background()
	asset := createTestAsset(t, ctx, pool, "1")
	userID := createTestUser(t, ctx, pool, "1000")

	const workers = 20
	// Every writer contends on one user row; each round lets one commit.
	store := NewPostgres(pool, Options{MaxAttempts: workers + 5})
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := buyInTx(ctx, store, userID, asset.Symbol, decimal.NewFromInt(1), 3); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent buy: %v", err)
	}

	items, err := store.ListPortfolio(ctx, userID)
	if err != nil {
		t.Fatalf("ListPortfolio: %v", err)
	}
	if len(items) != 1 || items[0].Volume != 3*workers {
		t.Fatalf("expected volume %d, got %+v", 3*workers, items)
	}
	balance, _ := store.GetBalance(ctx, userID)
	if !balance.Equal(decimal.NewFromInt(1000 - 3*workers)) {
		t.Fatalf("expected balance %d, got %s", 1000-3*workers, balance)
	}
}
