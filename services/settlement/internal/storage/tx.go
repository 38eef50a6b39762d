package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// Tx is the set of reads and writes a settlement may perform. Every call made
// through one Tx commits or rolls back together.
type Tx interface {
	LookupAsset(ctx context.Context, symbol string) (Asset, error)
	GetBalanceForUpdate(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	AdjustBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error)
	GetPositionForUpdate(ctx context.Context, userID, assetID uuid.UUID) (Position, error)
	UpsertPosition(ctx context.Context, pos Position) error
	DeletePosition(ctx context.Context, userID, assetID uuid.UUID) error
	AppendTransaction(ctx context.Context, txn Transaction) error
}

// TxFunc runs inside a transaction. Returning an error rolls the transaction back.
// Stores may invoke it more than once when the database aborts an attempt.
type TxFunc func(ctx context.Context, tx Tx) error
