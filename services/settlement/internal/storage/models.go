package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

type User struct {
	ID            uuid.UUID
	Username      string
	Email         string
	WalletAddress string
	Balance       decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Asset struct {
	ID           uuid.UUID
	Symbol       string
	Name         string
	CurrentPrice decimal.Decimal
	UpdatedAt    time.Time
}

// Position is a portfolio row. A persisted position always has Volume > 0.
type Position struct {
	UserID    uuid.UUID
	AssetID   uuid.UUID
	Volume    int64
	AvgPrice  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is an append-only record of one settled trade.
type Transaction struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	AssetID   uuid.UUID
	Side      string
	Price     decimal.Decimal
	Volume    int64
	CreatedAt time.Time
}

type PortfolioItem struct {
	Position
	Symbol       string
	CurrentPrice decimal.Decimal
}

type TransactionRecord struct {
	Transaction
	Symbol string
}
