package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type positionKey struct {
	userID  uuid.UUID
	assetID uuid.UUID
}

type memoryState struct {
	users        map[uuid.UUID]User
	positions    map[positionKey]Position
	transactions []Transaction
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		users:        make(map[uuid.UUID]User, len(s.users)),
		positions:    make(map[positionKey]Position, len(s.positions)),
		transactions: s.transactions[:len(s.transactions):len(s.transactions)],
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.positions {
		out.positions[k] = v
	}
	return out
}

// Memory is an in-process Store. Transactions are serialized by a single
// mutex and staged on a copy of the state, so a failed or panicking TxFunc
// leaves nothing behind.
type Memory struct {
	mu     sync.Mutex
	assets map[string]Asset
	state  memoryState
}

func NewMemory() *Memory {
	return &Memory{
		assets: make(map[string]Asset),
		state: memoryState{
			users:     make(map[uuid.UUID]User),
			positions: make(map[positionKey]Position),
		},
	}
}

func (m *Memory) AddUser(user User) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	m.state.users[user.ID] = user
	return user
}

func (m *Memory) AddAsset(asset Asset) Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	asset.Symbol = NormalizeSymbol(asset.Symbol)
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = time.Now().UTC()
	}
	m.assets[asset.Symbol] = asset
	return asset
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) WithTx(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(ctx, &memoryTx{assets: m.assets, state: &staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *Memory) ListAssets(context.Context) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Asset, 0, len(m.assets))
	for _, asset := range m.assets {
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *Memory) GetAssetBySymbol(_ context.Context, symbol string) (Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.assets[NormalizeSymbol(symbol)]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return asset, nil
}

func (m *Memory) GetBalance(_ context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.state.users[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return user.Balance, nil
}

func (m *Memory) SetBalance(_ context.Context, userID uuid.UUID, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.state.users[userID]
	if !ok {
		return ErrNotFound
	}
	if balance.IsNegative() {
		return fmt.Errorf("balance must be non-negative")
	}
	user.Balance = balance
	user.UpdatedAt = time.Now().UTC()
	m.state.users[userID] = user
	return nil
}

func (m *Memory) ListPortfolio(_ context.Context, userID uuid.UUID) ([]PortfolioItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []PortfolioItem
	for key, pos := range m.state.positions {
		if key.userID != userID {
			continue
		}
		asset, ok := m.assetByID(pos.AssetID)
		if !ok {
			continue
		}
		items = append(items, PortfolioItem{Position: pos, Symbol: asset.Symbol, CurrentPrice: asset.CurrentPrice})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })
	return items, nil
}

func (m *Memory) ListTransactions(_ context.Context, userID uuid.UUID) ([]TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []TransactionRecord
	for i := len(m.state.transactions) - 1; i >= 0; i-- {
		txn := m.state.transactions[i]
		if txn.UserID != userID {
			continue
		}
		rec := TransactionRecord{Transaction: txn}
		if asset, ok := m.assetByID(txn.AssetID); ok {
			rec.Symbol = asset.Symbol
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Memory) assetByID(id uuid.UUID) (Asset, bool) {
	for _, asset := range m.assets {
		if asset.ID == id {
			return asset, true
		}
	}
	return Asset{}, false
}

type memoryTx struct {
	assets map[string]Asset
	state  *memoryState
}

func (t *memoryTx) LookupAsset(_ context.Context, symbol string) (Asset, error) {
	asset, ok := t.assets[NormalizeSymbol(symbol)]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return asset, nil
}

func (t *memoryTx) GetBalanceForUpdate(_ context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	user, ok := t.state.users[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	return user.Balance, nil
}

func (t *memoryTx) AdjustBalance(_ context.Context, userID uuid.UUID, delta decimal.Decimal) (decimal.Decimal, error) {
	user, ok := t.state.users[userID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	next := user.Balance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("balance would become negative for user %s", userID)
	}
	user.Balance = next
	user.UpdatedAt = time.Now().UTC()
	t.state.users[userID] = user
	return next, nil
}

func (t *memoryTx) GetPositionForUpdate(_ context.Context, userID, assetID uuid.UUID) (Position, error) {
	pos, ok := t.state.positions[positionKey{userID: userID, assetID: assetID}]
	if !ok {
		return Position{}, ErrNotFound
	}
	return pos, nil
}

func (t *memoryTx) UpsertPosition(_ context.Context, pos Position) error {
	if pos.Volume <= 0 {
		return fmt.Errorf("position volume must be positive")
	}
	if _, ok := t.state.users[pos.UserID]; !ok {
		return fmt.Errorf("position references unknown user %s", pos.UserID)
	}
	t.state.positions[positionKey{userID: pos.UserID, assetID: pos.AssetID}] = pos
	return nil
}

func (t *memoryTx) DeletePosition(_ context.Context, userID, assetID uuid.UUID) error {
	key := positionKey{userID: userID, assetID: assetID}
	if _, ok := t.state.positions[key]; !ok {
		return ErrNotFound
	}
	delete(t.state.positions, key)
	return nil
}

func (t *memoryTx) AppendTransaction(_ context.Context, txn Transaction) error {
	if txn.Volume <= 0 || !txn.Price.IsPositive() {
		return fmt.Errorf("transaction price and volume must be positive")
	}
	t.state.transactions = append(t.state.transactions, txn)
	return nil
}
