package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nminh2209/tradesim/libs/kafka"
	"github.com/nminh2209/tradesim/libs/trace"
	"github.com/nminh2209/tradesim/services/settlement/internal/storage"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxPriceScale is the number of fractional digits prices and balances keep.
const MaxPriceScale = 8

// MaxAmount is the exclusive upper bound of a NUMERIC(20,8) column. Prices,
// trade notionals and balances must stay below it.
var MaxAmount = decimal.New(1, 20-MaxPriceScale)

type Store interface {
	WithTx(ctx context.Context, fn storage.TxFunc) error
	ListAssets(ctx context.Context) ([]storage.Asset, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error
	ListPortfolio(ctx context.Context, userID uuid.UUID) ([]storage.PortfolioItem, error)
	ListTransactions(ctx context.Context, userID uuid.UUID) ([]storage.TransactionRecord, error)
}

type AssetReader interface {
	GetAssetBySymbol(ctx context.Context, symbol string) (storage.Asset, error)
}

type Options struct {
	Topic     string
	TxTimeout time.Duration
	Now       func() time.Time
}

type SettlementService struct {
	store     Store
	assets    AssetReader
	publisher kafka.Publisher
	logger    *slog.Logger
	metrics   *Metrics
	topic     string
	txTimeout time.Duration
	now       func() time.Time
}

type TradeRequest struct {
	UserID        uuid.UUID
	Symbol        string
	Price         decimal.Decimal
	Volume        int64
	CorrelationID string
}

// SettlementResult is the post-commit view of one trade. Position is nil
// when a sell closed the position.
type SettlementResult struct {
	Side        string
	Symbol      string
	Balance     decimal.Decimal
	Position    *storage.Position
	Transaction storage.Transaction
}

func NewSettlementService(store Store, assets AssetReader, publisher kafka.Publisher, logger *slog.Logger, metrics *Metrics, opts Options) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Topic == "" {
		publisher = nil
	}
	return &SettlementService{
		store:     store,
		assets:    assets,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		topic:     opts.Topic,
		txTimeout: opts.TxTimeout,
		now:       opts.Now,
	}
}

func (s *SettlementService) Buy(ctx context.Context, req TradeRequest) (*SettlementResult, error) {
	return s.settle(ctx, storage.SideBuy, req, s.applyBuy)
}

func (s *SettlementService) Sell(ctx context.Context, req TradeRequest) (*SettlementResult, error) {
	return s.settle(ctx, storage.SideSell, req, s.applySell)
}

type applyFunc func(ctx context.Context, tx storage.Tx, req TradeRequest, res *SettlementResult) error

func (s *SettlementService) settle(ctx context.Context, side string, req TradeRequest, apply applyFunc) (*SettlementResult, error) {
	start := time.Now()
	req.Symbol = storage.NormalizeSymbol(req.Symbol)

	ctx, span := trace.Start(ctx, "settlement."+side)
	defer span.End()
	span.SetAttributes(
		attribute.String("settlement.symbol", req.Symbol),
		attribute.Int64("settlement.volume", req.Volume),
	)

	result, err := s.runSettlement(ctx, side, req, apply)
	s.metrics.observeSettlement(side, err, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		attrs := []any{"side", side, "user_id", req.UserID.String(), "symbol", req.Symbol, "code", Code(err), "error", err}
		if errors.Is(err, ErrStorage) {
			s.logger.ErrorContext(ctx, "settlement failed", attrs...)
		} else {
			s.logger.InfoContext(ctx, "settlement rejected", attrs...)
		}
		return nil, err
	}

	notional, _ := result.Transaction.Price.Mul(decimal.NewFromInt(result.Transaction.Volume)).Float64()
	s.metrics.addNotional(side, notional)
	s.logger.InfoContext(ctx, "settlement committed",
		"side", side,
		"user_id", req.UserID.String(),
		"symbol", req.Symbol,
		"price", req.Price.String(),
		"volume", req.Volume,
		"balance", result.Balance.String(),
		"transaction_id", result.Transaction.ID.String(),
	)
	s.publish(ctx, req, result)
	return result, nil
}

func (s *SettlementService) runSettlement(ctx context.Context, side string, req TradeRequest, apply applyFunc) (*SettlementResult, error) {
	if err := validateTrade(req); err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	var result *SettlementResult
	err := s.store.WithTx(txCtx, func(ctx context.Context, tx storage.Tx) error {
		res := &SettlementResult{Side: side}
		if err := apply(ctx, tx, req, res); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (s *SettlementService) applyBuy(ctx context.Context, tx storage.Tx, req TradeRequest, res *SettlementResult) error {
	asset, err := tx.LookupAsset(ctx, req.Symbol)
	if err != nil {
		return notFoundAs(err, ErrAssetNotFound, req.Symbol)
	}
	res.Symbol = asset.Symbol

	balance, err := tx.GetBalanceForUpdate(ctx, req.UserID)
	if err != nil {
		return notFoundAs(err, ErrUserNotFound, req.UserID.String())
	}

	cost := req.Price.Mul(decimal.NewFromInt(req.Volume))
	if cost.GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: trade value %s out of range", ErrInvalidInput, cost.String())
	}
	if balance.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, cost.String(), balance.String())
	}

	res.Balance, err = tx.AdjustBalance(ctx, req.UserID, cost.Neg())
	if err != nil {
		return err
	}

	now := s.now().UTC()
	pos, err := tx.GetPositionForUpdate(ctx, req.UserID, asset.ID)
	switch {
	case err == nil:
		if pos.Volume > math.MaxInt64-req.Volume {
			return fmt.Errorf("%w: position volume overflow", ErrInvalidInput)
		}
		pos.AvgPrice = weightedAverage(pos.Volume, pos.AvgPrice, req.Volume, req.Price)
		pos.Volume += req.Volume
		pos.UpdatedAt = now
	case errors.Is(err, storage.ErrNotFound):
		pos = storage.Position{
			UserID:    req.UserID,
			AssetID:   asset.ID,
			Volume:    req.Volume,
			AvgPrice:  req.Price,
			CreatedAt: now,
			UpdatedAt: now,
		}
	default:
		return err
	}
	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return err
	}
	res.Position = &pos

	res.Transaction, err = s.appendTransaction(ctx, tx, req, asset.ID, storage.SideBuy, now)
	return err
}

func (s *SettlementService) applySell(ctx context.Context, tx storage.Tx, req TradeRequest, res *SettlementResult) error {
	asset, err := tx.LookupAsset(ctx, req.Symbol)
	if err != nil {
		return notFoundAs(err, ErrAssetNotFound, req.Symbol)
	}
	res.Symbol = asset.Symbol

	// The user row is locked before the position so that buys and sells of
	// the same user always acquire locks in the same order.
	balance, err := tx.GetBalanceForUpdate(ctx, req.UserID)
	if err != nil {
		return notFoundAs(err, ErrUserNotFound, req.UserID.String())
	}

	pos, err := tx.GetPositionForUpdate(ctx, req.UserID, asset.ID)
	if err != nil {
		return notFoundAs(err, ErrPositionNotFound, asset.Symbol)
	}
	if req.Volume > pos.Volume {
		return fmt.Errorf("%w: hold %d, selling %d", ErrInsufficientVolume, pos.Volume, req.Volume)
	}

	proceeds := req.Price.Mul(decimal.NewFromInt(req.Volume))
	if proceeds.GreaterThanOrEqual(MaxAmount) || balance.Add(proceeds).GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: trade value %s out of range", ErrInvalidInput, proceeds.String())
	}

	now := s.now().UTC()
	remaining := pos.Volume - req.Volume
	if remaining > 0 {
		pos.Volume = remaining
		pos.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		res.Position = &pos
	} else {
		if err := tx.DeletePosition(ctx, req.UserID, asset.ID); err != nil {
			return err
		}
	}

	res.Balance, err = tx.AdjustBalance(ctx, req.UserID, proceeds)
	if err != nil {
		return err
	}

	res.Transaction, err = s.appendTransaction(ctx, tx, req, asset.ID, storage.SideSell, now)
	return err
}

func (s *SettlementService) appendTransaction(ctx context.Context, tx storage.Tx, req TradeRequest, assetID uuid.UUID, side string, at time.Time) (storage.Transaction, error) {
	txn := storage.Transaction{
		ID:        uuid.New(),
		UserID:    req.UserID,
		AssetID:   assetID,
		Side:      side,
		Price:     req.Price,
		Volume:    req.Volume,
		CreatedAt: at,
	}
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return storage.Transaction{}, err
	}
	return txn, nil
}

func (s *SettlementService) ListAssets(ctx context.Context) ([]storage.Asset, error) {
	assets, err := s.store.ListAssets(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return assets, nil
}

func (s *SettlementService) GetAsset(ctx context.Context, symbol string) (storage.Asset, error) {
	symbol = storage.NormalizeSymbol(symbol)
	if symbol == "" {
		return storage.Asset{}, fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	}
	asset, err := s.assets.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return storage.Asset{}, classify(notFoundAs(err, ErrAssetNotFound, symbol))
	}
	return asset, nil
}

func (s *SettlementService) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	balance, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, classify(notFoundAs(err, ErrUserNotFound, userID.String()))
	}
	return balance, nil
}

// SetBalance overwrites the cash balance directly, outside any settlement.
func (s *SettlementService) SetBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return fmt.Errorf("%w: balance must be non-negative", ErrInvalidInput)
	}
	if !balance.Equal(balance.Round(MaxPriceScale)) {
		return fmt.Errorf("%w: balance supports at most %d decimal places", ErrInvalidInput, MaxPriceScale)
	}
	if balance.GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: balance must be below %s", ErrInvalidInput, MaxAmount.String())
	}
	if err := s.store.SetBalance(ctx, userID, balance); err != nil {
		return classify(notFoundAs(err, ErrUserNotFound, userID.String()))
	}
	s.logger.InfoContext(ctx, "balance set", "user_id", userID.String(), "balance", balance.String())
	return nil
}

func (s *SettlementService) Portfolio(ctx context.Context, userID uuid.UUID) ([]storage.PortfolioItem, error) {
	items, err := s.store.ListPortfolio(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (s *SettlementService) Transactions(ctx context.Context, userID uuid.UUID) ([]storage.TransactionRecord, error) {
	records, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	return records, nil
}

func validateTrade(req TradeRequest) error {
	if req.UserID == uuid.Nil {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	}
	if !req.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	if !req.Price.Equal(req.Price.Round(MaxPriceScale)) {
		return fmt.Errorf("%w: price supports at most %d decimal places", ErrInvalidInput, MaxPriceScale)
	}
	if req.Price.GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: price must be below %s", ErrInvalidInput, MaxAmount.String())
	}
	if req.Volume <= 0 {
		return fmt.Errorf("%w: volume must be a positive integer", ErrInvalidInput)
	}
	return nil
}

// weightedAverage folds a fill of volume at price into an existing average.
func weightedAverage(heldVolume int64, heldAvg decimal.Decimal, volume int64, price decimal.Decimal) decimal.Decimal {
	held := decimal.NewFromInt(heldVolume)
	added := decimal.NewFromInt(volume)
	total := held.Add(added)
	if total.IsZero() {
		return price
	}
	return held.Mul(heldAvg).Add(added.Mul(price)).Div(total).Round(MaxPriceScale)
}

func notFoundAs(err, target error, subject string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", target, subject)
	}
	return err
}

var domainErrors = []error{
	ErrInvalidInput,
	ErrAssetNotFound,
	ErrUserNotFound,
	ErrInsufficientBalance,
	ErrPositionNotFound,
	ErrInsufficientVolume,
	ErrStorage,
}

// classify wraps anything that is not a domain error as ErrStorage.
func classify(err error) error {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
