package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nminh2209/tradesim/services/settlement/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	defaultPrefix = "tradesim:asset:"
	defaultTTL    = 30 * time.Second
)

type AssetStore interface {
	GetAssetBySymbol(ctx context.Context, symbol string) (storage.Asset, error)
}

type Metrics interface {
	IncCacheLookup(result string)
}

// AssetCache is a read-through redis cache for catalog rows. Redis failures
// fall back to the store; a nil client makes it a pass-through.
type AssetCache struct {
	client  *redis.Client
	store   AssetStore
	ttl     time.Duration
	prefix  string
	logger  *slog.Logger
	metrics Metrics
}

type cachedAsset struct {
	ID           uuid.UUID       `json:"id"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func NewAssetCache(client *redis.Client, store AssetStore, ttl time.Duration, logger *slog.Logger, metrics Metrics) *AssetCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetCache{
		client:  client,
		store:   store,
		ttl:     ttl,
		prefix:  defaultPrefix,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *AssetCache) GetAssetBySymbol(ctx context.Context, symbol string) (storage.Asset, error) {
	symbol = storage.NormalizeSymbol(symbol)
	if c.client == nil {
		return c.store.GetAssetBySymbol(ctx, symbol)
	}

	key := c.prefix + symbol
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var entry cachedAsset
		if jsonErr := json.Unmarshal(raw, &entry); jsonErr == nil {
			c.observe("hit")
			return storage.Asset(entry), nil
		}
		c.logger.WarnContext(ctx, "asset cache entry corrupt", "symbol", symbol)
		c.observe("error")
	case errors.Is(err, redis.Nil):
		c.observe("miss")
	default:
		c.logger.WarnContext(ctx, "asset cache read failed", "symbol", symbol, "error", err)
		c.observe("error")
	}

	asset, err := c.store.GetAssetBySymbol(ctx, symbol)
	if err != nil {
		return storage.Asset{}, err
	}

	payload, err := json.Marshal(cachedAsset(asset))
	if err != nil {
		return asset, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "asset cache write failed", "symbol", symbol, "error", err)
	}
	return asset, nil
}

func (c *AssetCache) Invalidate(ctx context.Context, symbol string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.prefix+storage.NormalizeSymbol(symbol)).Err()
}

// Ping reports redis health; a pass-through cache is always healthy.
func (c *AssetCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

func (c *AssetCache) observe(result string) {
	if c.metrics != nil {
		c.metrics.IncCacheLookup(result)
	}
}
