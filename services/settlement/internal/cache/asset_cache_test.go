package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nminh2209/tradesim/services/settlement/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type countingStore struct {
	mu     sync.Mutex
	assets map[string]storage.Asset
	calls  int
}

func (s *countingStore) GetAssetBySymbol(_ context.Context, symbol string) (storage.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	asset, ok := s.assets[symbol]
	if !ok {
		return storage.Asset{}, storage.ErrNotFound
	}
	return asset, nil
}

func (s *countingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *fakeMetrics) IncCacheLookup(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[result]++
}

func (m *fakeMetrics) Count(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[result]
}

func newStore() *countingStore {
	return &countingStore{assets: map[string]storage.Asset{
		"BTC": {
			ID:           uuid.New(),
			Symbol:       "BTC",
			Name:         "Bitcoin",
			CurrentPrice: decimal.RequireFromString("65000.12345678"),
			UpdatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestAssetCacheReadThrough(t *testing.T) {
	s, client := newRedis(t)
	store := newStore()
	metrics := &fakeMetrics{}
	c := NewAssetCache(client, store, time.Minute, nil, metrics)
	ctx := context.Background()

	first, err := c.GetAssetBySymbol(ctx, "btc")
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	second, err := c.GetAssetBySymbol(ctx, "BTC")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}

	if store.Calls() != 1 {
		t.Fatalf("expected 1 store call, got %d", store.Calls())
	}
	if first.ID != second.ID || !second.CurrentPrice.Equal(first.CurrentPrice) || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("cached asset differs: %+v vs %+v", first, second)
	}
	if metrics.Count("miss") != 1 || metrics.Count("hit") != 1 {
		t.Fatalf("unexpected metrics %+v", metrics.results)
	}
	if !s.Exists(defaultPrefix + "BTC") {
		t.Fatalf("expected redis key to be written")
	}
	if ttl := s.TTL(defaultPrefix + "BTC"); ttl != time.Minute {
		t.Fatalf("expected ttl 1m, got %v", ttl)
	}
}

func TestAssetCacheExpires(t *testing.T) {
	s, client := newRedis(t)
	store := newStore()
	c := NewAssetCache(client, store, 10*time.Second, nil, nil)
	ctx := context.Background()

	if _, err := c.GetAssetBySymbol(ctx, "BTC"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	s.FastForward(11 * time.Second)
	if _, err := c.GetAssetBySymbol(ctx, "BTC"); err != nil {
		t.Fatalf("lookup after expiry: %v", err)
	}
	if store.Calls() != 2 {
		t.Fatalf("expected 2 store calls after expiry, got %d", store.Calls())
	}
}

func TestAssetCacheNotFoundIsNotCached(t *testing.T) {
	s, client := newRedis(t)
	store := newStore()
	c := NewAssetCache(client, store, time.Minute, nil, nil)

	if _, err := c.GetAssetBySymbol(context.Background(), "NOPE"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.Exists(defaultPrefix + "NOPE") {
		t.Fatalf("missing assets must not be cached")
	}
}

func TestAssetCacheFallsBackWhenRedisDown(t *testing.T) {
	s, client := newRedis(t)
	store := newStore()
	metrics := &fakeMetrics{}
	c := NewAssetCache(client, store, time.Minute, nil, metrics)
	s.Close()

	asset, err := c.GetAssetBySymbol(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("expected fallback to store, got %v", err)
	}
	if asset.Symbol != "BTC" {
		t.Fatalf("unexpected asset %+v", asset)
	}
	if metrics.Count("error") != 1 {
		t.Fatalf("expected 1 error lookup, got %d", metrics.Count("error"))
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Fatalf("expected ping to fail with redis down")
	}
}

func TestAssetCacheCorruptEntry(t *testing.T) {
	s, client := newRedis(t)
	store := newStore()
	c := NewAssetCache(client, store, time.Minute, nil, nil)
	if err := s.Set(defaultPrefix+"BTC", "{not json"); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	asset, err := c.GetAssetBySymbol(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if asset.Name != "Bitcoin" || store.Calls() != 1 {
		t.Fatalf("expected store lookup to repair entry, got %+v calls=%d", asset, store.Calls())
	}
}

func TestAssetCacheInvalidate(t *testing.T) {
	s, client := newRedis(t)
	store := newStore()
	c := NewAssetCache(client, store, time.Minute, nil, nil)
	ctx := context.Background()

	if _, err := c.GetAssetBySymbol(ctx, "BTC"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := c.Invalidate(ctx, "btc"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if s.Exists(defaultPrefix + "BTC") {
		t.Fatalf("expected key removed")
	}
}

func TestAssetCachePassThrough(t *testing.T) {
	store := newStore()
	c := NewAssetCache(nil, store, 0, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.GetAssetBySymbol(ctx, "BTC"); err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
	}
	if store.Calls() != 3 {
		t.Fatalf("expected every lookup to hit the store, got %d", store.Calls())
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("pass-through ping: %v", err)
	}
	if err := c.Invalidate(ctx, "BTC"); err != nil {
		t.Fatalf("pass-through invalidate: %v", err)
	}
}
