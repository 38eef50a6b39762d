package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nminh2209/tradesim/libs/health"
	"github.com/nminh2209/tradesim/libs/httpmiddleware"
	"github.com/nminh2209/tradesim/libs/kafka"
	"github.com/nminh2209/tradesim/libs/logging"
	"github.com/nminh2209/tradesim/libs/metrics"
	"github.com/nminh2209/tradesim/libs/trace"
	"github.com/nminh2209/tradesim/services/settlement/internal/cache"
	"github.com/nminh2209/tradesim/services/settlement/internal/config"
	"github.com/nminh2209/tradesim/services/settlement/internal/handlers"
	"github.com/nminh2209/tradesim/services/settlement/internal/service"
	"github.com/nminh2209/tradesim/services/settlement/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type store interface {
	service.Store
	cache.AssetStore
	Ping(ctx context.Context) error
}

func main() {
	storeFlag := flag.String("store", "", "storage backend override: postgres or memory")
	flag.Parse()

	switch *storeFlag {
	case "", config.StorePostgres, config.StoreMemory:
	default:
		fmt.Fprintf(os.Stderr, "unknown --store %q\n", *storeFlag)
		os.Exit(2)
	}

	if err := run(*storeFlag, shutdownSignal()); err != nil {
		fmt.Fprintf(os.Stderr, "settlement: %v\n", err)
		os.Exit(1)
	}
}

func shutdownSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	return stop
}

// run owns every resource it opens; all of them are released before it returns.
func run(storeOverride string, stop <-chan os.Signal) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if storeOverride != "" {
		cfg.Store = storeOverride
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(context.Background(), trace.Config{
		ServiceName: cfg.App.ServiceName,
		Env:         cfg.App.Env,
		Endpoint:    cfg.Trace.Endpoint,
		SampleRatio: cfg.Trace.SampleRatio,
	})
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	settlementMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	st, closeStore, err := openStore(cfg, logger, settlementMetrics)
	if err != nil {
		logger.Error("storage init failed", "store", cfg.Store, "error", err)
		return fmt.Errorf("storage: %w", err)
	}
	defer closeStore()
	ready.AddCheck("store", st.Ping)

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	assetCache := cache.NewAssetCache(redisClient, st, cfg.Redis.AssetTTL, logger, settlementMetrics)
	ready.AddCheck("redis", assetCache.Ping)

	publisher, err := buildPublisher(cfg, registry, logger)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		return fmt.Errorf("kafka: %w", err)
	}
	defer publisher.Close()

	settlementService := service.NewSettlementService(st, assetCache, publisher, logger, settlementMetrics, service.Options{
		Topic:     cfg.Kafka.Topics.TradesSettled,
		TxTimeout: cfg.Settlement.TxTimeout,
	})

	httpServer := buildHTTPServer(cfg, settlementService, ready, registry, logger)
	ready.SetReady(true)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("settlement http starting", "addr", httpServer.Addr, "store", cfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		logger.Error("http server error", "error", err)
		return fmt.Errorf("http server: %w", err)
	}
	shutdown(httpServer, ready, logger)
	return nil
}

func openStore(cfg *config.Config, logger *slog.Logger, m *service.Metrics) (store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, data is lost on exit")
		return seedMemory(storage.NewMemory(), logger), func() {}, nil
	}

	pool, err := connectDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db connection failed: %w", err)
	}
	if cfg.DB.Migrate {
		if err := storage.Migrate(pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	pg := storage.NewPostgres(pool, storage.Options{
		MaxAttempts: cfg.Settlement.MaxTxAttempts,
		Logger:      logger,
		Metrics:     m,
	})
	return pg, pool.Close, nil
}

// seedMemory gives a dev run something to trade against.
func seedMemory(m *storage.Memory, logger *slog.Logger) *storage.Memory {
	for _, a := range []struct{ symbol, name, price string }{
		{"AAPL", "Apple Inc.", "189.50"},
		{"BTC", "Bitcoin", "65000"},
		{"ETH", "Ethereum", "3200"},
		{"TSLA", "Tesla Inc.", "175.25"},
	} {
		m.AddAsset(storage.Asset{Symbol: a.symbol, Name: a.name, CurrentPrice: decimal.RequireFromString(a.price)})
	}
	user := m.AddUser(storage.User{Username: "demo", Email: "demo@example.com", Balance: decimal.NewFromInt(100000)})
	logger.Info("in-memory demo user", "user_id", user.ID.String())
	return m
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.ConnString())
	if err != nil {
		return nil, err
	}
	if cfg.DB.MaxConns > 0 {
		poolCfg.MaxConns = cfg.DB.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildPublisher(cfg *config.Config, registry *prometheus.Registry, logger *slog.Logger) (kafka.Publisher, error) {
	if !cfg.Kafka.Enabled() {
		logger.Info("kafka brokers not configured, settlement events disabled")
		return kafka.NopPublisher{}, nil
	}

	producer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	}, logger, kafka.NewProducerMetrics(registry))
	if err != nil {
		return nil, err
	}
	if cfg.Kafka.Topics.DLQ == "" {
		return producer, nil
	}
	return kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DLQ, logger), nil
}

func buildHTTPServer(cfg *config.Config, svc handlers.SettlementService, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(httpmiddleware.Metrics(metrics.NewHTTP(registry)))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(svc, logger).Register(router)

	return &http.Server{
		Addr:         cfg.App.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func shutdown(httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
