package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	base "github.com/nminh2209/tradesim/libs/config"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type DBConfig struct {
	DSN      string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int32
	Migrate  bool
}

// ConnString returns DSN when set, otherwise a URL built from the parts.
func (d DBConfig) ConnString() string {
	if d.DSN != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	AssetTTL time.Duration
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type KafkaTopics struct {
	TradesSettled string
	DLQ           string
}

type KafkaConfig struct {
	Brokers  []string
	ClientID string
	Topics   KafkaTopics
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type SettlementConfig struct {
	MaxTxAttempts int
	TxTimeout     time.Duration
}

type TraceConfig struct {
	Endpoint    string
	SampleRatio float64
}

type Config struct {
	App        base.AppConfig
	Store      string
	DB         DBConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Settlement SettlementConfig
	Trace      TraceConfig
}

func Load() (*Config, error) {
	v, err := base.NewViper(os.Getenv("TRADESIM_CONFIG"))
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	appCfg, err := base.FromViper(v)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	cfg := &Config{
		App:   *appCfg,
		Store: strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		DB: DBConfig{
			DSN:      v.GetString("db.dsn"),
			Host:     v.GetString("db.host"),
			Port:     v.GetInt("db.port"),
			Name:     v.GetString("db.name"),
			User:     v.GetString("db.user"),
			Password: v.GetString("db.password"),
			SSLMode:  v.GetString("db.sslmode"),
			MaxConns: v.GetInt32("db.max_conns"),
			Migrate:  v.GetBool("db.migrate"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			AssetTTL: v.GetDuration("redis.asset_ttl"),
		},
		Kafka: KafkaConfig{
			Brokers:  stringList(v, "kafka.brokers"),
			ClientID: v.GetString("kafka.client_id"),
			Topics: KafkaTopics{
				TradesSettled: v.GetString("kafka.topics.trades_settled"),
				DLQ:           v.GetString("kafka.topics.dlq"),
			},
		},
		Settlement: SettlementConfig{
			MaxTxAttempts: v.GetInt("settlement.max_tx_attempts"),
			TxTimeout:     v.GetDuration("settlement.tx_timeout"),
		},
		Trace: TraceConfig{
			Endpoint:    v.GetString("trace.endpoint"),
			SampleRatio: v.GetFloat64("trace.sample_ratio"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DB.DSN == "" && (c.DB.Host == "" || c.DB.Port <= 0 || c.DB.Name == "") {
			return fmt.Errorf("db.dsn or db.host, db.port and db.name are required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	if c.Settlement.MaxTxAttempts <= 0 {
		return fmt.Errorf("settlement.max_tx_attempts must be positive")
	}
	if c.Settlement.TxTimeout <= 0 {
		return fmt.Errorf("settlement.tx_timeout must be positive")
	}
	if c.Redis.Enabled() && c.Redis.AssetTTL <= 0 {
		return fmt.Errorf("redis.asset_ttl must be positive")
	}
	if c.Trace.SampleRatio < 0 || c.Trace.SampleRatio > 1 {
		return fmt.Errorf("trace.sample_ratio must be within [0, 1]")
	}
	if c.Kafka.Enabled() && c.Kafka.Topics.TradesSettled == "" {
		return fmt.Errorf("kafka.topics.trades_settled required when brokers are set")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StorePostgres)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "tradesim")
	v.SetDefault("db.user", "tradesim")
	v.SetDefault("db.password", "tradesim")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.asset_ttl", "30s")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.client_id", "tradesim-settlement")
	v.SetDefault("kafka.topics.trades_settled", "trades.settled")
	v.SetDefault("kafka.topics.dlq", "trades.settled.dlq")
	v.SetDefault("settlement.max_tx_attempts", 16)
	v.SetDefault("settlement.tx_timeout", "5s")
	v.SetDefault("trace.endpoint", "")
	v.SetDefault("trace.sample_ratio", 1.0)
}

// stringList reads either a yaml list or a comma separated env value.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	case []any:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	case []string:
		raw = val
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
