package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Panda-1024/premium-bot/libs/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	OrderEventsPrefix string
	Notifications     string
	DeadLetter        string
}

// KafkaConfig is disabled when Brokers is empty; events are then dropped
// and notifications go to the log.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
	Topics   KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type TronConfig struct {
	BaseURL  string
	APIKey   string
	Contract string
	Timeout  time.Duration
}

type TONConfig struct {
	ConfigURL string
	Mnemonic  string
	Reserve   decimal.Decimal
}

type FragmentConfig struct {
	BaseURL         string
	Hash            string
	Cookie          string
	WalletAddress   string
	WalletStateInit string
	PublicKey       string
	Timeout         time.Duration
}

type MonitorConfig struct {
	Enabled          bool
	Interval         time.Duration
	ConfirmationLag  int64
	MaxBlocksPerTick int
	LockTTL          time.Duration
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

type OrdersConfig struct {
	DefaultTimeout        time.Duration
	MaxAllocationAttempts int
	RateLimit             int
	RateWindow            time.Duration
	StaleAfter            time.Duration
	TierRefreshInterval   time.Duration
}

type Config struct {
	App           base.AppConfig
	StorageDriver string
	DB            DBConfig
	GRPC          GRPCConfig
	Kafka         KafkaConfig
	Redis         RedisConfig
	Tron          TronConfig
	TON           TONConfig
	Fragment      FragmentConfig
	Monitor       MonitorConfig
	Sweeper       SweeperConfig
	Orders        OrdersConfig
	JWTSecret     string
	OTLPEndpoint  string
}

func Load() (*Config, error) {
	path := os.Getenv("PREMIUM_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	reserve, err := decimal.NewFromString(envString("TON_RESERVE", v.GetString("ton.reserve")))
	if err != nil {
		return nil, fmt.Errorf("ton.reserve: %w", err)
	}

	cfg := &Config{
		App:           *appCfg,
		StorageDriver: strings.ToLower(envString("STORAGE_DRIVER", v.GetString("storage_driver"))),
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "premium")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "premium")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "premium")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
		},
		GRPC: GRPCConfig{
			Host: envString("GRPC_HOST", "0.0.0.0"),
			Port: envInt("GRPC_PORT", 9090),
		},
		Kafka: KafkaConfig{
			Brokers:  envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ClientID: envString("KAFKA_CLIENT_ID", v.GetString("kafka.client_id")),
			Topics: KafkaTopics{
				OrderEventsPrefix: envString("KAFKA_ORDER_EVENTS_PREFIX", v.GetString("kafka.topics.order_events_prefix")),
				Notifications:     envString("KAFKA_NOTIFICATIONS_TOPIC", v.GetString("kafka.topics.notifications")),
				DeadLetter:        envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		Tron: TronConfig{
			BaseURL:  envString("TRON_API_URL", v.GetString("tron.base_url")),
			APIKey:   envString("TRON_API_KEY", v.GetString("tron.api_key")),
			Contract: envString("TRON_USDT_CONTRACT", v.GetString("tron.contract")),
			Timeout:  envDuration("TRON_TIMEOUT", v.GetDuration("tron.timeout")),
		},
		TON: TONConfig{
			ConfigURL: envString("TON_CONFIG_URL", v.GetString("ton.config_url")),
			Mnemonic:  envString("TON_MNEMONIC", v.GetString("ton.mnemonic")),
			Reserve:   reserve,
		},
		Fragment: FragmentConfig{
			BaseURL:         envString("FRAGMENT_API_URL", v.GetString("fragment.base_url")),
			Hash:            envString("FRAGMENT_API_HASH", v.GetString("fragment.hash")),
			Cookie:          envString("FRAGMENT_COOKIE", v.GetString("fragment.cookie")),
			WalletAddress:   envString("FRAGMENT_WALLET_ADDRESS", v.GetString("fragment.wallet_address")),
			WalletStateInit: envString("FRAGMENT_WALLET_STATE_INIT", v.GetString("fragment.wallet_state_init")),
			PublicKey:       envString("FRAGMENT_PUBLIC_KEY", v.GetString("fragment.public_key")),
			Timeout:         envDuration("FRAGMENT_TIMEOUT", v.GetDuration("fragment.timeout")),
		},
		Monitor: MonitorConfig{
			Enabled:          envBool("MONITOR_ENABLED", v.GetBool("monitor.enabled")),
			Interval:         envDuration("MONITOR_INTERVAL", v.GetDuration("monitor.interval")),
			ConfirmationLag:  int64(envInt("MONITOR_CONFIRMATIONS", v.GetInt("monitor.confirmations"))),
			MaxBlocksPerTick: envInt("MONITOR_MAX_BLOCKS", v.GetInt("monitor.max_blocks_per_tick")),
			LockTTL:          envDuration("MONITOR_LOCK_TTL", v.GetDuration("monitor.lock_ttl")),
		},
		Sweeper: SweeperConfig{
			Interval:  envDuration("SWEEPER_INTERVAL", v.GetDuration("sweeper.interval")),
			BatchSize: envInt("SWEEPER_BATCH_SIZE", v.GetInt("sweeper.batch_size")),
		},
		Orders: OrdersConfig{
			DefaultTimeout:        envDuration("ORDER_TIMEOUT", v.GetDuration("orders.default_timeout")),
			MaxAllocationAttempts: envInt("ORDER_MAX_ALLOCATION_ATTEMPTS", v.GetInt("orders.max_allocation_attempts")),
			RateLimit:             envInt("ORDER_RATE_LIMIT", v.GetInt("orders.rate_limit")),
			RateWindow:            envDuration("ORDER_RATE_WINDOW", v.GetDuration("orders.rate_window")),
			StaleAfter:            envDuration("ORDER_STALE_AFTER", v.GetDuration("orders.stale_after")),
			TierRefreshInterval:   envDuration("TIER_REFRESH_INTERVAL", v.GetDuration("orders.tier_refresh_interval")),
		},
		JWTSecret:    envString("JWT_SECRET", v.GetString("jwt_secret")),
		OTLPEndpoint: envString("OTLP_ENDPOINT", v.GetString("otlp_endpoint")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage_driver", StoragePostgres)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "premium-payments")
	v.SetDefault("kafka.topics.order_events_prefix", "orders")
	v.SetDefault("kafka.topics.notifications", "notifications.outbound")
	v.SetDefault("kafka.topics.dead_letter", "payments.dead_letter")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("tron.base_url", "https://api.trongrid.io")
	v.SetDefault("tron.contract", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t")
	v.SetDefault("tron.timeout", "10s")
	v.SetDefault("ton.config_url", "https://ton.org/global.config.json")
	v.SetDefault("ton.reserve", "0.05")
	v.SetDefault("fragment.base_url", "https://fragment.com")
	v.SetDefault("fragment.timeout", "15s")
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "1s")
	v.SetDefault("monitor.confirmations", 6)
	v.SetDefault("monitor.max_blocks_per_tick", 5)
	v.SetDefault("monitor.lock_ttl", "2m")
	v.SetDefault("sweeper.interval", "60s")
	v.SetDefault("sweeper.batch_size", 500)
	v.SetDefault("orders.default_timeout", "30m")
	v.SetDefault("orders.max_allocation_attempts", 1000)
	v.SetDefault("orders.rate_limit", 5)
	v.SetDefault("orders.rate_window", "1m")
	v.SetDefault("orders.stale_after", "1h")
	v.SetDefault("orders.tier_refresh_interval", "1m")
	v.SetDefault("jwt_secret", "")
}

func (c *Config) validate() error {
	if c.StorageDriver != StoragePostgres && c.StorageDriver != StorageMemory {
		return fmt.Errorf("storage_driver must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageDriver)
	}
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("PREMIUM_GRPC_PORT must be positive")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt secret required")
	}
	if c.Monitor.ConfirmationLag < 0 || c.Monitor.MaxBlocksPerTick <= 0 {
		return fmt.Errorf("monitor confirmations must be >= 0 and max blocks per tick positive")
	}
	if c.Monitor.Interval <= 0 || c.Sweeper.Interval <= 0 {
		return fmt.Errorf("monitor and sweeper intervals must be positive")
	}
	if c.Orders.DefaultTimeout <= 0 || c.Orders.MaxAllocationAttempts <= 0 {
		return fmt.Errorf("order timeout and allocation attempts must be positive")
	}
	if c.Orders.RateLimit > 0 && c.Orders.RateWindow <= 0 {
		return fmt.Errorf("order rate window must be positive when a rate limit is set")
	}
	if c.TON.Reserve.IsNegative() {
		return fmt.Errorf("ton reserve must not be negative")
	}
	if len(c.Kafka.Brokers) > 0 && (c.Kafka.Topics.OrderEventsPrefix == "" || c.Kafka.Topics.Notifications == "") {
		return fmt.Errorf("kafka topics required")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(base.EnvPrefix + "_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(envString(key, "")); err == nil {
		return n
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(envString(key, "")); err == nil {
		return b
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(envString(key, "")); err == nil {
		return d
	}
	return def
}

func envCSV(key string, def []string) []string {
	raw := envString(key, "")
	if raw == "" {
		return def
	}
	out := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
