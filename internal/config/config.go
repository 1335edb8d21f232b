package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 商铺详情缓存策略
const (
	StrategyPassThrough = "passthrough"
	StrategyMutex       = "mutex"
	StrategyLogical     = "logical"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	ServiceName string
	LogLevel    string

	HTTPAddr string
	DBPath   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Kafka 为空时不发布订单事件
	KafkaBrokers []string
	KafkaTopic   string

	// Redis Stream 下单队列：单消费组、单消费者
	OrderStream        string
	OrderGroup         string
	OrderConsumer      string
	OrderReadBlock     time.Duration
	OrderStateTTL      time.Duration
	OrderRetryInterval time.Duration

	// 购买接口限流与库存缓存策略
	BuyRateLimit  int
	BuyRateWindow time.Duration
	StockCacheTTL time.Duration

	// 缓存客户端
	ShopCacheStrategy   string
	ShopCacheTTL        time.Duration
	CacheNullTTL        time.Duration
	CacheLockTTL        time.Duration
	CacheRebuildWorkers int
	MutexRetryAttempts  int
	MutexRetryBackoff   time.Duration

	// 预热、管理接口的简单管理员令牌（demo 级别保护）
	AdminToken string
}

// DefaultAdminToken 未设置 ADMIN_TOKEN 时的开发用令牌，生产环境必须覆盖。
const DefaultAdminToken = "dev-admin-token"

// UsesDefaultAdminToken 管理接口是否仍使用开发用令牌。
func (c AppConfig) UsesDefaultAdminToken() bool {
	return c.AdminToken == DefaultAdminToken
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		ServiceName:         getEnv("SERVICE_NAME", "shop-review"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DBPath:              getEnv("DB_PATH", "shop_review.db"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		KafkaBrokers:        splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "seckill-orders-created"),
		OrderStream:         getEnv("ORDER_STREAM", "stream.orders"),
		OrderGroup:          getEnv("ORDER_GROUP", "g1"),
		OrderConsumer:       getEnv("ORDER_CONSUMER", "c1"),
		ShopCacheStrategy:   strings.ToLower(getEnv("SHOP_CACHE_STRATEGY", StrategyMutex)),
		AdminToken:          getEnv("ADMIN_TOKEN", DefaultAdminToken),
		BuyRateLimit:        1000,
		CacheRebuildWorkers: 10,
		MutexRetryAttempts:  20,
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.BuyRateLimit, err = getEnvInt("BUY_RATE_LIMIT", cfg.BuyRateLimit); err != nil {
		return AppConfig{}, fmt.Errorf("invalid BUY_RATE_LIMIT: %w", err)
	}
	if cfg.CacheRebuildWorkers, err = getEnvInt("CACHE_REBUILD_WORKERS", cfg.CacheRebuildWorkers); err != nil {
		return AppConfig{}, fmt.Errorf("invalid CACHE_REBUILD_WORKERS: %w", err)
	}
	if cfg.MutexRetryAttempts, err = getEnvInt("CACHE_MUTEX_RETRY_ATTEMPTS", cfg.MutexRetryAttempts); err != nil {
		return AppConfig{}, fmt.Errorf("invalid CACHE_MUTEX_RETRY_ATTEMPTS: %w", err)
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"ORDER_READ_BLOCK", &cfg.OrderReadBlock, 2 * time.Second},
		{"ORDER_STATE_TTL", &cfg.OrderStateTTL, 24 * time.Hour},
		{"ORDER_RETRY_INTERVAL", &cfg.OrderRetryInterval, 200 * time.Millisecond},
		{"BUY_RATE_WINDOW", &cfg.BuyRateWindow, time.Second},
		{"STOCK_CACHE_TTL", &cfg.StockCacheTTL, 24 * time.Hour},
		{"SHOP_CACHE_TTL", &cfg.ShopCacheTTL, 30 * time.Minute},
		{"CACHE_NULL_TTL", &cfg.CacheNullTTL, 2 * time.Minute},
		{"CACHE_LOCK_TTL", &cfg.CacheLockTTL, 10 * time.Second},
		{"CACHE_MUTEX_RETRY_BACKOFF", &cfg.MutexRetryBackoff, 50 * time.Millisecond},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, d.def)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return AppConfig{}, fmt.Errorf("%s must be > 0", d.key)
		}
		*d.dst = v
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.BuyRateLimit <= 0 {
		return fmt.Errorf("BUY_RATE_LIMIT must be > 0")
	}
	if c.CacheRebuildWorkers <= 0 {
		return fmt.Errorf("CACHE_REBUILD_WORKERS must be > 0")
	}
	if c.MutexRetryAttempts <= 0 {
		return fmt.Errorf("CACHE_MUTEX_RETRY_ATTEMPTS must be > 0")
	}
	switch c.ShopCacheStrategy {
	case StrategyPassThrough, StrategyMutex, StrategyLogical:
	default:
		return fmt.Errorf("SHOP_CACHE_STRATEGY must be one of passthrough|mutex|logical, got %q", c.ShopCacheStrategy)
	}
	if c.OrderStream == "" {
		return fmt.Errorf("ORDER_STREAM must not be empty")
	}
	if c.OrderGroup == "" {
		return fmt.Errorf("ORDER_GROUP must not be empty")
	}
	if c.OrderConsumer == "" {
		return fmt.Errorf("ORDER_CONSUMER must not be empty")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC must not be empty when KAFKA_BROKERS is set")
	}
	return nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// getEnvDuration 读取 time.ParseDuration 格式（如 2s、30m）。
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
