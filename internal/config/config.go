package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"flashsale/internal/model"
	rediskey "flashsale/pkg/redis"

	"gopkg.in/yaml.v3"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// 准入控制：单身份令牌桶 + 全局每秒预算
	RateLimitTokens  int
	TokenRefillRate  float64
	GlobalRateLimit  int
	BucketIdleTTL    time.Duration
	GlobalCounterTTL time.Duration

	// 异步下单队列
	OrderQueueKey     string
	QueuePopTimeout   time.Duration
	QueueErrorBackoff time.Duration
	QueueMaxAttempts  int

	// 订单终态事件流（为空则不写事件）
	OrderEventStream   string
	OrderEventMaxLen   int64 // 近似长度上限，0 表示不裁剪
	OrderEventGroup    string
	OrderEventConsumer string

	// Kafka：事件流转发 + 归档消费者，默认关闭
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// 商品种子文件（YAML），为空则使用内置演示商品
	ProductsFile string
	Products     []model.Product

	// 预热接口的简单管理员令牌（demo 级别保护）
	PreloadAdminToken string

	LogLevel  string
	LogPretty bool
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "flash_sale.db"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            0,
		RedisPoolSize:      100,
		RateLimitTokens:    10,
		TokenRefillRate:    1,
		GlobalRateLimit:    2000,
		BucketIdleTTL:      time.Hour,
		GlobalCounterTTL:   5 * time.Second,
		OrderQueueKey:      getEnv("ORDER_QUEUE_KEY", rediskey.DefaultOrderQueueKey),
		QueuePopTimeout:    time.Second,
		QueueErrorBackoff:  500 * time.Millisecond,
		QueueMaxAttempts:   5,
		OrderEventStream:   getEnvAllowEmpty("ORDER_EVENT_STREAM", rediskey.DefaultOrderEventStream),
		OrderEventMaxLen:   100000,
		OrderEventGroup:    getEnv("ORDER_EVENT_GROUP", "flash-sale-relay-group"),
		OrderEventConsumer: getEnv("ORDER_EVENT_CONSUMER", "flash-sale-relay-1"),
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "flash-sale-orders"),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "flash-sale-order-archiver"),
		ProductsFile:       getEnv("PRODUCTS_FILE", ""),
		PreloadAdminToken:  getEnv("PRELOAD_ADMIN_TOKEN", "dev-admin-token"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", cfg.RedisDB); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.RedisPoolSize, err = getEnvInt("REDIS_POOL_SIZE", cfg.RedisPoolSize); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}

	if cfg.RateLimitTokens, err = getEnvInt("RATE_LIMIT_TOKENS", cfg.RateLimitTokens); err != nil {
		return AppConfig{}, fmt.Errorf("invalid RATE_LIMIT_TOKENS: %w", err)
	}
	if cfg.RateLimitTokens <= 0 {
		return AppConfig{}, fmt.Errorf("RATE_LIMIT_TOKENS must be > 0")
	}

	if cfg.TokenRefillRate, err = getEnvFloat("TOKEN_REFILL_RATE", cfg.TokenRefillRate); err != nil {
		return AppConfig{}, fmt.Errorf("invalid TOKEN_REFILL_RATE: %w", err)
	}
	if cfg.TokenRefillRate <= 0 {
		return AppConfig{}, fmt.Errorf("TOKEN_REFILL_RATE must be > 0")
	}

	if cfg.GlobalRateLimit, err = getEnvInt("GLOBAL_RATE_LIMIT", cfg.GlobalRateLimit); err != nil {
		return AppConfig{}, fmt.Errorf("invalid GLOBAL_RATE_LIMIT: %w", err)
	}
	if cfg.GlobalRateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("GLOBAL_RATE_LIMIT must be > 0")
	}

	idleSec, err := getEnvInt("BUCKET_IDLE_TTL_SEC", int(cfg.BucketIdleTTL.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BUCKET_IDLE_TTL_SEC: %w", err)
	}
	if idleSec <= 0 {
		return AppConfig{}, fmt.Errorf("BUCKET_IDLE_TTL_SEC must be > 0")
	}
	cfg.BucketIdleTTL = time.Duration(idleSec) * time.Second

	popMs, err := getEnvInt("QUEUE_POP_TIMEOUT_MS", int(cfg.QueuePopTimeout.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid QUEUE_POP_TIMEOUT_MS: %w", err)
	}
	// BLPOP 超时为 0 会无限阻塞，无法响应关停。
	if popMs <= 0 {
		return AppConfig{}, fmt.Errorf("QUEUE_POP_TIMEOUT_MS must be > 0")
	}
	cfg.QueuePopTimeout = time.Duration(popMs) * time.Millisecond

	backoffMs, err := getEnvInt("QUEUE_ERROR_BACKOFF_MS", int(cfg.QueueErrorBackoff.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid QUEUE_ERROR_BACKOFF_MS: %w", err)
	}
	if backoffMs <= 0 {
		return AppConfig{}, fmt.Errorf("QUEUE_ERROR_BACKOFF_MS must be > 0")
	}
	cfg.QueueErrorBackoff = time.Duration(backoffMs) * time.Millisecond

	if cfg.QueueMaxAttempts, err = getEnvInt("QUEUE_MAX_ATTEMPTS", cfg.QueueMaxAttempts); err != nil {
		return AppConfig{}, fmt.Errorf("invalid QUEUE_MAX_ATTEMPTS: %w", err)
	}
	if cfg.QueueMaxAttempts <= 0 {
		return AppConfig{}, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be > 0")
	}

	maxLen, err := getEnvInt("ORDER_EVENT_MAXLEN", int(cfg.OrderEventMaxLen))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid ORDER_EVENT_MAXLEN: %w", err)
	}
	if maxLen < 0 {
		return AppConfig{}, fmt.Errorf("ORDER_EVENT_MAXLEN must be >= 0")
	}
	cfg.OrderEventMaxLen = int64(maxLen)

	if cfg.KafkaEnabled, err = getEnvBool("KAFKA_ENABLED", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid KAFKA_ENABLED: %w", err)
	}
	if cfg.LogPretty, err = getEnvBool("LOG_PRETTY", false); err != nil {
		return AppConfig{}, fmt.Errorf("invalid LOG_PRETTY: %w", err)
	}

	if cfg.OrderQueueKey == "" {
		return AppConfig{}, fmt.Errorf("ORDER_QUEUE_KEY must not be empty")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if cfg.KafkaTopic == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
		}
		if cfg.KafkaGroupID == "" {
			return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
		}
		// 没有事件流，Relay 无事可做。
		if cfg.OrderEventStream == "" {
			return AppConfig{}, fmt.Errorf("ORDER_EVENT_STREAM must not be empty when KAFKA_ENABLED")
		}
	}

	if cfg.ProductsFile != "" {
		products, err := LoadProducts(cfg.ProductsFile)
		if err != nil {
			return AppConfig{}, err
		}
		cfg.Products = products
	} else {
		cfg.Products = DefaultProducts(time.Now())
	}

	return cfg, nil
}

type productsFile struct {
	Products []model.Product `yaml:"products"`
}

// LoadProducts 从 YAML 读取商品种子，时间字段使用 RFC3339。
func LoadProducts(path string) ([]model.Product, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read products file: %w", err)
	}
	return ParseProducts(b)
}

// ParseProducts 解析并校验商品种子。
func ParseProducts(b []byte) ([]model.Product, error) {
	var f productsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse products: %w", err)
	}
	if len(f.Products) == 0 {
		return nil, fmt.Errorf("products file has no products")
	}
	seen := make(map[uint]struct{}, len(f.Products))
	for _, p := range f.Products {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("product %d: %w", p.ID, err)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate product id %d", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return f.Products, nil
}

// DefaultProducts 内置演示商品：从启动时刻起开放 24 小时。
func DefaultProducts(now time.Time) []model.Product {
	return []model.Product{{
		ID:              1,
		Name:            "Flash Sale Demo",
		Description:     "limited stock demo product",
		OriginalPrice:   19900,
		SalePrice:       9900,
		InitialQuantity: 100,
		StartTime:       now.Add(-time.Minute),
		EndTime:         now.Add(24 * time.Hour),
	}}
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvAllowEmpty 与 getEnv 不同：显式设置为空字符串时返回空，用于关闭可选功能。
func getEnvAllowEmpty(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
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
