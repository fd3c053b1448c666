package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// AppConfig is the full service configuration. Values come from built-in
// defaults, then an optional YAML file, then the environment.
type AppConfig struct {
	Service  ServiceConfig  `yaml:"service"`
	Chain    ChainConfig    `yaml:"chain"`
	Escrow   EscrowConfig   `yaml:"escrow"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Events   EventsConfig   `yaml:"events"`
	DLQ      DLQConfig      `yaml:"dlq"`
}

type ServiceConfig struct {
	HTTPPort       int           `yaml:"http_port"`
	LogLevel       string        `yaml:"log_level"`
	HMACSecret     string        `yaml:"hmac_secret"`
	HMACClockSkew  time.Duration `yaml:"hmac_clock_skew"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy"`
}

type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"`
	EscrowAddress  string        `yaml:"escrow_address"`
	TokenAddress   string        `yaml:"token_address"`
	TokenDecimals  int           `yaml:"token_decimals"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	// Fake serves receipts from memory and confirms every hash. Local
	// development only.
	Fake bool `yaml:"fake"`
}

type EscrowConfig struct {
	RequireSignature bool `yaml:"require_signature"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addrs    []string      `yaml:"addrs"`
	Password string        `yaml:"password"`
	TTL      time.Duration `yaml:"ttl"`
}

type EventsConfig struct {
	Driver         string        `yaml:"driver"`
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	TLS            bool          `yaml:"tls"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type DLQConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

var ErrInvalid = errors.New("config: invalid")

func defaults() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			HTTPPort:       3000,
			LogLevel:       "info",
			HMACClockSkew:  60 * time.Second,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			RequestTimeout: 15 * time.Second,
		},
		Chain: ChainConfig{
			TokenDecimals:  6,
			ReceiptTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			TTL: 10 * time.Minute,
		},
		Events: EventsConfig{
			Driver:         "none",
			Topic:          "escrow.deposits",
			BatchTimeout:   10 * time.Millisecond,
			PublishTimeout: 2 * time.Second,
		},
		DLQ: DLQConfig{
			Driver: "file",
			Path:   "./dlq",
		},
	}
}

// Load reads CONFIG_PATH when set, applies environment overrides and
// validates the result.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := envOr("CONFIG_PATH", ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *AppConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

func applyEnv(cfg *AppConfig) {
	s := &cfg.Service
	s.HTTPPort = envOrInt("API_HTTP_PORT", s.HTTPPort)
	s.LogLevel = envOr("LOG_LEVEL", s.LogLevel)
	s.HMACSecret = envOr("HMAC_SECRET", s.HMACSecret)
	s.HMACClockSkew = time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", int(s.HMACClockSkew/time.Second))) * time.Second
	s.CORSOrigins = envOrList("CORS_ALLOWED_ORIGINS", s.CORSOrigins)
	s.RateLimitRPS = envOrFloat("RATE_LIMIT_RPS", s.RateLimitRPS)
	s.RateLimitBurst = envOrInt("RATE_LIMIT_BURST", s.RateLimitBurst)
	s.RequestTimeout = envOrDuration("REQUEST_TIMEOUT", s.RequestTimeout)
	s.TrustProxy = envOrBool("TRUST_PROXY", s.TrustProxy)

	c := &cfg.Chain
	c.RPCURL = envOr("CHAIN_RPC_URL", c.RPCURL)
	c.ChainID = int64(envOrInt("CHAIN_ID", int(c.ChainID)))
	c.EscrowAddress = envOr("ESCROW_ADDRESS", c.EscrowAddress)
	c.TokenAddress = envOr("TOKEN_ADDRESS", c.TokenAddress)
	c.TokenDecimals = envOrInt("TOKEN_DECIMALS", c.TokenDecimals)
	c.ReceiptTimeout = envOrDuration("RECEIPT_TIMEOUT", c.ReceiptTimeout)
	c.Fake = envOrBool("CHAIN_FAKE", c.Fake)

	cfg.Escrow.RequireSignature = envOrBool("REQUIRE_SIGNATURE", cfg.Escrow.RequireSignature)
	cfg.Postgres.DSN = envOr("DATABASE_URL", cfg.Postgres.DSN)

	r := &cfg.Redis
	r.Addrs = envOrList("REDIS_ADDRS", r.Addrs)
	r.Password = envOr("REDIS_PASSWORD", r.Password)
	r.TTL = envOrDuration("REDIS_TTL", r.TTL)

	e := &cfg.Events
	e.Driver = envOr("EVENTS_DRIVER", e.Driver)
	e.Brokers = envOrList("KAFKA_BROKERS", e.Brokers)
	e.Topic = envOr("KAFKA_TOPIC", e.Topic)
	e.TLS = envOrBool("KAFKA_TLS", e.TLS)
	e.BatchTimeout = envOrDuration("KAFKA_BATCH_TIMEOUT", e.BatchTimeout)
	e.PublishTimeout = envOrDuration("EVENTS_PUBLISH_TIMEOUT", e.PublishTimeout)

	d := &cfg.DLQ
	d.Driver = envOr("DLQ_DRIVER", d.Driver)
	d.Path = envOr("DLQ_PATH", d.Path)
	d.Bucket = envOr("DLQ_S3_BUCKET", d.Bucket)
	d.Prefix = envOr("DLQ_S3_PREFIX", d.Prefix)
}

// Validate rejects configurations the service cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		add("http port %d out of range", c.Service.HTTPPort)
	}
	if c.Service.RateLimitRPS < 0 || c.Service.RateLimitBurst < 0 {
		add("rate limit must not be negative")
	}

	if c.Chain.RPCURL == "" && !c.Chain.Fake {
		add("chain rpc url is required unless the fake chain is enabled")
	}
	if !common.IsHexAddress(c.Chain.EscrowAddress) {
		add("escrow address %q is not a valid address", c.Chain.EscrowAddress)
	}
	if c.Chain.TokenAddress != "" && !common.IsHexAddress(c.Chain.TokenAddress) {
		add("token address %q is not a valid address", c.Chain.TokenAddress)
	}
	if c.Chain.Fake && c.Chain.TokenAddress != "" {
		add("token transfer checks cannot run against the fake chain")
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		add("token decimals %d out of range", c.Chain.TokenDecimals)
	}
	if c.Chain.ReceiptTimeout <= 0 || c.Chain.ReceiptTimeout >= 10*time.Second {
		add("receipt timeout %s must be between 0 and 10s", c.Chain.ReceiptTimeout)
	}

	switch strings.ToLower(c.Events.Driver) {
	case "", "none", "stdio":
	case "kafka":
		if len(c.Events.Brokers) == 0 || c.Events.Topic == "" {
			add("kafka events need brokers and a topic")
		}
	default:
		add("unknown events driver %q", c.Events.Driver)
	}
	slowPublish := c.Service.RequestTimeout > 0 && c.Events.PublishTimeout >= c.Service.RequestTimeout
	if c.Events.PublishTimeout <= 0 || slowPublish {
		add("events publish timeout %s must be positive and below the request timeout", c.Events.PublishTimeout)
	}
	if c.Events.BatchTimeout < 0 {
		add("kafka batch timeout must not be negative")
	}

	switch strings.ToLower(c.DLQ.Driver) {
	case "none":
	case "", "file":
		if c.DLQ.Path == "" {
			add("dlq path is required for the file driver")
		}
	case "s3":
		if c.DLQ.Bucket == "" {
			add("dlq bucket is required for the s3 driver")
		}
	default:
		add("unknown dlq driver %q", c.DLQ.Driver)
	}

	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("5s") or whole seconds ("5").
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envOrList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
