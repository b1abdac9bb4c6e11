package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 描述了 paygated 在启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" yaml:"server"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	Payment       PaymentConfig       `json:"payment" yaml:"payment"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Reputation    ReputationConfig    `json:"reputation" yaml:"reputation"`
	Task          TaskConfig          `json:"task" yaml:"task"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Events        EventsConfig        `json:"events" yaml:"events"`
	Web3          Web3Config          `json:"web3" yaml:"web3"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                string   `json:"address" yaml:"address"`
	ReadTimeoutSeconds     int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	MaxBodyBytes           int64    `json:"max_body_bytes" yaml:"max_body_bytes"`
	AllowedOrigins         []string `json:"allowed_origins" yaml:"allowed_origins"`
	// TrustedProxies 中的地址才允许通过 X-Forwarded-For 传递客户端 IP。
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level     string         `json:"level" yaml:"level"`
	Format    string         `json:"format" yaml:"format"`
	Outputs   []string       `json:"outputs" yaml:"outputs"`
	AddSource bool           `json:"add_source" yaml:"add_source"`
	Audit     AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// AuthConfig 描述智能体身份认证方式。
type AuthConfig struct {
	Mode     string      `json:"mode" yaml:"mode"`
	Required bool        `json:"required" yaml:"required"`
	JWT      JWTConfig   `json:"jwt" yaml:"jwt"`
	OAuth    OAuthConfig `json:"oauth" yaml:"oauth"`
	// Revoked 列出被吊销的智能体地址。
	Revoked []string `json:"revoked" yaml:"revoked"`
}

// JWTConfig 描述 HS256 令牌参数。
type JWTConfig struct {
	Secret           string   `json:"secret" yaml:"secret"`
	Issuer           string   `json:"issuer" yaml:"issuer"`
	Audience         []string `json:"audience" yaml:"audience"`
	AccessTTLSeconds int64    `json:"access_ttl_seconds" yaml:"access_ttl_seconds"`
}

// OAuthConfig 描述令牌自省端点。
type OAuthConfig struct {
	IntrospectionURL string `json:"introspection_url" yaml:"introspection_url"`
	ClientID         string `json:"client_id" yaml:"client_id"`
	ClientSecret     string `json:"client_secret" yaml:"client_secret"`
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// PaymentConfig 描述 x402 收款参数与定价。
type PaymentConfig struct {
	Payee                string `json:"payee" yaml:"payee"`
	ChainID              int64  `json:"chain_id" yaml:"chain_id"`
	DevMode              bool   `json:"dev_mode" yaml:"dev_mode"`
	VerifyTimeoutSeconds int    `json:"verify_timeout_seconds" yaml:"verify_timeout_seconds"`
	// ReplayWindowSeconds 是同一付款凭证可重发复用的时长。
	ReplayWindowSeconds int `json:"replay_window_seconds" yaml:"replay_window_seconds"`
	// Verifier 取值 signature、settlement 或 signature+settlement。
	Verifier         string                 `json:"verifier" yaml:"verifier"`
	MinConfirmations uint64                 `json:"min_confirmations" yaml:"min_confirmations"`
	PricingFile      string                 `json:"pricing_file" yaml:"pricing_file"`
	Routes           map[string]RouteConfig `json:"routes" yaml:"routes"`
	Tokens           []TokenConfig          `json:"tokens" yaml:"tokens"`
	// PricedMethods 列出需要计费的 JSON-RPC 方法，默认只有 tasks/send。
	PricedMethods []string `json:"priced_methods" yaml:"priced_methods"`
}

// RouteConfig 是单条路由定价。
type RouteConfig struct {
	Price string `json:"price" yaml:"price"`
	Token string `json:"token" yaml:"token"`
}

// TokenConfig 描述可用于支付的代币。
type TokenConfig struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals int    `json:"decimals" yaml:"decimals"`
	Address  string `json:"address" yaml:"address"`
}

// RateLimitConfig 描述按信誉加权的限流参数。
type RateLimitConfig struct {
	Disabled            bool    `json:"disabled" yaml:"disabled"`
	BaseRate            int     `json:"base_rate" yaml:"base_rate"`
	MaxRate             int     `json:"max_rate" yaml:"max_rate"`
	Multiplier          float64 `json:"multiplier" yaml:"multiplier"`
	WindowSeconds       int     `json:"window_seconds" yaml:"window_seconds"`
	CacheSize           int     `json:"cache_size" yaml:"cache_size"`
	CacheTTLSeconds     int     `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	LookupTimeoutMillis int     `json:"lookup_timeout_millis" yaml:"lookup_timeout_millis"`
	LookupQPS           float64 `json:"lookup_qps" yaml:"lookup_qps"`
	LookupBurst         int     `json:"lookup_burst" yaml:"lookup_burst"`
	// Store 取值 memory 或 redis。
	Store       string `json:"store" yaml:"store"`
	RedisPrefix string `json:"redis_prefix" yaml:"redis_prefix"`
}

// ReputationConfig 选择信誉数据源。
type ReputationConfig struct {
	// Source 取值 none、static、http 或 registry。
	Source         string             `json:"source" yaml:"source"`
	Static         map[string]float64 `json:"static" yaml:"static"`
	Default        float64            `json:"default" yaml:"default"`
	HTTPURL        string             `json:"http_url" yaml:"http_url"`
	TimeoutSeconds int                `json:"timeout_seconds" yaml:"timeout_seconds"`
	// RegistryChainID 指定读取信誉合约的链，合约地址在链配置中给出。
	RegistryChainID int64 `json:"registry_chain_id" yaml:"registry_chain_id"`
}

// TaskConfig 控制任务执行与清理。
type TaskConfig struct {
	HandlerTimeoutSeconds int `json:"handler_timeout_seconds" yaml:"handler_timeout_seconds"`
	// MaxAgeMinutes 为正数时定期清理超过该时长的终态任务。
	MaxAgeMinutes        int `json:"max_age_minutes" yaml:"max_age_minutes"`
	EvictIntervalSeconds int `json:"evict_interval_seconds" yaml:"evict_interval_seconds"`
	MaxHistory           int `json:"max_history" yaml:"max_history"`
	// PluginConfig 指向技能插件清单，为空时只加载内置技能。
	PluginConfig string `json:"plugin_config" yaml:"plugin_config"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Receipts ReceiptStoreConfig `json:"receipts" yaml:"receipts"`
	Redis    RedisConfig        `json:"redis" yaml:"redis"`
}

// ReceiptStoreConfig 选择收据存储，driver 取值 memory 或 mysql。
type ReceiptStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// RedisConfig 是限流与事件共享的 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// EventsConfig 描述领域事件的发布方式，driver 取值 none、memory、redis 或 rabbitmq。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	List     string         `json:"list" yaml:"list"`
	MaxLen   int64          `json:"max_len" yaml:"max_len"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Queue    string `json:"queue" yaml:"queue"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// Web3Config 指向链配置文件。
type Web3Config struct {
	ChainConfig string `json:"chain_config" yaml:"chain_config"`
}

// ObservabilityConfig 控制指标与告警。
type ObservabilityConfig struct {
	// MetricsAddress 为空时在主服务上暴露 /metrics。
	MetricsAddress   string `json:"metrics_address" yaml:"metrics_address"`
	AlertWebhook     string `json:"alert_webhook" yaml:"alert_webhook"`
	AlertLogDisabled bool   `json:"alert_log_disabled" yaml:"alert_log_disabled"`
}

// Load 负责解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.finish(filepath.Dir(path), os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只依赖环境变量的配置，用于未提供配置文件的场景。
func Default() (*Config, error) {
	var cfg Config
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	if err := cfg.finish(wd, os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish(baseDir string, lookup func(string) (string, bool)) error {
	if err := c.applyEnv(lookup); err != nil {
		return err
	}
	c.applyDefaults(baseDir)
	return c.Validate()
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 90
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Payment.ChainID == 0 {
		c.Payment.ChainID = 8453
	}
	if c.Payment.VerifyTimeoutSeconds <= 0 {
		c.Payment.VerifyTimeoutSeconds = 5
	}
	if c.Payment.ReplayWindowSeconds <= 0 {
		c.Payment.ReplayWindowSeconds = 600
	}
	if c.Payment.Verifier == "" {
		c.Payment.Verifier = "signature"
	}
	if c.Payment.PricingFile != "" {
		c.Payment.PricingFile = resolve(baseDir, c.Payment.PricingFile)
	}
	if len(c.Payment.PricedMethods) == 0 {
		c.Payment.PricedMethods = []string{"tasks/send"}
	}

	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "memory"
	}

	if c.Reputation.Source == "" {
		c.Reputation.Source = "none"
	}
	if c.Reputation.TimeoutSeconds <= 0 {
		c.Reputation.TimeoutSeconds = 2
	}

	if c.Task.HandlerTimeoutSeconds <= 0 {
		c.Task.HandlerTimeoutSeconds = 60
	}
	if c.Task.EvictIntervalSeconds <= 0 {
		c.Task.EvictIntervalSeconds = 60
	}
	if c.Task.PluginConfig != "" {
		c.Task.PluginConfig = resolve(baseDir, c.Task.PluginConfig)
	}

	if c.Storage.Receipts.Driver == "" {
		c.Storage.Receipts.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查配置之间的约束。
func (c *Config) Validate() error {
	var errs []error
	if !c.Payment.DevMode && c.Payment.Payee == "" && c.hasPricing() {
		errs = append(errs, errors.New("payment.payee 未配置，非开发模式下无法收款"))
	}
	switch c.Payment.Verifier {
	case "signature", "settlement", "signature+settlement":
	default:
		errs = append(errs, fmt.Errorf("payment.verifier 不支持: %s", c.Payment.Verifier))
	}
	if strings.Contains(c.Payment.Verifier, "settlement") && !c.Payment.DevMode && c.Web3.ChainConfig == "" {
		errs = append(errs, errors.New("settlement 验证需要配置 web3.chain_config"))
	}
	switch c.Auth.Mode {
	case "disabled", "jwt", "oauth":
	default:
		errs = append(errs, fmt.Errorf("auth.mode 不支持: %s", c.Auth.Mode))
	}
	if c.Auth.Mode == "jwt" && c.Auth.JWT.Secret == "" {
		errs = append(errs, errors.New("auth.jwt.secret 不能为空"))
	}
	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("rate_limit.store=redis 需要配置 storage.redis.address"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.store 不支持: %s", c.RateLimit.Store))
	}
	switch c.Reputation.Source {
	case "none", "static":
	case "http":
		if c.Reputation.HTTPURL == "" {
			errs = append(errs, errors.New("reputation.http_url 不能为空"))
		}
	case "registry":
		if c.Web3.ChainConfig == "" || c.Reputation.RegistryChainID == 0 {
			errs = append(errs, errors.New("reputation.source=registry 需要 web3.chain_config 与 registry_chain_id"))
		}
	default:
		errs = append(errs, fmt.Errorf("reputation.source 不支持: %s", c.Reputation.Source))
	}
	switch c.Storage.Receipts.Driver {
	case "memory":
	case "mysql":
		if c.Storage.Receipts.DSN == "" {
			errs = append(errs, errors.New("storage.receipts.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.receipts.driver 不支持: %s", c.Storage.Receipts.Driver))
	}
	switch c.Events.Driver {
	case "none", "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("events.driver=redis 需要配置 storage.redis.address"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("events.driver 不支持: %s", c.Events.Driver))
	}
	return errors.Join(errs...)
}

func (c *Config) hasPricing() bool {
	return len(c.Payment.Routes) > 0 || c.Payment.PricingFile != ""
}
