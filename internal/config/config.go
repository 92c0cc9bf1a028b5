// Package config 提供了服务函数网关的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如密码和密钥）。
// 配置包含了服务器、认证、分发、缓存、存储、审计、远程服务、日志、指标和遥测等多个方面的设置。
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口、请求限制等
	Server ServerConfig `yaml:"server"`
	// Auth 认证配置，包括 JWT 相关设置
	Auth AuthConfig `yaml:"auth"`
	// Dispatch 分发器配置，包括 GET 访问规则和保留路由
	Dispatch DispatchConfig `yaml:"dispatch"`
	// Cache 响应缓存配置
	Cache CacheConfig `yaml:"cache"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Audit 审计日志配置
	Audit AuditConfig `yaml:"audit"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Remote 远程服务配置
	Remote RemoteConfig `yaml:"remote"`
	// Scheduler 定时任务配置
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort 服务函数调用端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout 单个请求的处理超时
	// 默认值：60 秒
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxRequestBytes 请求体最大字节数，超过返回 REQUEST_IS_TOO_LONG
	// 默认值：1 MiB
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
	// RateLimit 按调用方地址的限流配置
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	// Enabled 是否启用限流
	Enabled bool `yaml:"enabled"`
	// RequestsPerSecond 每个调用方每秒允许的请求数
	// 默认值：50
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst 突发容量
	// 默认值：100
	Burst int `yaml:"burst"`
}

// AuthConfig 认证配置结构体。
type AuthConfig struct {
	// Enabled 是否启用认证，关闭时所有调用均视为已授权
	Enabled bool `yaml:"enabled"`
	// JWTSecret HS256 签名密钥，可通过环境变量 COURIER_AUTH_JWT_SECRET 或
	// COURIER_AUTH_JWT_SECRET_FILE（文件路径）覆盖
	JWTSecret string `yaml:"jwt_secret"`
	// PublicKeyURL 授权服务器公钥地址（RS256），设置后优先于 JWTSecret
	PublicKeyURL string `yaml:"public_key_url"`
	// PublicKeyPath 公钥在授权服务器响应 JSON 中的路径，如 "keys.public"
	// 默认值：publicKey
	PublicKeyPath string `yaml:"public_key_path"`
	// SubjectClaimPath 主体声明路径
	// 默认值：sub
	SubjectClaimPath string `yaml:"subject_claim_path"`
	// RolesClaimPath 角色声明路径，如 "realm_access.roles"
	// 默认值：roles
	RolesClaimPath string `yaml:"roles_claim_path"`
	// JWTExpiration 签发令牌的过期时间
	// 默认值：24 小时
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	// CaptchaVerifyURL 验证码校验地址（reCAPTCHA 兼容），为空时携带 captchaToken 的调用一律拒绝
	CaptchaVerifyURL string `yaml:"captcha_verify_url"`
	// CaptchaSecret 验证码服务密钥，可通过环境变量 COURIER_AUTH_CAPTCHA_SECRET 或
	// COURIER_AUTH_CAPTCHA_SECRET_FILE（文件路径）覆盖
	CaptchaSecret string `yaml:"captcha_secret"`
}

// DispatchConfig 分发器配置
type DispatchConfig struct {
	// Namespace 部署命名空间，用于缓存键
	// 默认值：default
	Namespace string `yaml:"namespace"`
	// AllowedGetPattern 允许通过 GET 调用的服务函数正则
	// 默认值：^\w+\.get
	AllowedGetPattern string `yaml:"allowed_get_pattern"`
	// DeniedGetFunctions 即使匹配正则也禁止 GET 的服务函数
	DeniedGetFunctions []string `yaml:"denied_get_functions"`
	// MetadataEnabled 是否开放 metadataService.getServicesMetadata
	MetadataEnabled bool `yaml:"metadata_enabled"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	// Enabled 是否启用响应缓存
	Enabled bool `yaml:"enabled"`
	// DefaultTTL 默认缓存有效期
	// 默认值：60 秒
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Postgres PostgreSQL 数据库配置，Host 为空时使用内存存储
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 缓存配置
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	// 默认值：5432
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 COURIER_POSTGRES_PASSWORD 或
	// COURIER_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode 连接 SSL 模式
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	// 默认值：20
	MaxConnections int `yaml:"max_connections"`
}

// DSN 返回 lib/pq 连接字符串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// URL 返回 pgx 连接 URL
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig Redis 缓存配置结构体。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 COURIER_REDIS_PASSWORD 或
	// COURIER_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
}

// AuditConfig 审计日志配置
type AuditConfig struct {
	// Postgres 是否写入 PostgreSQL 审计表（需要 storage.postgres）
	Postgres bool `yaml:"postgres"`
	// Events 是否发布到 NATS（需要 events.nats_url）
	Events bool `yaml:"events"`
	// Log 是否写入日志
	// 默认值：true（当其他审计目标都未启用时）
	Log bool `yaml:"log"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"
	NatsURL string `yaml:"nats_url"`
}

// RemoteConfig 远程服务配置
type RemoteConfig struct {
	// Services 服务名到基础 URL 的映射
	Services map[string]string `yaml:"services"`
	// Timeout 单次远程调用超时
	// 默认值：30 秒
	Timeout time.Duration `yaml:"timeout"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	// Enabled 是否启用定时任务
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：courier
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：courier-gateway
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回仅包含默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Validate 检查配置中的不合法取值
func (c *Config) Validate() error {
	if _, err := regexp.Compile(c.Dispatch.AllowedGetPattern); err != nil {
		return fmt.Errorf("invalid dispatch.allowed_get_pattern: %w", err)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && c.Auth.PublicKeyURL == "" {
		return fmt.Errorf("auth enabled but neither jwt_secret nor public_key_url is set")
	}
	if c.Audit.Postgres && c.Storage.Postgres.Host == "" {
		return fmt.Errorf("audit.postgres requires storage.postgres.host")
	}
	if c.Audit.Events && c.Events.NatsURL == "" {
		return fmt.Errorf("audit.events requires events.nats_url")
	}
	return nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 支持直接设置环境变量（如 COURIER_POSTGRES_PASSWORD）或通过 _FILE 后缀
// 指定包含密钥的文件路径（如 COURIER_POSTGRES_PASSWORD_FILE），_FILE 方式优先级更高。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"COURIER_POSTGRES_PASSWORD"},
		[]string{"COURIER_POSTGRES_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"COURIER_REDIS_PASSWORD"},
		[]string{"COURIER_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"COURIER_AUTH_JWT_SECRET"},
		[]string{"COURIER_AUTH_JWT_SECRET_FILE"},
	); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := readEnvOrFileAny(
		[]string{"COURIER_AUTH_CAPTCHA_SECRET"},
		[]string{"COURIER_AUTH_CAPTCHA_SECRET_FILE"},
	); v != "" {
		c.Auth.CaptchaSecret = v
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}
	if c.Server.MaxRequestBytes == 0 {
		c.Server.MaxRequestBytes = 1 << 20
	}
	if c.Server.RateLimit.RequestsPerSecond == 0 {
		c.Server.RateLimit.RequestsPerSecond = 50
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 100
	}
	if c.Auth.JWTExpiration == 0 {
		c.Auth.JWTExpiration = 24 * time.Hour
	}
	if c.Auth.SubjectClaimPath == "" {
		c.Auth.SubjectClaimPath = "sub"
	}
	if c.Auth.RolesClaimPath == "" {
		c.Auth.RolesClaimPath = "roles"
	}
	if c.Auth.PublicKeyPath == "" {
		c.Auth.PublicKeyPath = "publicKey"
	}
	if c.Dispatch.Namespace == "" {
		c.Dispatch.Namespace = "default"
	}
	if c.Dispatch.AllowedGetPattern == "" {
		c.Dispatch.AllowedGetPattern = `^\w+\.get`
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = 60 * time.Second
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 20
	}
	// 没有任何审计目标时至少写日志
	if !c.Audit.Postgres && !c.Audit.Events {
		c.Audit.Log = true
	}
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "courier"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "courier-gateway"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
