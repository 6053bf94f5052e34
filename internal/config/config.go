package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config 描述了任务服务在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`

	// CredentialGenerated 标记凭证是否为启动时自动生成。
	CredentialGenerated bool `json:"-" yaml:"-"`
}

// ServerConfig 控制监听地址、凭证以及执行池等核心参数，构造完成后不再修改。
type ServerConfig struct {
	Port       int       `json:"port" yaml:"port"`
	Host       string    `json:"host" yaml:"host"`
	Credential string    `json:"credential" yaml:"credential"`
	TLS        TLSConfig `json:"tls" yaml:"tls"`
	// Domain 非空时仅接受 Host 头完全匹配的请求，非默认端口需写成 host:port。
	Domain string `json:"domain" yaml:"domain"`
	Debug  bool   `json:"debug" yaml:"debug"`

	PoolMax int `json:"pool_max" yaml:"pool_max"`
	// IdleTimeout 为 0 时关闭空闲回收。
	IdleTimeout       Duration `json:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval     Duration `json:"sweep_interval" yaml:"sweep_interval"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// SendBuffer 是每个持久连接的发送队列长度。
	SendBuffer   int   `json:"send_buffer" yaml:"send_buffer"`
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// TLSConfig 描述证书与私钥路径，两者必须同时提供。
type TLSConfig struct {
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
}

// Enabled 判断是否启用 TLS。
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// RateLimitConfig 控制按客户端的请求限流，RequestsPerSecond 为 0 表示关闭。
type RateLimitConfig struct {
	RequestsPerSecond float64  `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int      `json:"burst" yaml:"burst"`
	IdleTTL           Duration `json:"idle_ttl" yaml:"idle_ttl"`
}

// StorageConfig 描述任务历史的落库方式。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// RelayConfig 配置跨实例事件转发，Driver 为空表示不转发。
type RelayConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// LLMConfig 用于配置执行上下文调用的大模型。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
	Timeout  Duration     `json:"timeout" yaml:"timeout"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

// AlertingConfig 配置告警通知。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
	Version string `json:"-" yaml:"-"`
}

// Address 返回 host:port 形式的监听地址。
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load 解析指定路径的配置文件，文件不存在时使用默认值。
// 支持带注释的 JSON 以及 YAML，随后应用环境变量覆盖与默认值。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	baseDir := "."
	if path != "" {
		baseDir = filepath.Dir(path)
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		default:
			if err := decode(path, content, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.ensureCredential(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(content), cfg); err != nil {
			return fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.PoolMax == 0 {
		c.Server.PoolMax = 10
	}
	if c.Server.SweepInterval == 0 {
		c.Server.SweepInterval = Duration(time.Minute)
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if c.Server.SendBuffer <= 0 {
		c.Server.SendBuffer = 256
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}

	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RequestsPerSecond) * 2
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
	if c.RateLimit.IdleTTL == 0 {
		c.RateLimit.IdleTTL = Duration(10 * time.Minute)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Relay.Redis.Channel == "" {
		c.Relay.Redis.Channel = "agentserver:events"
	}
	if c.Relay.RabbitMQ.Exchange == "" {
		c.Relay.RabbitMQ.Exchange = "agentserver.events"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "static"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// ensureCredential 在未配置凭证时生成一个随机凭证。
func (c *Config) ensureCredential() error {
	if strings.TrimSpace(c.Server.Credential) != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("生成访问凭证失败: %w", err)
	}
	c.Server.Credential = hex.EncodeToString(buf)
	c.CredentialGenerated = true
	return nil
}

// Validate 校验配置的合法性，应在使用前调用。
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("端口 %d 超出范围 1-65535", c.Server.Port))
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		errs = append(errs, errors.New("监听地址不能为空"))
	}
	if strings.TrimSpace(c.Server.Credential) == "" {
		errs = append(errs, errors.New("访问凭证不能为空"))
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("TLS 证书与私钥必须同时配置"))
	}
	if c.Server.PoolMax < 1 {
		errs = append(errs, fmt.Errorf("执行池上限 %d 必须大于 0", c.Server.PoolMax))
	}
	if c.Server.IdleTimeout < 0 {
		errs = append(errs, errors.New("空闲超时不能为负数"))
	}
	if c.Server.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("心跳间隔必须大于 0"))
	}
	switch c.Storage.Driver {
	case "memory", "mysql":
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver))
	}
	switch c.Relay.Driver {
	case "", "none", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("未知的事件转发驱动: %s", c.Relay.Driver))
	}
	return errors.Join(errs...)
}
