package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string            `yaml:"env"`
	Replication ReplicationConfig `yaml:"replication"`
	Broker      BrokerConfig      `yaml:"broker"`
	Store       StoreConfig       `yaml:"store"`
	Vault       VaultConfig       `yaml:"vault"`
	Events      EventsConfig      `yaml:"events"`
	MetricsAddr string            `yaml:"metricsAddr"`
	Logger      LoggerConfig      `yaml:"logger"`
}

// ReplicationConfig 复制核心的可调参数；热更新只作用于超时、重试曲线与跟单快照 TTL，
// MaxInFlightBrokerCalls、WorkerPoolMultiplier 与 ReconcileIntervalMs 仅在启动时生效。
type ReplicationConfig struct {
	MaxInFlightBrokerCalls int `yaml:"maxInFlightBrokerCalls"` // 全局券商并发闸门
	DispatchTimeoutMs      int `yaml:"dispatchTimeoutMs"`      // 单跟单管道截止时间
	MaxRetries             int `yaml:"maxRetries"`             // 瞬时错误重试上限
	RetryBaseMs            int `yaml:"retryBaseMs"`
	RetryCapMs             int `yaml:"retryCapMs"`
	RetryJitterPct         int `yaml:"retryJitterPct"`
	FollowerSnapshotTTLMs  int `yaml:"followerSnapshotTtlMs"`
	WorkerPoolMultiplier   int `yaml:"workerPoolMultiplier"` // CPU x N
	ReconcileIntervalMs    int `yaml:"reconcileIntervalMs"`  // UNKNOWN 订单对账间隔
}

type BrokerConfig struct {
	BaseURL               string  `yaml:"baseURL"`
	SandboxURL            string  `yaml:"sandboxURL"`
	Sandbox               bool    `yaml:"sandbox"`
	SubscriptionKey       string  `yaml:"subscriptionKey"` // 平台级网关订阅密钥（随 HTTP 头发送）
	AppSource             int     `yaml:"appSource"`
	SessionRefreshGuardMs int     `yaml:"sessionRefreshGuardMs"`
	RequestRatePerSec     float64 `yaml:"requestRatePerSec"`
	RequestBurst          int     `yaml:"requestBurst"`
}

type StoreConfig struct {
	DBPath string `yaml:"dbPath"`
}

type VaultConfig struct {
	// CredentialKey 为 32 字节 AES-256 密钥的十六进制串，用于解封券商凭据。
	CredentialKey string `yaml:"credentialKey"`
}

type EventsConfig struct {
	WSAddr string      `yaml:"wsAddr"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	AuditTopic string   `yaml:"auditTopic"`
}

type LoggerConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	Outputs    []string `yaml:"outputs"`
	OutputFile string   `yaml:"outputFile"`
	ErrorFile  string   `yaml:"errorFile"`
}

// Defaults returns the documented default tuning values.
func Defaults() ReplicationConfig {
	return ReplicationConfig{
		MaxInFlightBrokerCalls: 50,
		DispatchTimeoutMs:      5000,
		MaxRetries:             3,
		RetryBaseMs:            100,
		RetryCapMs:             2000,
		RetryJitterPct:         25,
		FollowerSnapshotTTLMs:  1000,
		WorkerPoolMultiplier:   4,
		ReconcileIntervalMs:    30000,
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	cfg.Replication = Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("CT_BROKER_SUBSCRIPTION_KEY"); v != "" {
		cfg.Broker.SubscriptionKey = v
	}
	if v := os.Getenv("CT_CREDENTIAL_KEY"); v != "" {
		cfg.Vault.CredentialKey = v
	}
	if v := os.Getenv("CT_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	r := cfg.Replication
	if r.MaxInFlightBrokerCalls <= 0 {
		return errors.New("replication.maxInFlightBrokerCalls must be > 0")
	}
	if r.DispatchTimeoutMs <= 0 {
		return errors.New("replication.dispatchTimeoutMs must be > 0")
	}
	if r.MaxRetries < 0 {
		return errors.New("replication.maxRetries must be >= 0")
	}
	if r.RetryBaseMs <= 0 || r.RetryCapMs < r.RetryBaseMs {
		return errors.New("replication retry curve: need 0 < retryBaseMs <= retryCapMs")
	}
	if r.RetryJitterPct < 0 || r.RetryJitterPct > 100 {
		return errors.New("replication.retryJitterPct must be within [0,100]")
	}
	if r.FollowerSnapshotTTLMs < 0 {
		return errors.New("replication.followerSnapshotTtlMs must be >= 0")
	}
	if r.WorkerPoolMultiplier <= 0 {
		return errors.New("replication.workerPoolMultiplier must be > 0")
	}
	if r.ReconcileIntervalMs <= 0 {
		return errors.New("replication.reconcileIntervalMs must be > 0")
	}
	if cfg.Broker.BaseURL == "" {
		return errors.New("broker.baseURL is required")
	}
	if cfg.Broker.Sandbox && cfg.Broker.SandboxURL == "" {
		return errors.New("broker.sandboxURL is required when sandbox is set")
	}
	if cfg.Broker.SubscriptionKey == "" {
		return errors.New("broker.subscriptionKey is required (or CT_BROKER_SUBSCRIPTION_KEY)")
	}
	if cfg.Store.DBPath == "" {
		return errors.New("store.dbPath is required")
	}
	if cfg.Vault.CredentialKey == "" {
		return errors.New("vault.credentialKey is required (or CT_CREDENTIAL_KEY)")
	}
	if len(cfg.Events.Kafka.Brokers) > 0 && cfg.Events.Kafka.AuditTopic == "" {
		return errors.New("events.kafka.auditTopic is required when brokers are set")
	}
	return nil
}

// BrokerEndpoint returns the effective broker base URL honoring the sandbox flag.
func (c AppConfig) BrokerEndpoint() string {
	if c.Broker.Sandbox {
		return c.Broker.SandboxURL
	}
	return c.Broker.BaseURL
}
