package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	MySQL        MySQLConfig        `yaml:"mysql"`
	Queue        QueueConfig        `yaml:"queue"`
	Logger       LoggerConfig       `yaml:"logger"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	State        StateConfig        `yaml:"state"`
	Profiles     ProfilesConfig     `yaml:"profiles"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Notification NotificationConfig `yaml:"notification"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // bearer token for write endpoints (optional, if empty, auth is disabled)
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig MySQL configuration, leave host empty to disable rebalance history
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Enabled whether a MySQL server is configured
func (c MySQLConfig) Enabled() bool {
	return c.Host != ""
}

// QueueConfig allocation event queue configuration
type QueueConfig struct {
	Enabled     bool `yaml:"enabled"`
	Concurrency int  `yaml:"concurrency"`  // consumer concurrency
	MaxRetry    int  `yaml:"max_retry"`    // maximum retry count
	TaskTimeout int  `yaml:"task_timeout"` // task timeout (seconds)
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig batch-size scheduler configuration
type SchedulerConfig struct {
	Policy             string   `yaml:"policy"`              // proportional, dynamic, hybrid
	Alpha              *float64 `yaml:"alpha,omitempty"`     // static/runtime blend override
	StragglerThreshold float64  `yaml:"straggler_threshold"` // multiple of the median step time
	RebalanceInterval  int      `yaml:"rebalance_interval"`  // steps between rebalances
	MinBatch           int      `yaml:"min_batch"`
	DefaultBatchSize   int      `yaml:"default_batch_size"` // reported for workers never allocated
	TotalBatchSize     int      `yaml:"total_batch_size"`   // global quota used by background rebalances
}

// State backends
const (
	StateBackendNone  = "none"
	StateBackendFile  = "file"
	StateBackendRedis = "redis"
)

// StateConfig scheduler snapshot persistence
type StateConfig struct {
	Backend        string `yaml:"backend"`          // none, file, redis
	FilePath       string `yaml:"file_path"`        // file backend target
	Key            string `yaml:"key"`              // redis backend key
	RestoreOnStart bool   `yaml:"restore_on_start"` // restore the latest snapshot at startup
}

// ProfilesConfig profiler output registered at startup
type ProfilesConfig struct {
	Path string `yaml:"path"` // JSON or YAML file, empty to wait for the register API
}

// JobsConfig background job configuration
type JobsConfig struct {
	CheckpointInterval int `yaml:"checkpoint_interval"` // seconds
	PeerSyncInterval   int `yaml:"peer_sync_interval"`  // seconds
	TelemetryTTL       int `yaml:"telemetry_ttl"`       // seconds a peer sample stays valid
	LeaderLockTTL      int `yaml:"leader_lock_ttl"`     // seconds
	HistoryRetention   int `yaml:"history_retention"`   // days of rebalance history kept in MySQL
}

// NotificationConfig straggler alert configuration
type NotificationConfig struct {
	FeishuWebhookURL string `yaml:"feishu_webhook_url"` // empty disables alerts
	Cooldown         int    `yaml:"cooldown"`           // seconds between alerts for the same worker
}

// MetricsConfig Prometheus exposition
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default values
const (
	DefaultPort               = 8080
	DefaultPolicy             = "dynamic"
	DefaultStragglerThreshold = 1.5
	DefaultRebalanceInterval  = 10
	DefaultMinBatch           = 1
	DefaultBatchSize          = 32
	DefaultTotalBatchSize     = 256
	DefaultStateFilePath      = "data/scheduler_state.json"
	DefaultStateKey           = "hetbalancer:state"
	DefaultCheckpointInterval = 30
	DefaultPeerSyncInterval   = 5
	DefaultTelemetryTTL       = 60
	DefaultLeaderLockTTL      = 30
	DefaultHistoryRetention   = 10
	DefaultNotifyCooldown     = 300
	DefaultMetricsPath        = "/metrics"
	DefaultQueueConcurrency   = 4
	DefaultQueueMaxRetry      = 3
	DefaultQueueTaskTimeout   = 30
)

// Duration helpers
func (c JobsConfig) CheckpointEvery() time.Duration {
	return time.Duration(c.CheckpointInterval) * time.Second
}

func (c JobsConfig) PeerSyncEvery() time.Duration {
	return time.Duration(c.PeerSyncInterval) * time.Second
}

func (c JobsConfig) TelemetryTTLDuration() time.Duration {
	return time.Duration(c.TelemetryTTL) * time.Second
}

func (c JobsConfig) LeaderLockTTLDuration() time.Duration {
	return time.Duration(c.LeaderLockTTL) * time.Second
}

func (c JobsConfig) HistoryRetentionDuration() time.Duration {
	return time.Duration(c.HistoryRetention) * 24 * time.Hour
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and fills defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validateAndApplyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateAndApplyDefaults replaces missing or out-of-range values with
// defaults. Only an unknown state backend or an alpha outside [0,1] is fatal.
func validateAndApplyDefaults(cfg *Config) error {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultPort
	}

	s := &cfg.Scheduler
	s.Policy = strings.ToLower(strings.TrimSpace(s.Policy))
	if s.Policy == "" {
		s.Policy = DefaultPolicy
	}
	if s.Alpha != nil && (*s.Alpha < 0 || *s.Alpha > 1) {
		return fmt.Errorf("scheduler.alpha must be within [0,1], got %v", *s.Alpha)
	}
	if s.StragglerThreshold <= 0 {
		s.StragglerThreshold = DefaultStragglerThreshold
	}
	if s.RebalanceInterval <= 0 {
		s.RebalanceInterval = DefaultRebalanceInterval
	}
	if s.MinBatch <= 0 {
		s.MinBatch = DefaultMinBatch
	}
	if s.DefaultBatchSize <= 0 {
		s.DefaultBatchSize = DefaultBatchSize
	}
	if s.TotalBatchSize <= 0 {
		s.TotalBatchSize = DefaultTotalBatchSize
	}

	st := &cfg.State
	st.Backend = strings.ToLower(strings.TrimSpace(st.Backend))
	switch st.Backend {
	case "":
		st.Backend = StateBackendNone
	case StateBackendNone, StateBackendFile, StateBackendRedis:
	default:
		return fmt.Errorf("unknown state backend %q", st.Backend)
	}
	if st.FilePath == "" {
		st.FilePath = DefaultStateFilePath
	}
	if st.Key == "" {
		st.Key = DefaultStateKey
	}

	j := &cfg.Jobs
	if j.CheckpointInterval <= 0 {
		j.CheckpointInterval = DefaultCheckpointInterval
	}
	if j.PeerSyncInterval <= 0 {
		j.PeerSyncInterval = DefaultPeerSyncInterval
	}
	if j.TelemetryTTL <= 0 {
		j.TelemetryTTL = DefaultTelemetryTTL
	}
	if j.LeaderLockTTL <= 0 {
		j.LeaderLockTTL = DefaultLeaderLockTTL
	}
	if j.HistoryRetention <= 0 {
		j.HistoryRetention = DefaultHistoryRetention
	}

	if cfg.Notification.Cooldown <= 0 {
		cfg.Notification.Cooldown = DefaultNotifyCooldown
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}

	q := &cfg.Queue
	if q.Concurrency <= 0 {
		q.Concurrency = DefaultQueueConcurrency
	}
	if q.MaxRetry <= 0 {
		q.MaxRetry = DefaultQueueMaxRetry
	}
	if q.TaskTimeout <= 0 {
		q.TaskTimeout = DefaultQueueTaskTimeout
	}
	return nil
}
