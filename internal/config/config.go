// Package config loads and validates the inkwell configuration file.
package config

import (
	"time"

	"github.com/doctrine-review/inkwell/internal/logging"
)

// Config is the root configuration for inkwell.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Storage   StorageConfig   `json:"storage"`
	Auth      AuthConfig      `json:"auth"`
	Models    ModelsConfig    `json:"models"`
	Governor  GovernorConfig  `json:"governor"`
	Queue     QueueConfig     `json:"queue"`
	Workers   WorkersConfig   `json:"workers"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	LogBus    LogBusConfig    `json:"logbus"`
	Logging   logging.Config  `json:"logging"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Secrets   SecretsConfig   `json:"secrets"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// DatabaseConfig selects the SQL engine and its pool discipline.
type DatabaseConfig struct {
	Driver          string   `json:"driver"` // "sqlite" | "postgres"
	DSN             string   `json:"dsn"`    // file path for sqlite, URL for postgres
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	UserDBConnLimit int      `json:"user_db_connection_limit"` // per-user DB session cap
}

// StorageConfig selects the upload blob backend.
type StorageConfig struct {
	Backend string   `json:"backend"` // "local" | "s3"
	Dir     string   `json:"dir"`     // local backend root
	S3      S3Config `json:"s3"`
}

// S3Config configures the S3/MinIO backend.
type S3Config struct {
	Endpoint  string `json:"endpoint,omitempty"` // custom endpoint for MinIO
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"` // may be ENC[age:...]
	PathStyle bool   `json:"path_style,omitempty"`
}

// AuthConfig configures bearer-token authentication and the seeded admin.
type AuthConfig struct {
	JWTSecret  string   `json:"jwt_secret"` // may be ENC[age:...]
	Disabled   bool     `json:"disabled"`   // dev mode: trust X-Inkwell-User header
	TokenTTL   Duration `json:"token_ttl"`
	AdminUID   string   `json:"admin_uid"`
	AdminEmail string   `json:"admin_email"`
	AdminName  string   `json:"admin_name"`
}

// ModelsConfig points at the AI model seed file.
type ModelsConfig struct {
	SeedFile   string `json:"seed_file"`
	DefaultKey string `json:"default_key"` // empty = first model flagged default
}

// GovernorConfig holds the admission caps.
type GovernorConfig struct {
	SystemMaxConcurrentTasks      int `json:"system_max_concurrent_tasks"`
	UserDefaultMaxConcurrentTasks int `json:"user_default_max_concurrent_tasks"`
}

// QueueConfig holds the durable queue tuning. The same values are seeded
// into the queue_config table on first boot; after that the table wins.
type QueueConfig struct {
	MaxQueueLength            int `json:"max_queue_length"`
	MaxRetries                int `json:"max_retries"`
	QueueCheckIntervalSec     int `json:"queue_check_interval_sec"`
	PriorityBoostThresholdSec int `json:"priority_boost_threshold_sec"`
}

// WorkersConfig holds the worker pool settings.
type WorkersConfig struct {
	WorkerPoolSize int      `json:"worker_pool_size"`
	TaskTimeoutSec int      `json:"task_timeout_sec"`
	ShutdownGrace  Duration `json:"shutdown_grace"`
}

// PipelineConfig holds per-run pipeline settings.
type PipelineConfig struct {
	PerTaskDetectFanout int      `json:"per_task_detect_fanout"`
	MaxFileSizeBytes    int64    `json:"max_file_size_bytes"`
	ChunkRuneBudget     int      `json:"chunk_rune_budget"`
	ProgressInterval    Duration `json:"progress_interval"`
	ParseCacheEntries   int      `json:"parse_cache_entries"`
	ParseCacheDir       string   `json:"parse_cache_dir"`
}

// LogBusConfig holds the log fan-out settings.
type LogBusConfig struct {
	PerSubBufferMax int `json:"per_sub_buffer_max"`
	ReplayLimit     int `json:"replay_limit"`
	PersistBuffer   int `json:"persist_buffer"`
}

// HeartbeatConfig configures the liveness file.
type HeartbeatConfig struct {
	Path     string   `json:"path"`
	Interval Duration `json:"interval"`
}

/// SecretsConfig points at the age identity used for ENC[age:...] values.
type SecretsConfig struct {
	IdentityFile string `json:"identity_file"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Disabled bool `json:"disabled"`
}

// TaskTimeout returns the per-task wall-clock deadline.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Workers.TaskTimeoutSec) * time.Second
}

// QueueCheckInterval returns the worker idle backoff cap.
func (c *Config) QueueCheckInterval() time.Duration {
	return time.Duration(c.Queue.QueueCheckIntervalSec) * time.Second
}

// PriorityBoostThreshold returns the starvation boost interval.
func (c *Config) PriorityBoostThreshold() time.Duration {
	return time.Duration(c.Queue.PriorityBoostThresholdSec) * time.Second
}

// Duration wraps time.Duration for JSON unmarshaling from "30s" strings.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
