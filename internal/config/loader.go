package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand env templates before standardizing, templates live inside strings.
	expanded := expandEnvTemplates(string(data))

	standard, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills zero-value fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8787"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = filepath.Join(DataPath(), "inkwell.db")
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = Duration(30 * time.Minute)
	}
	if cfg.Database.UserDBConnLimit == 0 {
		cfg.Database.UserDBConnLimit = 5
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = filepath.Join(DataPath(), "uploads")
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = Duration(24 * time.Hour)
	}
	if cfg.Auth.AdminUID == "" {
		cfg.Auth.AdminUID = "admin"
	}
	if cfg.Auth.AdminEmail == "" {
		cfg.Auth.AdminEmail = "admin@localhost"
	}
	if cfg.Auth.AdminName == "" {
		cfg.Auth.AdminName = "Administrator"
	}

	if cfg.Models.SeedFile == "" {
		cfg.Models.SeedFile = "models.yaml"
	}

	if cfg.Governor.SystemMaxConcurrentTasks == 0 {
		cfg.Governor.SystemMaxConcurrentTasks = 100
	}
	if cfg.Governor.UserDefaultMaxConcurrentTasks == 0 {
		cfg.Governor.UserDefaultMaxConcurrentTasks = 10
	}

	if cfg.Queue.MaxQueueLength == 0 {
		cfg.Queue.MaxQueueLength = 200
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.QueueCheckIntervalSec == 0 {
		cfg.Queue.QueueCheckIntervalSec = 5
	}
	if cfg.Queue.PriorityBoostThresholdSec == 0 {
		cfg.Queue.PriorityBoostThresholdSec = 300
	}

	if cfg.Workers.WorkerPoolSize == 0 {
		cfg.Workers.WorkerPoolSize = 20
	}
	if cfg.Workers.TaskTimeoutSec == 0 {
		cfg.Workers.TaskTimeoutSec = 600
	}
	if cfg.Workers.ShutdownGrace == 0 {
		cfg.Workers.ShutdownGrace = Duration(30 * time.Second)
	}

	if cfg.Pipeline.PerTaskDetectFanout == 0 {
		cfg.Pipeline.PerTaskDetectFanout = 4
	}
	if cfg.Pipeline.MaxFileSizeBytes == 0 {
		cfg.Pipeline.MaxFileSizeBytes = 100 << 20
	}
	if cfg.Pipeline.ChunkRuneBudget == 0 {
		cfg.Pipeline.ChunkRuneBudget = 6000
	}
	if cfg.Pipeline.ProgressInterval == 0 {
		cfg.Pipeline.ProgressInterval = Duration(500 * time.Millisecond)
	}
	if cfg.Pipeline.ParseCacheEntries == 0 {
		cfg.Pipeline.ParseCacheEntries = 128
	}
	if cfg.Pipeline.ParseCacheDir == "" {
		cfg.Pipeline.ParseCacheDir = filepath.Join(DataPath(), "cache", "parse")
	}

	if cfg.LogBus.PerSubBufferMax == 0 {
		cfg.LogBus.PerSubBufferMax = 256
	}
	if cfg.LogBus.ReplayLimit == 0 {
		cfg.LogBus.ReplayLimit = 1000
	}
	if cfg.LogBus.PersistBuffer == 0 {
		cfg.LogBus.PersistBuffer = 1024
	}

	if cfg.Heartbeat.Path == "" {
		cfg.Heartbeat.Path = filepath.Join(DataPath(), "heartbeat.json")
	}
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = Duration(30 * time.Second)
	}

	if cfg.Secrets.IdentityFile == "" {
		cfg.Secrets.IdentityFile = filepath.Join(DataPath(), "age.key")
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config: storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Workers.WorkerPoolSize < 1 {
		return fmt.Errorf("config: worker_pool_size must be at least 1")
	}
	if c.Governor.SystemMaxConcurrentTasks < 1 {
		return fmt.Errorf("config: system_max_concurrent_tasks must be at least 1")
	}
	if c.Queue.MaxQueueLength < 1 {
		return fmt.Errorf("config: max_queue_length must be at least 1")
	}
	if c.Pipeline.PerTaskDetectFanout < 1 {
		return fmt.Errorf("config: per_task_detect_fanout must be at least 1")
	}
	return nil
}
