package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Tiling      TilingConfig    `toml:"tiling"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// SchedulerConfig bounds the two admission gates that sit in front of the
// worker pool: the number of workers that may run jobs concurrently and the
// number of distinct users that may have a job admitted at once.
type SchedulerConfig struct {
	MaxWorkers        int    `toml:"max_workers"`          // Global worker semaphore size
	MaxActiveUsers    int    `toml:"max_active_users"`     // Per-user admission slot count
	BranchLockSweep   string `toml:"branch_lock_sweep"`    // Cron schedule for uncontended branch-lock GC
	QueueStatusWindow string `toml:"queue_status_window"`  // Idle time after which the sweep may evict an unreferenced branch lock (duration string)
}

// TilingConfig governs the deterministic tile enumeration and kernel
// dispatch used by the executor.
type TilingConfig struct {
	TileSize         int  `toml:"tile_size"`
	TileOverlap      int  `toml:"tile_overlap"`
	EnableRealKernel bool `toml:"enable_real_kernel"` // false selects the deterministic fallback kernel
	PreviewMaxDim    int  `toml:"preview_max_dim"`    // Max dimension of composited preview PNG
}

type StorageConfig struct {
	DataDir string       `toml:"data_dir"` // Root directory for uploaded files and job output artifacts
	Badger  BadgerConfig `toml:"badger"`
}

// BadgerConfig configures the optional durable snapshot store. When
// Enabled is false, job/workflow/file state lives only in memory.
type BadgerConfig struct {
	Enabled        bool   `toml:"enabled"`
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// NewDefaultConfig creates a configuration with default values.
// Concurrency bounds are deliberately conservative; production overrides
// should come from scheduler.toml, not code changes.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:        4,
			MaxActiveUsers:    3,
			BranchLockSweep:   "0 */5 * * * *", // every 5 minutes
			QueueStatusWindow: "10m",
		},
		Tiling: TilingConfig{
			TileSize:         1024,
			TileOverlap:      64,
			EnableRealKernel: false,
			PreviewMaxDim:    2048,
		},
		Storage: StorageConfig{
			DataDir: "./data",
			Badger: BadgerConfig{
				Enabled: false,
				Path:    "./data/badger",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFile loads configuration from a single file. Kept for callers
// that only ever pass one override path.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2
// -> ... -> env. Later files override earlier files. Environment variables
// override every file. A missing path is not an error for the zero-path
// call (falls back to defaults); an unreadable named path is.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// Env vars win over file config but lose to explicit CLI flags applied
// afterward via ApplyFlagOverrides.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SCHEDULER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("SCHEDULER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SCHEDULER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if maxWorkers := os.Getenv("SCHEDULER_MAX_WORKERS"); maxWorkers != "" {
		if mw, err := strconv.Atoi(maxWorkers); err == nil {
			config.Scheduler.MaxWorkers = mw
		}
	}
	if maxActiveUsers := os.Getenv("SCHEDULER_MAX_ACTIVE_USERS"); maxActiveUsers != "" {
		if mau, err := strconv.Atoi(maxActiveUsers); err == nil {
			config.Scheduler.MaxActiveUsers = mau
		}
	}
	if sweep := os.Getenv("SCHEDULER_BRANCH_LOCK_SWEEP"); sweep != "" {
		config.Scheduler.BranchLockSweep = sweep
	}

	if tileSize := os.Getenv("SCHEDULER_TILE_SIZE"); tileSize != "" {
		if ts, err := strconv.Atoi(tileSize); err == nil {
			config.Tiling.TileSize = ts
		}
	}
	if tileOverlap := os.Getenv("SCHEDULER_TILE_OVERLAP"); tileOverlap != "" {
		if to, err := strconv.Atoi(tileOverlap); err == nil {
			config.Tiling.TileOverlap = to
		}
	}
	if realKernel := os.Getenv("SCHEDULER_ENABLE_REAL_KERNEL"); realKernel != "" {
		if rk, err := strconv.ParseBool(realKernel); err == nil {
			config.Tiling.EnableRealKernel = rk
		}
	}

	if dataDir := os.Getenv("SCHEDULER_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}
	if badgerEnabled := os.Getenv("SCHEDULER_BADGER_ENABLED"); badgerEnabled != "" {
		if be, err := strconv.ParseBool(badgerEnabled); err == nil {
			config.Storage.Badger.Enabled = be
		}
	}
	if badgerPath := os.Getenv("SCHEDULER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("SCHEDULER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("SCHEDULER_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("SCHEDULER_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config. Zero
// values mean "flag not set" and are ignored; callers pass the parsed flag
// values straight through.
func ApplyFlagOverrides(config *Config, port int, host string, maxWorkers int, maxActiveUsers int) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if maxWorkers > 0 {
		config.Scheduler.MaxWorkers = maxWorkers
	}
	if maxActiveUsers > 0 {
		config.Scheduler.MaxActiveUsers = maxActiveUsers
	}
}

// QueueStatusWindowDuration parses queue_status_window, falling back to 10
// minutes if it is unset or not a valid duration. The app passes it to the
// branch-lock sweep as the idle threshold for eviction.
func (c *Config) QueueStatusWindowDuration() time.Duration {
	if c.Scheduler.QueueStatusWindow == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.Scheduler.QueueStatusWindow)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
