package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment   string              `toml:"environment"` // "development" or "production"
	Server        ServerConfig        `toml:"server"`
	Database      SQLiteConfig        `toml:"database"`
	Artifacts     ArtifactsConfig     `toml:"artifacts"`
	UpdateQueue   UpdateQueueConfig   `toml:"update_queue"`
	Orchestration OrchestrationConfig `toml:"orchestration"`
	Chains        ChainsConfig        `toml:"chains"`
	Janitor       JanitorConfig       `toml:"janitor"`
	Logging       LoggingConfig       `toml:"logging"`
	Events        EventsConfig        `toml:"events"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path           string `toml:"path"`             // Database file path
	CacheSizeMB    int    `toml:"cache_size_mb"`    // Page cache size in MB
	WALMode        bool   `toml:"wal_mode"`         // Enable WAL journal mode
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`  // SQLITE_BUSY wait in milliseconds
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup (development only)
	Environment    string `toml:"-"`                // Copied from Config.Environment for the reset guard
}

// ArtifactsConfig represents the artifact store configuration
type ArtifactsConfig struct {
	Path           string `toml:"path"`             // Badger directory path
	Bucket         string `toml:"bucket"`           // Artifact bucket name used in s3:// catalog keys
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete store on startup (development only)
}

// UpdateQueueConfig controls the work-item update ingestion queue
type UpdateQueueConfig struct {
	PollInterval      string  `toml:"poll_interval"`      // e.g. "250ms" - how often drain workers poll
	Concurrency       int     `toml:"concurrency"`        // Number of concurrent drain workers
	VisibilityTimeout string  `toml:"visibility_timeout"` // e.g. "2m" - message visibility timeout for redelivery
	MaxReceive        int     `toml:"max_receive"`        // Max receives before a message is dead-lettered
	QueueName         string  `toml:"queue_name"`         // goqite queue name
	RatePerSecond     float64 `toml:"rate_per_second"`    // Max updates processed per second across all workers (0 = unlimited)
}

// OrchestrationConfig holds the workflow orchestration knobs
type OrchestrationConfig struct {
	CmrMaxPageSize                  int    `toml:"cmr_max_page_size" validate:"gt=0"`                    // Upper bound on granules per query-step page
	AggregateStacCatalogMaxPageSize int    `toml:"aggregate_stac_catalog_max_page_size" validate:"gt=0"` // Max items per aggregation catalog page
	MaxBatchInputs                  int    `toml:"max_batch_inputs" validate:"gt=0"`                     // Default batch item count cap
	MaxBatchSizeInBytes             int64  `toml:"max_batch_size_in_bytes" validate:"gt=0"`              // Default batch byte cap
	WorkItemRetryLimit              int    `toml:"work_item_retry_limit" validate:"gte=0"`               // Per-item retries before accepting failure
	MaxErrorsForJob                 int    `toml:"max_errors_for_job" validate:"gt=0"`                   // Job error cap beyond which the job fails even with ignore_errors
	PreviewThreshold                int    `toml:"preview_threshold" validate:"gt=0"`                    // Granule count above which async jobs pause for preview
	InsertBatchSize                 int    `toml:"insert_batch_size" validate:"gt=0"`                    // Chunk size for bulk work-item inserts
	StatusCacheTTL                  string `toml:"status_cache_ttl"`                                     // TTL for the recent-job-status cache, e.g. "2s"
}

// ChainsConfig contains configuration for service chain definitions
type ChainsConfig struct {
	Dir string `toml:"dir"` // Directory containing service chain files (YAML)
}

// JanitorConfig controls the stalled work-item sweeper
type JanitorConfig struct {
	Enabled        bool   `toml:"enabled"`          // Disabled by default
	Schedule       string `toml:"schedule"`         // Cron schedule
	MaxItemRuntime string `toml:"max_item_runtime"` // Running items older than this are failed back through the retry path
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// EventsConfig controls the websocket event stream
type EventsConfig struct {
	MinLevel         string `toml:"min_level"`         // Minimum event level to broadcast
	ThrottleInterval string `toml:"throttle_interval"` // Min interval between progress events per job, e.g. "1s"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only deployment-facing settings should be exposed in harmony.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Database: SQLiteConfig{
			Path:          "./data/harmony.db",
			CacheSizeMB:   50,
			WALMode:       true,
			BusyTimeoutMS: 5000,
		},
		Artifacts: ArtifactsConfig{
			Path:   "./data/artifacts",
			Bucket: "harmony-artifacts",
		},
		UpdateQueue: UpdateQueueConfig{
			PollInterval:      "250ms",
			Concurrency:       8,
			VisibilityTimeout: "2m",
			MaxReceive:        3,
			QueueName:         "harmony_work_item_updates",
			RatePerSecond:     200,
		},
		Orchestration: OrchestrationConfig{
			CmrMaxPageSize:                  2000,
			AggregateStacCatalogMaxPageSize: 10000,
			MaxBatchInputs:                  500,
			MaxBatchSizeInBytes:             2 * 1024 * 1024 * 1024, // 2 GiB
			WorkItemRetryLimit:              3,
			MaxErrorsForJob:                 100,
			PreviewThreshold:                500,
			InsertBatchSize:                 100,
			StatusCacheTTL:                  "2s",
		},
		Chains: ChainsConfig{
			Dir: "./chains",
		},
		Janitor: JanitorConfig{
			Enabled:        false, // Deployments usually run their own sweeper
			Schedule:       "*/2 * * * *",
			MaxItemRuntime: "2h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		Events: EventsConfig{
			MinLevel:         "info",
			ThrottleInterval: "1s",
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env.
// CLI flag overrides are not applied here.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files.
// Later files override earlier files; environment variables override all files.
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

	// The database reset guard needs to know the environment
	config.Database.Environment = config.Environment

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Duration strings are checked eagerly so a bad value fails at startup,
	// not on first use.
	for name, value := range map[string]string{
		"update_queue.poll_interval":      c.UpdateQueue.PollInterval,
		"update_queue.visibility_timeout": c.UpdateQueue.VisibilityTimeout,
		"orchestration.status_cache_ttl":  c.Orchestration.StatusCacheTTL,
		"janitor.max_item_runtime":        c.Janitor.MaxItemRuntime,
		"events.throttle_interval":        c.Events.ThrottleInterval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: %s %q: %w", name, value, err)
		}
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: HARMONY_ENV, fallback: GO_ENV)
	if env := os.Getenv("HARMONY_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("HARMONY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("HARMONY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("HARMONY_DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}

	if path := os.Getenv("HARMONY_ARTIFACTS_PATH"); path != "" {
		config.Artifacts.Path = path
	}
	if bucket := os.Getenv("HARMONY_ARTIFACTS_BUCKET"); bucket != "" {
		config.Artifacts.Bucket = bucket
	}

	if pollInterval := os.Getenv("HARMONY_UPDATE_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.UpdateQueue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("HARMONY_UPDATE_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.UpdateQueue.Concurrency = c
		}
	}

	if v := os.Getenv("HARMONY_CMR_MAX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.CmrMaxPageSize = n
		}
	}
	if v := os.Getenv("HARMONY_AGGREGATE_STAC_CATALOG_MAX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.AggregateStacCatalogMaxPageSize = n
		}
	}
	if v := os.Getenv("HARMONY_MAX_BATCH_INPUTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.MaxBatchInputs = n
		}
	}
	if v := os.Getenv("HARMONY_MAX_BATCH_SIZE_IN_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Orchestration.MaxBatchSizeInBytes = n
		}
	}
	if v := os.Getenv("HARMONY_WORK_ITEM_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.WorkItemRetryLimit = n
		}
	}
	if v := os.Getenv("HARMONY_MAX_ERRORS_FOR_JOB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.MaxErrorsForJob = n
		}
	}
	if v := os.Getenv("HARMONY_PREVIEW_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.PreviewThreshold = n
		}
	}
	if v := os.Getenv("HARMONY_INSERT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Orchestration.InsertBatchSize = n
		}
	}

	if dir := os.Getenv("HARMONY_CHAINS_DIR"); dir != "" {
		config.Chains.Dir = dir
	}

	if level := os.Getenv("HARMONY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("HARMONY_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitAndTrim(output, ",")
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Duration parses a duration string, falling back to def on empty input.
// Config validation rejects invalid values at startup, so the fallback only
// covers programmatic construction in tests.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
