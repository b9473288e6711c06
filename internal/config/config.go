package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gottino/remarkable-sync/internal/targets"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string                 `json:"serverAddress"`
	DatabasePath  string                 `json:"databasePath"`
	DatabaseURL   string                 `json:"databaseUrl"`
	Watcher       Watcher                `json:"watcher"`
	Processor     Processor              `json:"processor"`
	Security      Security               `json:"security"`
	Notion        TargetToggle           `json:"notion"`
	Readwise      TargetToggle           `json:"readwise"`
	NotionAPI     targets.NotionConfig   `json:"notionApi"`
	ReadwiseAPI   targets.ReadwiseConfig `json:"readwiseApi"`
}

// Watcher configuration for the extracted-content watcher
type Watcher struct {
	Enabled         bool   `json:"enabled"`
	Root            string `json:"root"`
	DebounceSeconds int    `json:"debounceSeconds"`
	QueueSize       int    `json:"queueSize"`
}

// Processor configuration for the background queue processor
type Processor struct {
	Enabled                 bool `json:"enabled"`
	IntervalSeconds         int  `json:"intervalSeconds"`
	BatchSize               int  `json:"batchSize"`
	MaxConcurrency          int  `json:"maxConcurrency"`
	MaxRetries              int  `json:"maxRetries"`
	BaseRetryDelaySeconds   int  `json:"baseRetryDelaySeconds"`
	MaxRetryDelaySeconds    int  `json:"maxRetryDelaySeconds"`
	StuckThresholdMinutes   int  `json:"stuckThresholdMinutes"`
	NotebookCooldownSeconds int  `json:"notebookCooldownSeconds"`
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// TargetToggle enables or disables one sync target
type TargetToggle struct {
	Enabled bool `json:"enabled"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":8090",
		DatabasePath:  "remarkable-sync.db",
		Watcher: Watcher{
			Enabled:         true,
			Root:            "./content",
			DebounceSeconds: 2,
			QueueSize:       1024,
		},
		Processor: Processor{
			Enabled:                 true,
			IntervalSeconds:         30,
			BatchSize:               50,
			MaxConcurrency:          3,
			MaxRetries:              3,
			BaseRetryDelaySeconds:   30,
			MaxRetryDelaySeconds:    900,
			StuckThresholdMinutes:   30,
			NotebookCooldownSeconds: 5,
		},
		Security: Security{
			APIKey:       "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader: "X-API-Key",
		},
		Notion:   TargetToggle{Enabled: false},
		Readwise: TargetToggle{Enabled: false},
		NotionAPI: targets.NotionConfig{
			BaseURL:           "https://api.notion.com",
			APIVersion:        "2022-06-28",
			MaxBlocksPerWrite: 50,
			RequestsPerMinute: 170,
			TimeoutSeconds:    30,
		},
		ReadwiseAPI: targets.ReadwiseConfig{
			BaseURL:           "https://readwise.io",
			RequestsPerMinute: 230,
			TimeoutSeconds:    30,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}

	if root := os.Getenv("WATCH_ROOT"); root != "" {
		cfg.Watcher.Root = root
	}
	if enabled := os.Getenv("WATCHER_ENABLED"); enabled != "" {
		cfg.Watcher.Enabled = enabled == "true" || enabled == "1"
	}

	if enabled := os.Getenv("PROCESSOR_ENABLED"); enabled != "" {
		cfg.Processor.Enabled = enabled == "true" || enabled == "1"
	}
	if interval := os.Getenv("PROCESSOR_INTERVAL_SECONDS"); interval != "" {
		if seconds, err := strconv.Atoi(interval); err == nil && seconds > 0 {
			cfg.Processor.IntervalSeconds = seconds
		}
	}
	if concurrency := os.Getenv("PROCESSOR_MAX_CONCURRENCY"); concurrency != "" {
		if n, err := strconv.Atoi(concurrency); err == nil && n > 0 {
			cfg.Processor.MaxConcurrency = n
		}
	}

	// Target credentials come from the environment in most deployments
	if token := os.Getenv("NOTION_TOKEN"); token != "" {
		cfg.NotionAPI.Token = token
		cfg.Notion.Enabled = true
	}
	if parent := os.Getenv("NOTION_PARENT_PAGE_ID"); parent != "" {
		cfg.NotionAPI.ParentPageID = parent
	}
	if token := os.Getenv("READWISE_TOKEN"); token != "" {
		cfg.ReadwiseAPI.Token = token
		cfg.Readwise.Enabled = true
	}

	// Ensure the watch root exists when watching is enabled
	if cfg.Watcher.Enabled {
		if err := os.MkdirAll(cfg.Watcher.Root, 0755); err != nil {
			return nil, err
		}
		absRoot, err := filepath.Abs(cfg.Watcher.Root)
		if err != nil {
			return nil, err
		}
		cfg.Watcher.Root = absRoot
	}

	return cfg, nil
}
