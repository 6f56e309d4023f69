package editqueue

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Primary  ProviderConfig `yaml:"primary"`
	Fallback ProviderConfig `yaml:"fallback"`
	Store    StoreConfig    `yaml:"store"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Results  ResultsConfig  `yaml:"results"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// QueueConfig configures the dispatcher.
type QueueConfig struct {
	MaxConcurrency  int           `yaml:"max_concurrency"`
	ChunkSize       int           `yaml:"chunk_size"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	ImageBaseURL    string        `yaml:"image_base_url"`
	Retry           RetryPolicy   `yaml:"retry"`
}

// ProviderConfig configures one provider adapter.
type ProviderConfig struct {
	Provider   string        `yaml:"provider"` // huggingface, openai, gemini, local; empty disables
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	SigningKey string        `yaml:"signing_key"` // hex secp256k1 key, local provider only
}

// StoreConfig selects the edit/usage backend.
type StoreConfig struct {
	Driver           string `yaml:"driver"` // memory, postgres, sqlite, gorm-postgres
	DSN              string `yaml:"dsn"`
	TablePrefix      string `yaml:"table_prefix"`
	MonthlyFreeLimit int64  `yaml:"monthly_free_limit"`
}

// LedgerConfig optionally moves usage counters to a separate backend.
type LedgerConfig struct {
	Driver        string `yaml:"driver"` // empty (use store) or redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// ResultsConfig selects where output images are written.
type ResultsConfig struct {
	Driver        string `yaml:"driver"` // local or gcs
	Dir           string `yaml:"dir"`
	URLPrefix     string `yaml:"url_prefix"`
	Bucket        string `yaml:"bucket"`
	ObjectPrefix  string `yaml:"object_prefix"`
	PublicBaseURL string `yaml:"public_base_url"`
	Endpoint      string `yaml:"endpoint"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

var (
	providerNames = map[string]bool{"huggingface": true, "openai": true, "gemini": true, "local": true}
	storeDrivers  = map[string]bool{"memory": true, "postgres": true, "sqlite": true, "gorm-postgres": true}
)

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("editqueue: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("editqueue: parse config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Queue.MaxConcurrency == 0 {
		c.Queue.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Queue.ChunkSize == 0 {
		c.Queue.ChunkSize = c.Queue.MaxConcurrency
	}
	if c.Queue.MaxBatchSize == 0 {
		c.Queue.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Queue.ProviderTimeout > 0 && c.Queue.Retry.CallTimeout <= 0 {
		c.Queue.Retry.CallTimeout = c.Queue.ProviderTimeout
	}
	if c.Queue.ImageBaseURL == "" {
		c.Queue.ImageBaseURL = DefaultImageBaseURL
	}
	c.Queue.Retry = c.Queue.Retry.WithDefaults()

	if c.Fallback.Provider == "" {
		c.Fallback.Provider = "local"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.MonthlyFreeLimit <= 0 {
		c.Store.MonthlyFreeLimit = DefaultMonthlyFreeLimit
	}
	if c.Results.Driver == "" {
		c.Results.Driver = "local"
	}
	if c.Results.Dir == "" {
		c.Results.Dir = "uploads/ai-edits"
	}
	if c.Results.URLPrefix == "" {
		c.Results.URLPrefix = "/uploads/ai-edits"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	return c
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Queue.MaxConcurrency < 0 {
		return fmt.Errorf("editqueue: config: queue.max_concurrency must not be negative")
	}
	if c.Queue.ChunkSize < 0 {
		return fmt.Errorf("editqueue: config: queue.chunk_size must not be negative")
	}
	if c.Queue.MaxBatchSize < 0 {
		return fmt.Errorf("editqueue: config: queue.max_batch_size must not be negative")
	}

	if c.Primary.Provider != "" && !providerNames[c.Primary.Provider] {
		return fmt.Errorf("editqueue: config: primary: unknown provider %q", c.Primary.Provider)
	}
	if c.Fallback.Provider == "" {
		return fmt.Errorf("editqueue: config: fallback: provider is required")
	}
	if !providerNames[c.Fallback.Provider] {
		return fmt.Errorf("editqueue: config: fallback: unknown provider %q", c.Fallback.Provider)
	}
	for name, p := range map[string]ProviderConfig{"primary": c.Primary, "fallback": c.Fallback} {
		switch p.Provider {
		case "huggingface", "openai", "gemini":
			if p.APIKey == "" {
				return fmt.Errorf("editqueue: config: %s (%s): api_key is required", name, p.Provider)
			}
		}
		if p.SigningKey != "" && p.Provider != "local" {
			return fmt.Errorf("editqueue: config: %s (%s): signing_key is only supported by the local provider", name, p.Provider)
		}
	}

	if c.Store.Driver != "" && !storeDrivers[c.Store.Driver] {
		return fmt.Errorf("editqueue: config: store: unknown driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "" && c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("editqueue: config: store (%s): dsn is required", c.Store.Driver)
	}

	switch c.Ledger.Driver {
	case "":
	case "redis":
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("editqueue: config: ledger (redis): redis_addr is required")
		}
	default:
		return fmt.Errorf("editqueue: config: ledger: unknown driver %q", c.Ledger.Driver)
	}

	switch c.Results.Driver {
	case "", "local":
	case "gcs":
		if c.Results.Bucket == "" {
			return fmt.Errorf("editqueue: config: results (gcs): bucket is required")
		}
	default:
		return fmt.Errorf("editqueue: config: results: unknown driver %q", c.Results.Driver)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("editqueue: config: log: unknown format %q", c.Log.Format)
	}
	return nil
}

// QueueOptions returns the Queue options described by the queue section.
func (c QueueConfig) QueueOptions() []Option {
	policy := c.Retry
	if c.ProviderTimeout > 0 {
		policy.CallTimeout = c.ProviderTimeout
	}
	return []Option{
		WithMaxConcurrency(c.MaxConcurrency),
		WithChunkSize(c.ChunkSize),
		WithMaxBatchSize(c.MaxBatchSize),
		WithRetryPolicy(policy),
		WithResolver(URLResolver{BaseURL: c.ImageBaseURL}),
	}
}
