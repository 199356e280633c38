package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Chapsvision-dev/cloudstore/internal/retry"
)

// Policies for CreateDir on a directory that already exists.
const (
	OnExistsIgnore = "ignore"
	OnExistsError  = "error"
)

// Oplog drivers.
const (
	OplogNone     = "none"
	OplogSQLite   = "sqlite"
	OplogPostgres = "postgres"
)

// DefaultPath is the config file read when no explicit path is given.
const DefaultPath = "~/.cloudstore/cloudstore.yaml"

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Oplog   OplogConfig   `yaml:"oplog"`
	Log     LogConfig     `yaml:"log"`
	Retry   RetryConfig   `yaml:"retry"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type StorageConfig struct {
	// Selected is the service the facade binds to.
	Selected  string             `yaml:"selected"`
	Local     LocalConfig        `yaml:"local"`
	Staging   StagingConfig      `yaml:"staging"`
	CreateDir CreateDirConfig    `yaml:"create_dir"`
	Transfer  TransferConfig     `yaml:"transfer"`
	Services  map[string]Service `yaml:"services"`
}

// LocalConfig mirrors the storage.local.default.directory key.
type LocalConfig struct {
	Default struct {
		Directory string `yaml:"directory"`
	} `yaml:"default"`
}

type StagingConfig struct {
	// Unique stages every cross-cloud copy in its own subdirectory.
	Unique bool `yaml:"unique"`
	// Cleanup removes the staged copy after a successful upload.
	Cleanup bool `yaml:"cleanup"`
}

type CreateDirConfig struct {
	OnExists string `yaml:"on_exists"` // "ignore" or "error"
}

type TransferConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Service is one named backend entry. Only the fields relevant to its Kind
// are read by the backend factory.
type Service struct {
	Kind string `yaml:"kind"`

	// local
	Directory string `yaml:"directory"`

	// awss3
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`

	// azureblob (Endpoint is shared with awss3)
	Account      string `yaml:"account"`
	Container    string `yaml:"container"`
	SASToken     string `yaml:"sas_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`

	// box, gdrive, google (rclone)
	Remote  string            `yaml:"remote"`
	Options map[string]string `yaml:"options"`
}

type OplogConfig struct {
	Driver string `yaml:"driver"` // none|sqlite|postgres
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
	Disabled     bool          `yaml:"disabled"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	cfg := Config{
		Storage: StorageConfig{
			Selected:  "local",
			Staging:   StagingConfig{Unique: true},
			CreateDir: CreateDirConfig{OnExists: OnExistsIgnore},
			Transfer:  TransferConfig{Concurrency: 4},
			Services:  map[string]Service{},
		},
		Oplog: OplogConfig{Driver: OplogSQLite, DSN: "~/.cloudstore/operations.db"},
		Log:   LogConfig{Level: "info", Format: "console"},
		Retry: RetryConfig{
			MaxAttempts:  retry.Default.MaxAttempts,
			InitialDelay: retry.Default.InitialDelay,
			MaxDelay:     retry.Default.MaxDelay,
			Multiplier:   retry.Default.Multiplier,
			Jitter:       retry.Default.Jitter,
		},
	}
	cfg.Storage.Local.Default.Directory = "~/.cloudstore/staging"
	return cfg
}

// Service returns the settings for a named service. A name that is not
// configured is treated as a bare kind with default settings, so that
// "awss3:bucket/key" works without a services entry.
func (c Config) Service(name string) Service {
	if s, ok := c.Storage.Services[name]; ok {
		if s.Kind == "" {
			s.Kind = name
		}
		return s
	}
	return Service{Kind: name}
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	if c.Retry.Disabled {
		return retry.Once
	}
	return retry.Options{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}
}

// applyEnv overlays environment variables on top of file values.
func (c *Config) applyEnv() {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return v
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "y", "on":
				return true
			case "0", "false", "no", "n", "off":
				return false
			}
		}
		return def
	}

	c.Storage.Selected = strings.TrimSpace(get("STORAGE_SERVICE", c.Storage.Selected))
	c.Storage.Local.Default.Directory = get("STORAGE_STAGING_DIR", c.Storage.Local.Default.Directory)
	c.Storage.Staging.Unique = parseBool("STORAGE_STAGING_UNIQUE", c.Storage.Staging.Unique)
	c.Storage.Staging.Cleanup = parseBool("STORAGE_STAGING_CLEANUP", c.Storage.Staging.Cleanup)
	c.Storage.CreateDir.OnExists = strings.ToLower(get("STORAGE_CREATE_DIR_ON_EXISTS", c.Storage.CreateDir.OnExists))
	c.Storage.Transfer.Concurrency = parseInt("STORAGE_TRANSFER_CONCURRENCY", c.Storage.Transfer.Concurrency)

	c.Oplog.Driver = strings.ToLower(get("OPLOG_DRIVER", c.Oplog.Driver))
	c.Oplog.DSN = get("OPLOG_DSN", c.Oplog.DSN)
	c.Log.Level = strings.ToLower(get("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(get("LOG_FORMAT", c.Log.Format))
	c.Metrics.Addr = get("METRICS_ADDR", c.Metrics.Addr)

	c.Retry.MaxAttempts = parseInt("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.InitialDelay = parseDur("RETRY_INITIAL_DELAY", c.Retry.InitialDelay)
	c.Retry.MaxDelay = parseDur("RETRY_MAX_DELAY", c.Retry.MaxDelay)
	c.Retry.Multiplier = parseFloat("RETRY_MULTIPLIER", c.Retry.Multiplier)
	c.Retry.Jitter = parseBool("RETRY_JITTER", c.Retry.Jitter)
	c.Retry.Disabled = parseBool("RETRY_DISABLED", c.Retry.Disabled)

	// Azure credentials fill any azureblob service that left them empty.
	for name, s := range c.Storage.Services {
		if s.Kind != "azureblob" && !(s.Kind == "" && name == "azureblob") {
			continue
		}
		s.Account = get("AZURE_STORAGE_ACCOUNT", s.Account)
		s.Container = get("AZURE_STORAGE_CONTAINER", s.Container)
		s.SASToken = get("AZURE_STORAGE_SAS", s.SASToken)
		s.ClientID = get("AZURE_CLIENT_ID", s.ClientID)
		s.ClientSecret = get("AZURE_CLIENT_SECRET", s.ClientSecret)
		s.TenantID = get("AZURE_TENANT_ID", s.TenantID)
		s.Endpoint = get("AZURE_BLOB_ENDPOINT", s.Endpoint)
		c.Storage.Services[name] = s
	}
}
