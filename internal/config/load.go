package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/Chapsvision-dev/cloudstore/internal/locator"
)

// Load builds the configuration: defaults, then the YAML file (with ${ENV}
// expansion), then environment overrides, then validation.
//
// An empty path reads DefaultPath when it exists and silently skips it
// otherwise; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	resolved, err := locator.Expand(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path %s: %w", path, err)
	}

	if _, err := os.Stat(resolved); err == nil {
		if err := loadFile(resolved, &cfg); err != nil {
			return Config{}, err
		}
	} else if !errors.Is(err, os.ErrNotExist) || explicit {
		return Config{}, fmt.Errorf("config file %s: %w", resolved, err)
	}

	if cfg.Storage.Services == nil {
		cfg.Storage.Services = map[string]Service{}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(filename string, target *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// Validate checks the whole configuration. Unknown service kinds are left to
// the provider registry, which reports them as unsupported backends.
func (c *Config) Validate() error {
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Oplog.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&c.Retry,
		validation.Field(&c.Retry.MaxAttempts, validation.Min(0)),
		validation.Field(&c.Retry.Multiplier, validation.Min(0.0)),
	)
}

// Validate validates the storage section and every configured service.
func (c *StorageConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Selected, validation.Required),
		validation.Field(&c.CreateDir),
		validation.Field(&c.Transfer),
	); err != nil {
		return err
	}
	if strings.TrimSpace(c.Local.Default.Directory) == "" {
		return errors.New("storage.local.default.directory is required")
	}
	for name, s := range c.Services {
		if err := s.validate(); err != nil {
			return fmt.Errorf("storage.services.%s: %w", name, err)
		}
	}
	return nil
}

// Validate validates the create_dir policy.
func (c CreateDirConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.OnExists, validation.Required, validation.In(OnExistsIgnore, OnExistsError)),
	)
}

// Validate validates the transfer settings.
func (c TransferConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1), validation.Max(64)),
	)
}

func (s Service) validate() error {
	switch s.Kind {
	case "azureblob":
		// Container may come from the first path segment; the account may be
		// implied by a custom endpoint.
		return validation.ValidateStruct(&s,
			validation.Field(&s.Account, validation.When(s.Endpoint == "", validation.Required)),
		)
	case "box", "gdrive", "google":
		if s.Remote == "" && len(s.Options) == 0 {
			return fmt.Errorf("%s: either remote or options is required", s.Kind)
		}
	}
	return nil
}

// Validate validates the oplog settings.
func (c *OplogConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = OplogNone
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.In(OplogNone, OplogSQLite, OplogPostgres)),
		validation.Field(&c.DSN, validation.When(c.Driver != OplogNone, validation.Required)),
	)
}

// Validate validates the logging settings.
func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Level, validation.In("trace", "debug", "info", "warn", "warning", "error")),
		validation.Field(&c.Format, validation.In("json", "console")),
	)
}
