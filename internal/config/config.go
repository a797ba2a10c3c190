// Package config loads and validates the nesspipe configuration file.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/nesspipe/internal/client"
	"github.com/anstrom/nesspipe/internal/db"
	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete nesspipe configuration
type Config struct {
	// Scanner REST API connection
	Nessus client.Config `yaml:"nessus" json:"nessus"`

	// Where and how converted tables are written
	Output OutputConfig `yaml:"output" json:"output"`

	// Optional PostgreSQL storage of converted tables
	Database DatabaseConfig `yaml:"database" json:"database"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`

	API API `yaml:"api" json:"api"`

	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`

	Workers WorkersConfig `yaml:"workers" json:"workers"`
}

// OutputConfig holds serializer settings
type OutputConfig struct {
	// Output format (csv, log, json, table)
	Format string `yaml:"format" json:"format" validate:"oneof=csv log json table"`

	// Directory receiving generated files
	Directory string `yaml:"directory" json:"directory" validate:"required"`

	// File name prefix
	Prefix string `yaml:"prefix" json:"prefix" validate:"required,excludesall=/\\"`

	// Emit the header row in csv output
	Header bool `yaml:"header" json:"header"`
}

// DatabaseConfig enables storage and carries the connection settings
type DatabaseConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	db.Config `yaml:",inline"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output" validate:"required"`

	AddSource bool `yaml:"add_source" json:"add_source"`
}

// API holds HTTP server settings
type API struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	Port       int    `yaml:"port" json:"port" validate:"gte=0,lte=65535"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gt=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"gt=0"`

	// Maximum accepted export size in bytes
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size" validate:"gt=0"`

	// Conversions running at once; further uploads wait (0 = unlimited)
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent" validate:"gte=0,lte=256"`
}

// ScheduleConfig controls periodic export of finished scans
type ScheduleConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Standard five-field cron expression or descriptor such as @hourly
	Cron string `yaml:"cron" json:"cron"`

	// Export scans already finished when the scheduler starts
	Backfill bool `yaml:"backfill" json:"backfill"`
}

// WorkersConfig sizes the batch conversion pool
type WorkersConfig struct {
	Count      int           `yaml:"count" json:"count" validate:"gte=1,lte=64"`
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout" validate:"gt=0"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Nessus: client.DefaultConfig(),
		Output: OutputConfig{
			Format:    "csv",
			Directory: ".",
			Prefix:    "nessus",
			Header:    true,
		},
		Database: DatabaseConfig{
			Enabled: false,
			Config:  db.DefaultConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		API: API{
			Enabled:        false,
			ListenAddr:     "127.0.0.1",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxRequestSize: 64 << 20,
			MaxConcurrent:  4,
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Cron:    "@hourly",
		},
		Workers: WorkersConfig{
			Count:      4,
			JobTimeout: 10 * time.Minute,
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder covers both.
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report yaml key names so errors point at the file the user edits.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.ErrConfigInvalid(fieldPath(fe.Namespace()), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.ErrConfigMissing("database.host")
		}
		if c.Database.Database == "" {
			return errors.ErrConfigMissing("database.database")
		}
		if c.Database.Username == "" {
			return errors.ErrConfigMissing("database.username")
		}
	}

	if c.API.Enabled {
		if c.API.Port <= 0 {
			return errors.ErrConfigInvalid("api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.ErrConfigMissing("api.listen_addr")
		}
	}

	if c.Schedule.Enabled {
		if c.Nessus.URL == "" {
			return errors.ErrConfigMissing("nessus.url")
		}
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return errors.ErrConfigInvalid("schedule.cron", c.Schedule.Cron)
		}
	}

	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}
