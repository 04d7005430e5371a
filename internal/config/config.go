// Package config loads the armctl daemon configuration.
//
// Values come from a YAML file first, then environment variables override
// the scalar settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/armctl/internal/command"
	"github.com/fentz26/armctl/internal/resultcache"
	"github.com/fentz26/armctl/internal/robot"
	"github.com/fentz26/armctl/internal/safety"
)

// ErrInvalid is returned when the configuration fails validation.
var ErrInvalid = errors.New("invalid config")

// Server configures the HTTP API and the journal.
type Server struct {
	Listen string `yaml:"listen" env:"ARMCTL_LISTEN"`
	DBPath string `yaml:"db" env:"ARMCTL_DB"`
	// Retention is how long journal rows are kept. Zero keeps everything.
	Retention time.Duration `yaml:"retention" env:"ARMCTL_RETENTION"`
}

// Logging configures the daemon logger.
type Logging struct {
	Level string `yaml:"level" env:"ARMCTL_LOG_LEVEL"`
	// File receives JSON logs in addition to stderr when set.
	File string `yaml:"file" env:"ARMCTL_LOG_FILE"`
}

// Tracing configures OpenTelemetry export. Empty endpoint disables it.
type Tracing struct {
	Endpoint    string `yaml:"endpoint" env:"ARMCTL_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"ARMCTL_OTEL_SERVICE"`
}

// Commands configures the orchestrators and overrides built-in commands for
// every robot.
type Commands struct {
	command.Config `yaml:",inline"`
	Overrides      map[string]command.Override `yaml:"overrides"`
}

// Config is the complete daemon configuration.
type Config struct {
	Server   Server             `yaml:"server"`
	Logging  Logging            `yaml:"logging"`
	Safety   safety.Config      `yaml:"safety"`
	Commands Commands           `yaml:"commands"`
	Cache    resultcache.Config `yaml:"cache"`
	Tracing  Tracing            `yaml:"tracing"`
	// Parameters are initial values applied to every robot before its own.
	Parameters map[string]interface{} `yaml:"parameters"`
	Robots     []robot.Config         `yaml:"robots"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			Listen:    "127.0.0.1:7467",
			DBPath:    defaultDBPath(),
			Retention: 7 * 24 * time.Hour,
		},
		Logging:  Logging{Level: "info"},
		Safety:   safety.DefaultConfig(),
		Commands: Commands{Config: command.DefaultConfig()},
		Cache:    resultcache.DefaultConfig(),
		Tracing:  Tracing{ServiceName: "armctl"},
	}
}

// Dir returns ~/.armctl, or .armctl when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".armctl"
	}
	return filepath.Join(home, ".armctl")
}

// DefaultPath returns ~/.armctl/config.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func defaultDBPath() string {
	return filepath.Join(Dir(), "armctl.db")
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv applies environment overrides to the scalar sections. Variables
// that are unset leave the current value alone.
func ParseEnv(cfg *Config) error {
	for _, target := range []any{&cfg.Server, &cfg.Logging, &cfg.Safety, &cfg.Tracing} {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("%w: server.listen is required", ErrInvalid)
	}
	if c.Server.DBPath == "" {
		return fmt.Errorf("%w: server.db is required", ErrInvalid)
	}
	if c.Server.Retention < 0 {
		return fmt.Errorf("%w: server.retention must not be negative", ErrInvalid)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level %q, must be: debug, info, warn, or error", ErrInvalid, c.Logging.Level)
	}
	if c.Safety.DisarmTimeout <= 0 {
		return fmt.Errorf("%w: safety.disarm_timeout must be positive", ErrInvalid)
	}
	if c.Commands.PreemptTimeout <= 0 || c.Commands.AwaitTimeout <= 0 {
		return fmt.Errorf("%w: commands timeouts must be positive", ErrInvalid)
	}
	if c.Cache.TTL <= 0 || c.Cache.Capacity < 1 || c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("%w: cache needs positive ttl, capacity and sweep_interval", ErrInvalid)
	}

	seen := make(map[string]bool)
	for i := range c.Robots {
		r := &c.Robots[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: robots[%d]: %v", ErrInvalid, i, err)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate robot %q", ErrInvalid, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// RobotConfigs returns the robot configurations with the shared parameters
// merged underneath each robot's own.
func (c *Config) RobotConfigs() []robot.Config {
	out := make([]robot.Config, len(c.Robots))
	for i, r := range c.Robots {
		params := make(map[string]interface{}, len(c.Parameters)+len(r.Parameters))
		for k, v := range c.Parameters {
			params[k] = v
		}
		for k, v := range r.Parameters {
			params[k] = v
		}
		r.Parameters = params
		out[i] = r
	}
	return out
}
