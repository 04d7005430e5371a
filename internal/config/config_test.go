package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/armctl/internal/robot"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := DefaultConfig()
	if cfg.Server.Listen != def.Server.Listen {
		t.Errorf("Expected listen %q, got %q", def.Server.Listen, cfg.Server.Listen)
	}
	if !cfg.Safety.AutoDisarm || cfg.Safety.DisarmTimeout != 5*time.Second {
		t.Errorf("Unexpected safety defaults: %+v", cfg.Safety)
	}
	if !cfg.Commands.PreemptableDefault {
		t.Error("Expected commands to be preemptable by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: 127.0.0.1:9000
  db: /tmp/armctl-test.db
logging:
  level: debug
safety:
  disarm_timeout: 2s
  auto_disarm: false
commands:
  preemptable_default: false
  preempt_timeout: 1s
  overrides:
    move:
      timeout: 10s
parameters:
  motion/max_speed: 0.5
robots:
  - name: arm1
    actuators:
      - path: /arm1/joint1
      - path: /arm1/joint2
        fail_mode: error
    parameters:
      motion/max_speed: 2.0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9000" || cfg.Logging.Level != "debug" {
		t.Errorf("Unexpected server/logging: %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.Safety.DisarmTimeout != 2*time.Second || cfg.Safety.AutoDisarm {
		t.Errorf("Unexpected safety: %+v", cfg.Safety)
	}
	if cfg.Commands.PreemptableDefault || cfg.Commands.PreemptTimeout != time.Second {
		t.Errorf("Unexpected commands: %+v", cfg.Commands.Config)
	}
	// Unset fields keep their defaults.
	if cfg.Commands.AwaitTimeout != 30*time.Second {
		t.Errorf("Expected default await timeout, got %s", cfg.Commands.AwaitTimeout)
	}
	if o := cfg.Commands.Overrides["move"]; o.Timeout != 10*time.Second {
		t.Errorf("Expected move override, got %+v", o)
	}
	if len(cfg.Robots) != 1 || len(cfg.Robots[0].Actuators) != 2 {
		t.Fatalf("Unexpected robots: %+v", cfg.Robots)
	}

	robots := cfg.RobotConfigs()
	if robots[0].Parameters["motion/max_speed"] != 2.0 {
		t.Errorf("Expected robot parameter to win, got %v", robots[0].Parameters["motion/max_speed"])
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  listen: 127.0.0.1:9000\n")
	t.Setenv("ARMCTL_LISTEN", "0.0.0.0:7000")
	t.Setenv("ARMCTL_LOG_LEVEL", "warn")
	t.Setenv("ARMCTL_AUTO_DISARM", "false")
	t.Setenv("ARMCTL_DISARM_TIMEOUT", "750ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:7000" {
		t.Errorf("Expected env listen, got %q", cfg.Server.Listen)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected env log level, got %q", cfg.Logging.Level)
	}
	if cfg.Safety.AutoDisarm || cfg.Safety.DisarmTimeout != 750*time.Millisecond {
		t.Errorf("Unexpected safety: %+v", cfg.Safety)
	}
	if cfg.Server.DBPath == "" {
		t.Error("Expected default db path to survive env parsing")
	}
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("ARMCTL_DISARM_TIMEOUT", "soon")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"zero disarm timeout", func(c *Config) { c.Safety.DisarmTimeout = 0 }, false},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, false},
		{"negative retention", func(c *Config) { c.Server.Retention = -time.Hour }, false},
		{"unnamed robot", func(c *Config) {
			c.Robots = append(c.Robots, c.Robots[0])
			c.Robots[1].Name = ""
		}, false},
		{"duplicate robot", func(c *Config) { c.Robots = append(c.Robots, c.Robots[0]) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Robots = append(cfg.Robots, robotConfig("arm1"))
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func robotConfig(name string) robot.Config {
	return robot.Config{
		Name:      name,
		Actuators: []robot.ActuatorConfig{{Path: "/" + name + "/joint1"}},
	}
}
