// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Player   PlayerConfig   `yaml:"player"`
	Presence PresenceConfig `yaml:"presence"`
	Log      LogConfig      `yaml:"log"`
}

// DiscordConfig represents gateway configuration.
type DiscordConfig struct {
	Token  string `yaml:"token" validate:"required"`
	Prefix string `yaml:"prefix" default:"!"`
}

// PlayerConfig represents playback configuration.
type PlayerConfig struct {
	IdleTimeoutSec    int `yaml:"idle_timeout_sec" default:"30" validate:"gte=5,lte=3600"`
	ResolveTimeoutSec int `yaml:"resolve_timeout_sec" default:"10" validate:"gte=1,lte=120"`
}

// PresenceConfig represents the idle-status rotation configuration.
type PresenceConfig struct {
	IntervalSec int      `yaml:"interval_sec" default:"5" validate:"gte=1,lte=300"`
	Statuses    []string `yaml:"statuses"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Output string `yaml:"output" default:"stdout"`
	Level  string `yaml:"level" default:"info"`
}

// Load loads configuration from a YAML file. A missing file is not an
// error: defaults plus environment variables can fully configure the
// bot. Environment variables take precedence for sensitive fields.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	case os.IsNotExist(err):
		// Defaults + env only
	default:
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("COMMAND_PREFIX"); v != "" {
		c.Discord.Prefix = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// IdleTimeout returns the idle window as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Player.IdleTimeoutSec) * time.Second
}

// ResolveTimeout returns the media resolution budget as a duration.
func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.Player.ResolveTimeoutSec) * time.Second
}

// PresenceInterval returns the status rotation period as a duration.
func (c *Config) PresenceInterval() time.Duration {
	return time.Duration(c.Presence.IntervalSec) * time.Second
}
