// Package config loads the Hanbai configuration: a YAML file for the
// durable settings, with environment variables taking precedence so
// deployments can override without editing the file. Credentials are only
// ever read from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/okonuma/hanbai/common/environment"
)

// MatrixConfig holds the chat-surface settings.
type MatrixConfig struct {
	Homeserver    string   `yaml:"homeserver"`
	UserID        string   `yaml:"user_id"`
	AccessToken   string   `yaml:"-"` // env only, never stored in the file
	OperatorRooms []string `yaml:"operator_rooms"`
	NotifyRoom    string   `yaml:"notify_room"`
}

// UpstreamConfig holds the storefront API settings.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"-"` // env only
	Timeout time.Duration `yaml:"timeout"`
}

// PlanConfig holds the preview/confirm pipeline knobs.
type PlanConfig struct {
	ConfirmTTL    time.Duration `yaml:"confirm_ttl"`
	ActivePlanTTL time.Duration `yaml:"active_plan_ttl"`
	CapabilityTTL time.Duration `yaml:"capability_ttl"`
	// AllowedTools is the action allow-list. Tools absent from it are
	// rejected at preview even when registered.
	AllowedTools []string `yaml:"allowed_tools"`
}

// Config is the full application configuration.
type Config struct {
	DatabasePath string         `yaml:"database_path"`
	LogLevel     string         `yaml:"log_level"`
	LogFormat    string         `yaml:"log_format"`
	Matrix       MatrixConfig   `yaml:"matrix"`
	Upstream     UpstreamConfig `yaml:"upstream"`
	Plans        PlanConfig     `yaml:"plans"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DatabasePath: "./hanbai.db",
		LogLevel:     "info",
		LogFormat:    "text",
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Plans: PlanConfig{
			ConfirmTTL:    5 * time.Minute,
			ActivePlanTTL: 15 * time.Minute,
			CapabilityTTL: 6 * time.Hour,
			AllowedTools: []string{
				"pricing.fx_reprice",
				"discounts.create",
				"products.publish",
			},
		},
	}
}

// Load reads the YAML file at path (when path is non-empty and the file
// exists), applies environment overrides on top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays environment variables onto the loaded values.
func (c *Config) applyEnv() {
	c.DatabasePath = environment.StringOr("DATABASE_PATH", c.DatabasePath)
	c.LogLevel = environment.StringOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = environment.StringOr("LOG_FORMAT", c.LogFormat)

	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.OperatorRooms = environment.StringSliceOr("MATRIX_OPERATOR_ROOMS", c.Matrix.OperatorRooms)
	c.Matrix.NotifyRoom = environment.StringOr("MATRIX_NOTIFY_ROOM", c.Matrix.NotifyRoom)

	c.Upstream.BaseURL = environment.StringOr("UPSTREAM_BASE_URL", c.Upstream.BaseURL)
	c.Upstream.APIKey = environment.StringOr("UPSTREAM_API_KEY", c.Upstream.APIKey)
	c.Upstream.Timeout = environment.DurationOr("UPSTREAM_TIMEOUT", c.Upstream.Timeout)

	c.Plans.ConfirmTTL = environment.DurationOr("CONFIRM_TTL", c.Plans.ConfirmTTL)
	c.Plans.ActivePlanTTL = environment.DurationOr("ACTIVE_PLAN_TTL", c.Plans.ActivePlanTTL)
	c.Plans.CapabilityTTL = environment.DurationOr("CAPABILITY_TTL", c.Plans.CapabilityTTL)
	c.Plans.AllowedTools = environment.StringSliceOr("ALLOWED_TOOLS", c.Plans.AllowedTools)
}

// Validate checks the settings a running bot cannot do without.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("MATRIX_HOMESERVER is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("MATRIX_USER_ID is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("MATRIX_ACCESS_TOKEN is required")
	}
	if len(c.Matrix.OperatorRooms) == 0 {
		return fmt.Errorf("MATRIX_OPERATOR_ROOMS is required")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("UPSTREAM_API_KEY is required")
	}
	if c.Plans.ConfirmTTL <= 0 || c.Plans.ActivePlanTTL <= 0 || c.Plans.CapabilityTTL <= 0 {
		return fmt.Errorf("plan TTLs must be positive")
	}
	return nil
}
