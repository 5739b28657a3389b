// Package config provides configuration for the approval gate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the approval gate configuration.
type Config struct {
	// Server settings
	HTTPPort     int `yaml:"http_port"`
	InternalPort int `yaml:"internal_port"`

	// Database
	DatabaseURL string `yaml:"database_url"`

	// External runtime
	RuntimeURL string `yaml:"runtime_url"`

	// Policy
	PolicyPath string `yaml:"policy_path"`

	// Approval lifecycle
	ApprovalTTL         time.Duration `yaml:"-"`
	StaleClaimThreshold time.Duration `yaml:"-"`
	ExecutionTimeout    time.Duration `yaml:"-"`

	// YAML mirrors of the durations, in seconds.
	ApprovalTTLSeconds         int `yaml:"approval_ttl_seconds"`
	StaleClaimThresholdSeconds int `yaml:"stale_claim_threshold_seconds"`
	ExecutionTimeoutSeconds    int `yaml:"execution_timeout_seconds"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Load loads configuration from environment variables, with an optional YAML
// overlay file named by CONFIG_FILE applied first.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:                   8080,
		InternalPort:               8081,
		DatabaseURL:                "file:gatekeeper.db?cache=shared&mode=rwc",
		RuntimeURL:                 "http://localhost:8090",
		ApprovalTTLSeconds:         3600,
		StaleClaimThresholdSeconds: 300,
		ExecutionTimeoutSeconds:    30,
		LogLevel:                   "info",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.InternalPort = getEnvInt("INTERNAL_PORT", cfg.InternalPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RuntimeURL = getEnv("RUNTIME_URL", cfg.RuntimeURL)
	cfg.PolicyPath = getEnv("POLICY_PATH", cfg.PolicyPath)
	cfg.ApprovalTTLSeconds = getEnvInt("APPROVAL_TTL_SECONDS", cfg.ApprovalTTLSeconds)
	cfg.StaleClaimThresholdSeconds = getEnvInt("STALE_CLAIM_THRESHOLD_SECONDS", cfg.StaleClaimThresholdSeconds)
	cfg.ExecutionTimeoutSeconds = getEnvInt("EXECUTION_TIMEOUT_SECONDS", cfg.ExecutionTimeoutSeconds)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.ApprovalTTL = time.Duration(cfg.ApprovalTTLSeconds) * time.Second
	cfg.StaleClaimThreshold = time.Duration(cfg.StaleClaimThresholdSeconds) * time.Second
	cfg.ExecutionTimeout = time.Duration(cfg.ExecutionTimeoutSeconds) * time.Second

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
