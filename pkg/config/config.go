// Package config loads process configuration for worldcore hosts:
// environment variables with fallbacks, plus optional YAML tuning profiles
// for the world loop and the snapshot store.
package config

import "os"

// Config holds process-level settings.
type Config struct {
	SnapshotPath string
	// DatabaseDSN selects the SQL execution store; empty keeps execution
	// records inside the snapshot.
	DatabaseDSN string
	// RedisAddr selects the shared budget store; empty keeps budgets in
	// process memory.
	RedisAddr string
	// OTLPEndpoint enables OTLP metric export when non-empty.
	OTLPEndpoint string
	LogLevel     string
	ProfileDir   string
}

// Load reads configuration from environment variables.
func Load() *Config {
	snapshot := os.Getenv("WORLDCORE_SNAPSHOT")
	if snapshot == "" {
		snapshot = "world.json"
	}

	logLevel := os.Getenv("WORLDCORE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	profileDir := os.Getenv("WORLDCORE_PROFILES")
	if profileDir == "" {
		profileDir = "profiles"
	}

	return &Config{
		SnapshotPath: snapshot,
		DatabaseDSN:  os.Getenv("WORLDCORE_DB"),
		RedisAddr:    os.Getenv("WORLDCORE_REDIS"),
		OTLPEndpoint: os.Getenv("WORLDCORE_OTLP"),
		LogLevel:     logLevel,
		ProfileDir:   profileDir,
	}
}
