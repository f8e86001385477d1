package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all covault server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	MasterKeyHex  string `json:"master_key_hex"`
	Passphrase    string `json:"passphrase"`
	SaltHex       string `json:"salt_hex"`
	KDFIterations int    `json:"kdf_iterations"`
	PIISchemaPath string `json:"pii_schema_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	SweepSchedule string `json:"sweep_schedule"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(covaultDir(), "covault.db"),
		LogLevel:      "info",
		PoolSize:      4,
		SweepSchedule: "* * * * *",
	}
}

func covaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".covault"
	}
	return filepath.Join(home, ".covault")
}

func settingsPath() string {
	return filepath.Join(covaultDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("COVAULT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("COVAULT_MASTER_KEY"); v != "" {
		cfg.MasterKeyHex = v
	}
	if v := os.Getenv("COVAULT_PASSPHRASE"); v != "" {
		cfg.Passphrase = v
	}
	if v := os.Getenv("COVAULT_SALT"); v != "" {
		cfg.SaltHex = v
	}
	if v := os.Getenv("COVAULT_KDF_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KDFIterations = n
		}
	}
	if v := os.Getenv("COVAULT_PII_SCHEMA"); v != "" {
		cfg.PIISchemaPath = v
	}
	if v := os.Getenv("COVAULT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("COVAULT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("COVAULT_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}

	return cfg
}
