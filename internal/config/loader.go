package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the optional TOML configuration file. Values present
// in the file override the environment-derived configuration; absent values
// keep their env/default value. The file path comes from AVITOSCOUT_CONFIG.
type TOMLConfig struct {
	Database   TOMLDatabaseConfig   `toml:"database"`
	Workers    TOMLWorkersConfig    `toml:"workers"`
	Heartbeat  TOMLHeartbeatConfig  `toml:"heartbeat"`
	Validation TOMLValidationConfig `toml:"validation"`
	AI         TOMLAIConfig         `toml:"ai"`
	Reparse    TOMLReparseConfig    `toml:"reparse"`
	Display    TOMLDisplayConfig    `toml:"display"`
	Monitoring TOMLMonitoringConfig `toml:"monitoring"`
}

// TOMLDatabaseConfig represents database configuration in TOML.
type TOMLDatabaseConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Name     string `toml:"name"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	SSLMode  string `toml:"sslmode"`
}

// TOMLWorkersConfig represents worker sizing in TOML.
type TOMLWorkersConfig struct {
	TotalBrowserWorkers    int `toml:"total_browser_workers"`
	TotalValidationWorkers int `toml:"total_validation_workers"`
	CatalogBufferSize      int `toml:"catalog_buffer_size"`
}

// TOMLHeartbeatConfig represents heartbeat configuration in TOML.
type TOMLHeartbeatConfig struct {
	TimeoutSeconds        int `toml:"timeout_seconds"`
	UpdateIntervalSeconds int `toml:"update_interval_seconds"`
	CheckIntervalSeconds  int `toml:"check_interval_seconds"`
}

// TOMLValidationConfig represents validation configuration in TOML.
type TOMLValidationConfig struct {
	MinPrice               float64  `toml:"min_price"`
	MinValidatedItems      int      `toml:"min_validated_items"`
	MinSellerReviews       int      `toml:"min_seller_reviews"`
	EnablePriceValidation  *bool    `toml:"enable_price_validation"`
	EnableAIValidation     *bool    `toml:"enable_ai_validation"`
	RequireArticulumInText *bool    `toml:"require_articulum_in_text"`
	Stopwords              []string `toml:"stopwords"`
}

// TOMLAIConfig represents AI endpoint configuration in TOML.
type TOMLAIConfig struct {
	EndpointURL string `toml:"endpoint_url"`
	Model       string `toml:"model"`
	Timeout     string `toml:"timeout"`
}

// TOMLReparseConfig represents reparse configuration in TOML.
type TOMLReparseConfig struct {
	Enabled          *bool `toml:"enabled"`
	MinIntervalHours int   `toml:"min_interval_hours"`
}

// TOMLDisplayConfig represents Xvfb configuration in TOML.
type TOMLDisplayConfig struct {
	Enabled      *bool  `toml:"enabled"`
	DisplayStart int    `toml:"display_start"`
	Resolution   string `toml:"resolution"`
}

// TOMLMonitoringConfig represents monitoring configuration in TOML.
type TOMLMonitoringConfig struct {
	Port int `toml:"port"`
}

// LoadWithFile loads the env configuration and, when AVITOSCOUT_CONFIG points
// at an existing TOML file, applies the file on top of it.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	path := os.Getenv("AVITOSCOUT_CONFIG")
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	var fileCfg TOMLConfig
	if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	applyFile(cfg, &fileCfg)
	return cfg, nil
}

func applyFile(cfg *Config, f *TOMLConfig) {
	if f.Database.Host != "" {
		cfg.Database.Host = f.Database.Host
	}
	if f.Database.Port != 0 {
		cfg.Database.Port = f.Database.Port
	}
	if f.Database.Name != "" {
		cfg.Database.Name = f.Database.Name
	}
	if f.Database.User != "" {
		cfg.Database.User = f.Database.User
	}
	if f.Database.Password != "" {
		cfg.Database.Password = f.Database.Password
	}
	if f.Database.SSLMode != "" {
		cfg.Database.SSLMode = f.Database.SSLMode
	}

	if f.Workers.TotalBrowserWorkers != 0 {
		cfg.Workers.TotalBrowserWorkers = f.Workers.TotalBrowserWorkers
	}
	if f.Workers.TotalValidationWorkers != 0 {
		cfg.Workers.TotalValidationWorkers = f.Workers.TotalValidationWorkers
	}
	if f.Workers.CatalogBufferSize != 0 {
		cfg.Workers.CatalogBufferSize = f.Workers.CatalogBufferSize
	}

	if f.Heartbeat.TimeoutSeconds != 0 {
		cfg.Heartbeat.Timeout = time.Duration(f.Heartbeat.TimeoutSeconds) * time.Second
	}
	if f.Heartbeat.UpdateIntervalSeconds != 0 {
		cfg.Heartbeat.UpdateInterval = time.Duration(f.Heartbeat.UpdateIntervalSeconds) * time.Second
	}
	if f.Heartbeat.CheckIntervalSeconds != 0 {
		cfg.Heartbeat.CheckInterval = time.Duration(f.Heartbeat.CheckIntervalSeconds) * time.Second
	}

	if f.Validation.MinPrice != 0 {
		cfg.Validation.MinPrice = f.Validation.MinPrice
	}
	if f.Validation.MinValidatedItems != 0 {
		cfg.Validation.MinValidatedItems = f.Validation.MinValidatedItems
	}
	if f.Validation.MinSellerReviews != 0 {
		cfg.Validation.MinSellerReviews = f.Validation.MinSellerReviews
	}
	if f.Validation.EnablePriceValidation != nil {
		cfg.Validation.EnablePriceValidation = *f.Validation.EnablePriceValidation
	}
	if f.Validation.EnableAIValidation != nil {
		cfg.Validation.EnableAIValidation = *f.Validation.EnableAIValidation
	}
	if f.Validation.RequireArticulumInText != nil {
		cfg.Validation.RequireArticulumInText = *f.Validation.RequireArticulumInText
	}
	if len(f.Validation.Stopwords) > 0 {
		cfg.Validation.Stopwords = f.Validation.Stopwords
	}

	if f.AI.EndpointURL != "" {
		cfg.AI.EndpointURL = f.AI.EndpointURL
	}
	if f.AI.Model != "" {
		cfg.AI.Model = f.AI.Model
	}
	if f.AI.Timeout != "" {
		if d, err := time.ParseDuration(f.AI.Timeout); err == nil {
			cfg.AI.Timeout = d
		}
	}

	if f.Reparse.Enabled != nil {
		cfg.Reparse.Enabled = *f.Reparse.Enabled
	}
	if f.Reparse.MinIntervalHours != 0 {
		cfg.Reparse.MinIntervalHours = f.Reparse.MinIntervalHours
	}

	if f.Display.Enabled != nil {
		cfg.Display.Enabled = *f.Display.Enabled
	}
	if f.Display.DisplayStart != 0 {
		cfg.Display.DisplayStart = f.Display.DisplayStart
	}
	if f.Display.Resolution != "" {
		cfg.Display.Resolution = f.Display.Resolution
	}

	if f.Monitoring.Port != 0 {
		cfg.Monitoring.Port = f.Monitoring.Port
	}
}
