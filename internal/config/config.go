// Copyright 2026 The warden Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the warden server.
// It handles loading and parsing YAML configuration files and provides
// structured access to server, supervision, and notification settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces. Use "127.0.0.1" for
	// local-only access.
	Host string `yaml:"host" json:"-"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"port"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// AuditDBPath is the SQLite file recording supervision decisions.
	AuditDBPath string `yaml:"audit-db-path" json:"audit-db-path"`

	// CooldownSnapshotPath persists cooldown state across restarts.
	// Empty disables persistence.
	CooldownSnapshotPath string `yaml:"cooldown-snapshot-path" json:"cooldown-snapshot-path"`

	// RulesFile points at a YAML file of custom diagnosis rules.
	RulesFile string `yaml:"rules-file" json:"rules-file"`

	// Supervisor tunes the assessment loop and thresholds.
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`

	// Telegram configures the operator notification channel.
	Telegram TelegramConfig `yaml:"telegram" json:"-"`
}

// SupervisorConfig holds the supervision loop settings. Durations are
// strings ("30s", "10m") so the YAML stays readable.
type SupervisorConfig struct {
	// AssessInterval is the time between background assessment ticks.
	// Default: "30s". Minimum: "1s".
	AssessInterval string `yaml:"assess-interval" json:"assess-interval"`

	// Cooldown is the minimum gap between interventions for one task.
	// Defaults to the assess interval.
	Cooldown string `yaml:"cooldown" json:"cooldown"`

	// PlanningPhraseThreshold diagnoses a planning loop when exceeded.
	// Default: 3.
	PlanningPhraseThreshold int `yaml:"planning-phrase-threshold" json:"planning-phrase-threshold"`

	// IdleThreshold diagnoses a stuck agent. Default: "10m". Minimum: "30s".
	IdleThreshold string `yaml:"idle-threshold" json:"idle-threshold"`

	// HighErrorThreshold errors within five minutes raise a high-error-rate
	// alert. Default: 10.
	HighErrorThreshold int `yaml:"high-error-threshold" json:"high-error-threshold"`

	// TransientErrorThreshold errors within thirty minutes raise a
	// transient-errors alert. Default: 3.
	TransientErrorThreshold int `yaml:"transient-error-threshold" json:"transient-error-threshold"`

	// MaxConcurrentAssess limits simultaneous per-task assessments.
	// Default: 4. Minimum: 1. Maximum: 50.
	MaxConcurrentAssess int `yaml:"max-concurrent-assess" json:"max-concurrent-assess"`
}

// TelegramConfig holds Bot API credentials for operator alerts.
type TelegramConfig struct {
	BotToken string `yaml:"bot-token" json:"-"`
	ChatID   string `yaml:"chat-id" json:"-"`
}

// LoadConfig reads and parses the YAML configuration file, applying
// defaults and sanitization.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize validates and normalizes the configuration, replacing invalid
// values with defaults.
func (cfg *Config) Sanitize() {
	if cfg == nil {
		return
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = 8317
	}
	if cfg.AuditDBPath == "" {
		cfg.AuditDBPath = "warden-audit.db"
	}

	sv := &cfg.Supervisor

	if sv.AssessInterval == "" {
		sv.AssessInterval = "30s"
	}
	if interval, err := time.ParseDuration(sv.AssessInterval); err != nil || interval < time.Second {
		sv.AssessInterval = "30s"
	}

	if sv.Cooldown == "" {
		sv.Cooldown = sv.AssessInterval
	}
	if cd, err := time.ParseDuration(sv.Cooldown); err != nil || cd < time.Second {
		sv.Cooldown = sv.AssessInterval
	}

	if sv.PlanningPhraseThreshold < 1 {
		sv.PlanningPhraseThreshold = 3
	}

	if sv.IdleThreshold == "" {
		sv.IdleThreshold = "10m"
	}
	if idle, err := time.ParseDuration(sv.IdleThreshold); err != nil || idle < 30*time.Second {
		sv.IdleThreshold = "10m"
	}

	if sv.HighErrorThreshold < 1 {
		sv.HighErrorThreshold = 10
	}
	if sv.TransientErrorThreshold < 1 {
		sv.TransientErrorThreshold = 3
	}

	if sv.MaxConcurrentAssess < 1 {
		sv.MaxConcurrentAssess = 4
	}
	if sv.MaxConcurrentAssess > 50 {
		sv.MaxConcurrentAssess = 50
	}
}

// GetAssessInterval returns the assessment interval as a time.Duration.
func (cfg *Config) GetAssessInterval() time.Duration {
	if cfg == nil {
		return 30 * time.Second
	}
	interval, err := time.ParseDuration(cfg.Supervisor.AssessInterval)
	if err != nil {
		return 30 * time.Second
	}
	return interval
}

// GetCooldown returns the intervention cooldown as a time.Duration.
func (cfg *Config) GetCooldown() time.Duration {
	if cfg == nil {
		return 30 * time.Second
	}
	cd, err := time.ParseDuration(cfg.Supervisor.Cooldown)
	if err != nil {
		return cfg.GetAssessInterval()
	}
	return cd
}

// GetIdleThreshold returns the idle threshold as a time.Duration.
func (cfg *Config) GetIdleThreshold() time.Duration {
	if cfg == nil {
		return 10 * time.Minute
	}
	idle, err := time.ParseDuration(cfg.Supervisor.IdleThreshold)
	if err != nil {
		return 10 * time.Minute
	}
	return idle
}
