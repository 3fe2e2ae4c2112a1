// Package config holds all kernel configuration, loaded from environment
// variables.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all kernel configuration.
type Config struct {
	Memory    MemoryConfig
	Envs      EnvTableConfig
	CPU       CPUConfig
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Boot      BootConfig
}

// MemoryConfig sizes the physical arena.
type MemoryConfig struct {
	Pages int `envconfig:"KERNEL_PAGES" default:"4096"`
}

// EnvTableConfig sizes the environment table; Size must be a power of two.
type EnvTableConfig struct {
	Size int `envconfig:"KERNEL_NENV" default:"1024"`
}

// CPUConfig holds processor and preemption configuration.
type CPUConfig struct {
	Count     int `envconfig:"KERNEL_CPUS" default:"4"`
	QuantumMs int `envconfig:"KERNEL_QUANTUM_MS" default:"10"`
}

// ServerConfig holds the debug HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8600"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds debug API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// BootConfig points at the boot-image manifest; empty boots no environments.
type BootConfig struct {
	Manifest string `envconfig:"KERNEL_BOOT_MANIFEST" default:""`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{Pages: 4096},
		Envs:   EnvTableConfig{Size: 1024},
		CPU:    CPUConfig{Count: 4, QuantumMs: 10},
		Server: ServerConfig{Port: "8600", Host: "0.0.0.0"},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
