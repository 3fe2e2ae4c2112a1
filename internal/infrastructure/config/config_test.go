package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4096, cfg.Memory.Pages)
	assert.Equal(t, 1024, cfg.Envs.Size)
	assert.Equal(t, 4, cfg.CPU.Count)
	assert.Equal(t, 10, cfg.CPU.QuantumMs)
	assert.Equal(t, "8600", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("KERNEL_PAGES", "512")
	t.Setenv("KERNEL_NENV", "64")
	t.Setenv("KERNEL_CPUS", "2")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("KERNEL_BOOT_MANIFEST", "/tmp/boot.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Memory.Pages)
	assert.Equal(t, 64, cfg.Envs.Size)
	assert.Equal(t, 2, cfg.CPU.Count)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/boot.yaml", cfg.Boot.Manifest)
}

func TestLoadDefaultsWhenUnset(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.Memory.Pages)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("KERNEL_PAGES", "not-a-number")
	cfg := LoadOrDefault()
	assert.Equal(t, 4096, cfg.Memory.Pages)
}
