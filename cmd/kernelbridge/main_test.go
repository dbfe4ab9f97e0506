package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	cfg, _, err := parseFlags([]string{
		"--log-format=text", "--debug", "--port=6000", "--shutdown-timeout=3s", "-c", "bridge.yaml",
	})
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 6000, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "bridge.yaml", cfg.ConfigPath)
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("KERNELBRIDGE_LOG_LEVEL", "warn")
	t.Setenv("KERNELBRIDGE_PORT", "7000")

	cfg, _, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7000, cfg.Port)
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json"}
	}
	require.NoError(t, validateFlags(valid()))

	c := valid()
	c.LogLevel = "verbose"
	assert.Error(t, validateFlags(c))

	c = valid()
	c.LogFormat = "xml"
	assert.Error(t, validateFlags(c))

	c = valid()
	c.Port = 70000
	assert.Error(t, validateFlags(c))

	c = valid()
	c.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, validateFlags(c))

	c = valid()
	c.ShowVersion = true
	c.LogLevel = "bogus"
	assert.NoError(t, validateFlags(c))
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 5999\nshutdown_timeout: 2s\n"), 0o600))

	cfg, err := loadConfig(&CLIConfig{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, 5999, cfg.HTTP.Port)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)

	cfg, err = loadConfig(&CLIConfig{ConfigPath: path, Port: 6001, ShutdownTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.HTTP.Port)
	assert.Equal(t, time.Second, cfg.ShutdownTimeout)
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := loadConfig(&CLIConfig{})
	require.NoError(t, err)
	assert.Equal(t, 5010, cfg.HTTP.Port)
	assert.Equal(t, "/solidui/kernel", cfg.HTTP.BasePath)
}

func TestSetupLogger_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kernel.log")
	logger, closeLog, err := setupLogger("info", "json", path)
	require.NoError(t, err)

	logger.Info("hello from the bridge")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the bridge")
	assert.Contains(t, string(data), `"service":"kernelbridge"`)
}

func TestRun_Version(t *testing.T) {
	assert.NoError(t, run([]string{"--version"}))
}

func TestRun_ValidateOnly(t *testing.T) {
	assert.NoError(t, run([]string{"--validate", "--log-file=" + filepath.Join(t.TempDir(), "k.log")}))
}

func TestRun_InvalidFlag(t *testing.T) {
	assert.Error(t, run([]string{"--log-level=loud"}))
}
