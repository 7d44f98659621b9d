package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Validate(Default()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap not below size", func(c *Config) { c.Pipeline.SegmentOverlap = c.Pipeline.SegmentSize }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "eliza" }},
		{"unknown zero card policy", func(c *Config) { c.Pipeline.ZeroCardPolicy = "maybe" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = StorageS3 }},
		{"zero attempts", func(c *Config) { c.Gateway.MaxAttempts = 0 }},
		{"max delay below base", func(c *Config) { c.Gateway.MaxDelay = time.Millisecond }},
		{"soft margin above timeout", func(c *Config) { c.Worker.SoftMargin = 3 * time.Hour }},
		{"nats without subject", func(c *Config) { c.NATS.URL = "nats://localhost:4222"; c.NATS.Subject = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compendium.yaml")
	yamlData := `
llm:
  provider: openai
  model: gpt-4o-mini
pipeline:
  segment_size: 800
  segment_overlap: 120
  extract_concurrency: 2
  synthesis_concurrency: 2
  zero_card_policy: fail
gateway:
  call_timeout: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o644))

	t.Chdir(dir)
	t.Setenv("COMPENDIUM_CONFIG", path)
	t.Setenv("COMPENDIUM_LLM_MODEL", "gpt-4.1")
	t.Setenv("COMPENDIUM_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "gpt-4.1", cfg.LLM.Model, "env overrides file")
	assert.Equal(t, 800, cfg.Pipeline.SegmentSize)
	assert.Equal(t, ZeroCardsFail, cfg.Pipeline.ZeroCardPolicy)
	assert.Equal(t, 45*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 4, cfg.Gateway.MaxAttempts, "unset values keep defaults")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var human, machine bytes.Buffer
	logger := SetupLoggerWithWriters(&human, &machine, slog.LevelInfo)

	logger.Info("job completed", "job_id", "abc")
	logger.Debug("hidden")

	assert.Contains(t, human.String(), "job_id=abc")
	assert.True(t, strings.HasPrefix(machine.String(), "{"), "machine output is JSON")
	assert.Contains(t, machine.String(), `"job_id":"abc"`)
	assert.NotContains(t, human.String(), "hidden")
}
