package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, filepath.Join("data", "db", "babyguard.db"), cfg.Database.Path)
	assert.Equal(t, 10, cfg.Stream.MaxReadFails)
	assert.Equal(t, 3, cfg.Stream.MaxRestarts)
	assert.Equal(t, 0.1, cfg.Detection.ConfidenceFloor)
	assert.Equal(t, 5*time.Second, cfg.Detection.Cooldown)
	assert.Equal(t, 10*time.Second, cfg.Training.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Training.JobTTL)
	assert.Equal(t, 0.2, cfg.Training.ValSplitRatio)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
detection:
  cooldown: 2s
training:
  val_split_ratio: 0.3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Detection.Cooldown)
	assert.Equal(t, 0.3, cfg.Training.ValSplitRatio)
	// Untouched fields still fall back to defaults.
	assert.Equal(t, 500*time.Millisecond, cfg.Stream.RetryDelay)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9090\n")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("MINIO_BUCKET", "models-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "models-test", cfg.Remote.Bucket)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults valid", mutate: func(*Config) {}},
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "confidence above one", mutate: func(c *Config) { c.Detection.ConfidenceFloor = 1.5 }, wantErr: true},
		{name: "split ratio at bound", mutate: func(c *Config) { c.Training.ValSplitRatio = 1 }, wantErr: true},
		{name: "zero read fails", mutate: func(c *Config) { c.Stream.MaxReadFails = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
