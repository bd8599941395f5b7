package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Fleet.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Fleet.DispatchInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesPrinterDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
fleet:
  printers:
    - id: p1
      host: 10.0.0.5
      serial: SN1
      access_code: "1234"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.Fleet.Printers, 1)
	p := cfg.Fleet.Printers[0]
	assert.Equal(t, "p1", p.Name, "name defaults to id")
	assert.Equal(t, "rtsps", p.Camera.Protocol)
	assert.Equal(t, 322, p.Camera.Port)
	assert.Equal(t, "/streaming/live/1", p.Camera.Path)
	assert.Equal(t, "bblp", p.Camera.User)
	assert.True(t, p.Camera.IsEnabled(), "camera enabled unless set false")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEETD_PORT", "7000")
	t.Setenv("FLEETD_JOBS_DIR", "/var/lib/fleetd/jobs")
	t.Setenv("FLEETD_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/fleetd/jobs", cfg.Storage.JobsDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server port",
		},
		{
			name:    "missing jobs dir",
			mutate:  func(c *Config) { c.Storage.JobsDir = "" },
			wantErr: "jobs_dir",
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.Fleet.PollInterval = 0 },
			wantErr: "poll_interval",
		},
		{
			name: "printer without id",
			mutate: func(c *Config) {
				c.Fleet.Printers = []PrinterConfig{{Host: "h", Serial: "s", AccessCode: "a"}}
			},
			wantErr: "printer id",
		},
		{
			name: "duplicate printer id",
			mutate: func(c *Config) {
				c.Fleet.Printers = []PrinterConfig{
					{ID: "p1", Host: "h", Serial: "s", AccessCode: "a"},
					{ID: "p1", Host: "h2", Serial: "s2", AccessCode: "a2"},
				}
			},
			wantErr: "duplicate printer id",
		},
		{
			name: "printer without access code",
			mutate: func(c *Config) {
				c.Fleet.Printers = []PrinterConfig{{ID: "p1", Host: "h", Serial: "s"}}
			},
			wantErr: "access_code",
		},
		{
			name:    "archive enabled with bad days",
			mutate:  func(c *Config) { c.Archive.Enabled = true; c.Archive.Days = 0 },
			wantErr: "archive days",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
