package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestLoadConfigMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, DefaultConfig())
}

func TestLoadConfigEmptyPathKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.NilError(t, err)
	assert.Equal(t, cfg.HeartbeatInterval, 30*time.Second)
	assert.Equal(t, cfg.UpdateCheckInterval, 60*time.Second)
	assert.Equal(t, cfg.WifiConnectTimeout, 15*time.Second)
	assert.Equal(t, cfg.PortalTimeout, 5*time.Minute)
	assert.Equal(t, cfg.HealthHeapFloor, uint64(32*1024))
}

func TestLoadConfigOverlaysFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := []byte("server_base_url: https://fleet.example.com\nheartbeat_interval: 5s\nfirmware_version: 2.3.4\n")
	assert.NilError(t, os.WriteFile(path, body, 0o644))

	cfg, err := LoadConfig(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.ServerBaseURL, "https://fleet.example.com")
	assert.Equal(t, cfg.HeartbeatInterval, 5*time.Second)
	assert.Equal(t, cfg.FirmwareVersion, "2.3.4")
	// Keys absent from the file keep their defaults.
	assert.Equal(t, cfg.UpdateCheckInterval, 60*time.Second)
	assert.Equal(t, cfg.PortalListenAddr, ":8181")
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("server_base_url: [unclosed"), 0o644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"relative server url", func(c *Config) { c.ServerBaseURL = "fleet.example.com" }, "not an absolute URL"},
		{"empty firmware version", func(c *Config) { c.FirmwareVersion = "" }, "firmware_version must be set"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, "must be positive"},
		{"negative check interval", func(c *Config) { c.UpdateCheckInterval = -time.Second }, "must be positive"},
		{"zero portal timeout", func(c *Config) { c.PortalTimeout = 0 }, "must be positive"},
		{"zero slot size", func(c *Config) { c.SlotSizeBytes = 0 }, "must be positive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.errMsg)
		})
	}

	assert.NilError(t, DefaultConfig().Validate())
}
