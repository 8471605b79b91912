package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent tunables. Values left zero in the YAML file keep
// their defaults.
type Config struct {
	ServerBaseURL   string `yaml:"server_base_url"`
	FirmwareVersion string `yaml:"firmware_version"`
	DataDir         string `yaml:"data_dir"`

	// DeviceID overrides the stored identity when set. Matches the
	// factory-provisioning flow where IDs are assigned before first boot.
	DeviceID string `yaml:"device_id"`

	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	UpdateCheckInterval time.Duration `yaml:"update_check_interval"`
	IdlePollInterval    time.Duration `yaml:"idle_poll_interval"`

	WifiConnectTimeout time.Duration `yaml:"wifi_connect_timeout"`
	PortalTimeout      time.Duration `yaml:"portal_timeout"`
	PortalRetryDelay   time.Duration `yaml:"portal_retry_delay"`
	PortalListenAddr   string        `yaml:"portal_listen_addr"`
	APSSIDPrefix       string        `yaml:"ap_ssid_prefix"`

	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	ApplySettle     time.Duration `yaml:"apply_settle"`

	HealthHeapFloor uint64 `yaml:"health_heap_floor"`
	SlotSizeBytes   int64  `yaml:"slot_size_bytes"`
}

// DefaultConfig mirrors the compile-time constants of the device firmware:
// heartbeat every 30s, update check every 60s, 15s Wi-Fi connect timeout,
// 5 minute portal window, 32KiB heap floor.
func DefaultConfig() Config {
	return Config{
		ServerBaseURL:   "http://localhost:8080",
		FirmwareVersion: "1.0.0",
		DataDir:         "/var/lib/fleetd",

		HeartbeatInterval:   30 * time.Second,
		UpdateCheckInterval: 60 * time.Second,
		IdlePollInterval:    1 * time.Second,

		WifiConnectTimeout: 15 * time.Second,
		PortalTimeout:      5 * time.Minute,
		PortalRetryDelay:   10 * time.Second,
		PortalListenAddr:   ":8181",
		APSSIDPrefix:       "Fleet-Setup-",

		HTTPTimeout:     10 * time.Second,
		DownloadTimeout: 30 * time.Second,
		ApplySettle:     3 * time.Second,

		HealthHeapFloor: 32 * 1024,
		SlotSizeBytes:   4 * 1024 * 1024,
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing path is
// not an error; the defaults stand.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.ServerBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_base_url %q is not an absolute URL", c.ServerBaseURL)
	}
	if c.FirmwareVersion == "" {
		return fmt.Errorf("firmware_version must be set")
	}
	if c.HeartbeatInterval <= 0 || c.UpdateCheckInterval <= 0 {
		return fmt.Errorf("heartbeat and update check intervals must be positive")
	}
	if c.WifiConnectTimeout <= 0 || c.PortalTimeout <= 0 {
		return fmt.Errorf("wifi_connect_timeout and portal_timeout must be positive")
	}
	if c.SlotSizeBytes <= 0 {
		return fmt.Errorf("slot_size_bytes must be positive")
	}
	return nil
}
