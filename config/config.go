// Package config provides configuration management for the VPN SSO client.
// It handles application settings and the list of authentication services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-sso/common"
)

// HealthCheckConfig controls probing of an established tunnel.
type HealthCheckConfig struct {
	// Enabled turns the health monitor on.
	Enabled bool `yaml:"enabled"`
	// Interval is how often the tunnel is probed.
	Interval time.Duration `yaml:"interval"`
	// FailureThreshold is how many consecutive failures mark the tunnel unhealthy.
	FailureThreshold int `yaml:"failure_threshold"`
	// Hosts are host:port pairs dialed through the tunnel.
	Hosts []string `yaml:"hosts,omitempty"`
}

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// OpenVPNPath overrides binary discovery; it is probed before the
	// platform locations.
	OpenVPNPath string `yaml:"openvpn_path,omitempty"`
	// ServicesFile is the JSON (or YAML) file listing authentication services.
	ServicesFile string `yaml:"services_file,omitempty"`
	// ProfilesDir holds the OpenVPN profiles referenced by services.
	ProfilesDir string `yaml:"profiles_dir,omitempty"`
	// PrivilegeHelper, when set (e.g. "pkexec"), prefixes the OpenVPN command.
	PrivilegeHelper string `yaml:"privilege_helper,omitempty"`
	// DiscoveryTimeout bounds the well-known document fetch.
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	// AuthTimeout bounds how long the authorization session may stay open.
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	// ConnectTimeout bounds the time from spawn to an initialized tunnel.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// OpenBrowser opens the system browser for loopback redirects.
	OpenBrowser bool `yaml:"open_browser"`
	// ShowNotifications enables desktop notifications for connection events.
	ShowNotifications bool `yaml:"show_notifications"`
	// RecordHistory stores every connection attempt in the history database.
	RecordHistory bool `yaml:"record_history"`
	// HealthCheck configures the tunnel health monitor.
	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DiscoveryTimeout:  common.DiscoveryTimeout,
		AuthTimeout:       common.AuthTimeout,
		ConnectTimeout:    common.ConnectionTimeout,
		OpenBrowser:       true,
		ShowNotifications: true,
		RecordHistory:     true,
		HealthCheck: HealthCheckConfig{
			Enabled:          false,
			Interval:         common.HealthCheckInterval,
			FailureThreshold: 3,
			Hosts: []string{
				"1.1.1.1:53",
				"8.8.8.8:53",
			},
		},
	}
}

// Load loads the configuration from path, or from the default location
// when path is empty. A missing file is created with default values.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.applyDefaults(); err != nil {
			return cfg, err
		}
		if err := cfg.Save(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %v", common.ErrConfigLoad, path, err)
	}

	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyDefaults fills paths that depend on the user's home directory.
func (c *Config) applyDefaults() error {
	if c.ServicesFile != "" && c.ProfilesDir != "" {
		return nil
	}
	dir, err := common.GetConfigDir()
	if err != nil {
		return err
	}
	if c.ServicesFile == "" {
		c.ServicesFile = filepath.Join(dir, common.ServicesFileName)
	}
	if c.ProfilesDir == "" {
		c.ProfilesDir = filepath.Join(dir, common.ProfilesDirName)
	}
	return nil
}

// validate verifies that configuration values are usable, falling back to
// defaults for non-positive durations.
func (c *Config) validate() error {
	def := DefaultConfig()
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = def.DiscoveryTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HealthCheck.Interval <= 0 {
		c.HealthCheck.Interval = def.HealthCheck.Interval
	}
	if c.HealthCheck.FailureThreshold <= 0 {
		c.HealthCheck.FailureThreshold = def.HealthCheck.FailureThreshold
	}
	if c.HealthCheck.Enabled && len(c.HealthCheck.Hosts) == 0 {
		return fmt.Errorf("health_check.hosts must not be empty when health checks are enabled")
	}
	return nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

// DefaultPath returns the default location of the configuration file.
func DefaultPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
