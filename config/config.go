// Package config loads watcher settings, discovers SSH hosts and opens the
// device inventory database.
//
// Settings come from an optional YAML file given with --config. Fields
// missing from the file keep their DefaultConfig values; command-line
// flags are applied on top by main.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the watcher configuration
type Config struct {
	// ADBPath is the adb executable on the remote host.
	ADBPath string `yaml:"adb_path"`

	// PollInterval is the delay between two captures of one emulator.
	PollInterval time.Duration `yaml:"poll_interval"`

	ListTimeout    time.Duration `yaml:"list_timeout"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`

	// QueueCapacity bounds the shared frame queue; the oldest frame is
	// dropped when it overflows.
	QueueCapacity int `yaml:"queue_capacity"`

	ListenAddr string `yaml:"listen_addr"`

	// DBPath is the sqlite inventory file. Empty disables the inventory.
	DBPath string `yaml:"db_path"`

	// LogDir receives one log file per run. Empty logs to stdout only.
	LogDir string `yaml:"log_dir"`

	// DefaultHost is connected at startup when set. "local" runs adb on
	// this machine instead of over SSH.
	DefaultHost string `yaml:"default_host"`

	// StreamAll starts streaming every emulator found at startup.
	StreamAll bool `yaml:"stream_all"`

	SSH SSHConfig `yaml:"ssh"`
}

// SSHConfig configures how sessions reach the emulator host.
type SSHConfig struct {
	// ConfigPath is the OpenSSH client config hosts are read from.
	// Default: ~/.ssh/config
	ConfigPath string `yaml:"config_path"`

	// KnownHostsPath is used to verify host keys.
	// Default: ~/.ssh/known_hosts
	KnownHostsPath string `yaml:"known_hosts_path"`

	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

// LocalHost is the host alias that bypasses SSH.
const LocalHost = "local"

func DefaultConfig() Config {
	return Config{
		ADBPath:        "adb",
		PollInterval:   time.Second,
		ListTimeout:    10 * time.Second,
		CaptureTimeout: 20 * time.Second,
		QueueCapacity:  256,
		ListenAddr:     ":8080",
		DBPath:         "./data/emulatorwatch.db",
		LogDir:         "log",
		SSH: SSHConfig{
			ConfigPath:     filepath.Join(homeDir(), ".ssh", "config"),
			KnownHostsPath: filepath.Join(homeDir(), ".ssh", "known_hosts"),
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// Load reads path over DefaultConfig. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the watcher cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ADBPath == "" {
		errs = append(errs, errors.New("adb_path is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.ListTimeout <= 0 {
		errs = append(errs, errors.New("list_timeout must be positive"))
	}
	if c.CaptureTimeout <= 0 {
		errs = append(errs, errors.New("capture_timeout must be positive"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue_capacity must be positive"))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.SSH.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ssh.connect_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
