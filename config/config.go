// Package config loads and persists the coordinator's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"capsync/timesync"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "capsync"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CAPSYNC_DATA_DIR"
	// DefaultServerPort is the TCP port capture nodes connect to.
	DefaultServerPort = 8889
	// DefaultDiscoveryPort is published in the coordinator's mDNS TXT record.
	DefaultDiscoveryPort = 8888
	// DefaultMetricsAddr serves /metrics.
	DefaultMetricsAddr = ":9464"
	// configFileName is the persisted configuration file.
	configFileName = "coordinator.yaml"
)

// Config is the complete coordinator configuration.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Network     NetworkConfig     `yaml:"network"`
	Commands    CommandConfig     `yaml:"commands"`
	Sync        SyncConfig        `yaml:"sync"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	LogLevel    string            `yaml:"log_level"`
}

type CoordinatorConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type NetworkConfig struct {
	ServerPort    int    `yaml:"server_port"`
	WebSocketAddr string `yaml:"websocket_addr"`
	DiscoveryPort int    `yaml:"discovery_port"`
	// DisableDiscovery turns off mDNS advertisement and browsing.
	DisableDiscovery  bool          `yaml:"disable_discovery"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

type CommandConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	PrepareTimeout time.Duration `yaml:"prepare_timeout"`
}

type SyncConfig struct {
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	Window          int           `yaml:"window"`
	OutlierFactor   float64       `yaml:"outlier_factor"`
	MissedThreshold int           `yaml:"missed_threshold"`
	OffsetPolicy    string        `yaml:"offset_policy"`
}

type CalibrationConfig struct {
	// MaxOffsetSpread is the average sync error a calibration must stay under.
	MaxOffsetSpread time.Duration `yaml:"max_offset_spread"`
	QuickRounds     int           `yaml:"quick_rounds"`
	QuickInterval   time.Duration `yaml:"quick_interval"`
	Duration        time.Duration `yaml:"duration"`
}

type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	// NATSURL enables event fan-out when set.
	NATSURL string `yaml:"nats_url"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CAPSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to coordinator.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save marshals and writes the configuration to disk.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// both. A file missing an identity gets one assigned and persisted.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = Default()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if assignIdentity(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Default returns a fully populated configuration with a fresh identity.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	assignIdentity(cfg)
	return cfg
}

func assignIdentity(cfg *Config) bool {
	updated := false
	if cfg.Coordinator.ID == "" {
		cfg.Coordinator.ID = uuid.NewString()
		updated = true
	}
	if cfg.Coordinator.Name == "" {
		name := "capsync coordinator"
		if host, err := os.Hostname(); err == nil && host != "" {
			name = host
		}
		cfg.Coordinator.Name = name
		updated = true
	}
	return updated
}

func (c *Config) applyDefaults() {
	if c.Network.ServerPort == 0 {
		c.Network.ServerPort = DefaultServerPort
	}
	if c.Network.DiscoveryPort == 0 {
		c.Network.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.Network.HeartbeatInterval == 0 {
		c.Network.HeartbeatInterval = 5 * time.Second
	}
	if c.Network.HeartbeatMisses == 0 {
		c.Network.HeartbeatMisses = 3
	}
	if c.Network.ConnectionTimeout == 0 {
		c.Network.ConnectionTimeout = 10 * time.Second
	}
	if c.Commands.Timeout == 0 {
		c.Commands.Timeout = 5 * time.Second
	}
	if c.Commands.MaxRetries == 0 {
		c.Commands.MaxRetries = 3
	}
	if c.Commands.PrepareTimeout == 0 {
		c.Commands.PrepareTimeout = 10 * time.Second
	}
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = timesync.DefaultProbeInterval
	}
	if c.Sync.ProbeTimeout == 0 {
		c.Sync.ProbeTimeout = timesync.DefaultProbeTimeout
	}
	if c.Sync.Window == 0 {
		c.Sync.Window = timesync.DefaultWindow
	}
	if c.Sync.OutlierFactor == 0 {
		c.Sync.OutlierFactor = timesync.DefaultOutlierFactor
	}
	if c.Sync.MissedThreshold == 0 {
		c.Sync.MissedThreshold = timesync.DefaultMissedThreshold
	}
	if c.Sync.OffsetPolicy == "" {
		c.Sync.OffsetPolicy = timesync.PolicyMedian
	}
	if c.Calibration.MaxOffsetSpread == 0 {
		c.Calibration.MaxOffsetSpread = 50 * time.Millisecond
	}
	if c.Calibration.QuickRounds == 0 {
		c.Calibration.QuickRounds = 5
	}
	if c.Calibration.QuickInterval == 0 {
		c.Calibration.QuickInterval = 200 * time.Millisecond
	}
	if c.Calibration.Duration == 0 {
		c.Calibration.Duration = 10 * time.Second
	}
	if c.Telemetry.MetricsAddr == "" {
		c.Telemetry.MetricsAddr = DefaultMetricsAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	if c.Network.ServerPort < 0 || c.Network.ServerPort > 65535 {
		return fmt.Errorf("network.server_port %d out of range", c.Network.ServerPort)
	}
	if c.Network.DiscoveryPort < 0 || c.Network.DiscoveryPort > 65535 {
		return fmt.Errorf("network.discovery_port %d out of range", c.Network.DiscoveryPort)
	}
	for name, d := range map[string]time.Duration{
		"network.heartbeat_interval":    c.Network.HeartbeatInterval,
		"network.connection_timeout":    c.Network.ConnectionTimeout,
		"commands.timeout":              c.Commands.Timeout,
		"commands.prepare_timeout":      c.Commands.PrepareTimeout,
		"sync.probe_interval":           c.Sync.ProbeInterval,
		"sync.probe_timeout":            c.Sync.ProbeTimeout,
		"calibration.max_offset_spread": c.Calibration.MaxOffsetSpread,
		"calibration.quick_interval":    c.Calibration.QuickInterval,
		"calibration.duration":          c.Calibration.Duration,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Network.HeartbeatMisses < 0 || c.Commands.MaxRetries < 0 || c.Sync.MissedThreshold < 0 {
		return errors.New("counts must not be negative")
	}
	if c.Sync.Window < 0 || c.Calibration.QuickRounds < 0 {
		return errors.New("sync.window and calibration.quick_rounds must not be negative")
	}
	if c.Sync.OutlierFactor < 1 {
		return fmt.Errorf("sync.outlier_factor %.2f must be at least 1", c.Sync.OutlierFactor)
	}
	if _, err := c.OffsetPolicy(); err != nil {
		return err
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// OffsetPolicy resolves the configured offset filter.
func (c *Config) OffsetPolicy() (timesync.Policy, error) {
	policy, err := timesync.ParsePolicy(c.Sync.OffsetPolicy)
	if err != nil {
		return nil, fmt.Errorf("sync.offset_policy: %w", err)
	}
	return policy, nil
}

// SlogLevel maps log_level onto a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
