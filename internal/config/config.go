package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"astoria/internal/faults"
)

//go:embed sample_config.toml
var sampleConfig string

// MQTT contains broker connection settings.
type MQTT struct {
	Host                   string `toml:"host"`
	Port                   int    `toml:"port"`
	EnableTLS              bool   `toml:"enable_tls"`
	TopicPrefix            string `toml:"topic_prefix"`
	ForceProtocolVersion31 bool   `toml:"force_protocol_version_3_1"`
	ConnectTimeoutSeconds  int    `toml:"connect_timeout_seconds"`
	KeepAliveSeconds       int    `toml:"keepalive_seconds"`
	PublishBuffer          int    `toml:"publish_buffer"`
}

// System contains settings shared by every manager.
type System struct {
	CacheDir         string   `toml:"cache_dir"`
	LogDir           string   `toml:"log_dir"`
	LockDir          string   `toml:"lock_dir"`
	InitialLogLines  []string `toml:"initial_log_lines"`
	RequestTimeoutMS int      `toml:"request_timeout_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Managers toggles which managers this machine runs.
type Managers struct {
	Astdiskd bool `toml:"astdiskd"`
	Astmetad bool `toml:"astmetad"`
	Astprocd bool `toml:"astprocd"`
}

// DiskManager contains settings specific to astdiskd.
type DiskManager struct {
	MountRoot             string   `toml:"mount_root"`
	IgnoredMounts         []string `toml:"ignored_mounts"`
	RescanIntervalSeconds int      `toml:"rescan_interval_seconds"`
	Udev                  bool     `toml:"udev"`
	MountTable            string   `toml:"mount_table"`
	UUIDDir               string   `toml:"uuid_dir"`
}

// ProcessManager contains settings specific to astprocd.
type ProcessManager struct {
	DefaultUsercodeEntrypoint string   `toml:"default_usercode_entrypoint"`
	Interpreter               []string `toml:"interpreter"`
	KillGraceSeconds          int      `toml:"kill_grace_seconds"`
	LogTailLines              int      `toml:"log_tail_lines"`
}

// MetadataManager contains the fallback values used before any override
// source is loaded.
type MetadataManager struct {
	Arena       string `toml:"arena"`
	Zone        int    `toml:"zone"`
	GameTimeout int    `toml:"game_timeout"`
	WifiRegion  string `toml:"wifi_region"`
}

// Metrics controls the optional Prometheus listener.
type Metrics struct {
	Bind string `toml:"bind"`
}

// Config encapsulates all configuration values for astoria.
//
// Configuration sections by subsystem:
//   - MQTT: broker address, TLS, topic prefix, offline publish buffer
//   - System: cache, log and lock directories plus RPC timeout
//   - Logging: log format and level
//   - Managers: per-manager enable flags
//   - Astdiskd / Astprocd / Astmetad: manager specific knobs
//   - Metrics: Prometheus listener
//   - Env: extra environment handed to user code
type Config struct {
	MQTT     MQTT              `toml:"mqtt"`
	System   System            `toml:"system"`
	Logging  Logging           `toml:"logging"`
	Managers Managers          `toml:"managers"`
	Astdiskd DiskManager       `toml:"astdiskd"`
	Astprocd ProcessManager    `toml:"astprocd"`
	Astmetad MetadataManager   `toml:"astmetad"`
	Metrics  Metrics           `toml:"metrics"`
	Env      map[string]string `toml:"env"`
}

var searchPaths = []string{"astoria.toml", "/etc/astoria.toml"}

// Load locates, parses, and validates a configuration file. Any failure is
// tagged faults.ErrConfiguration. The returned config has all path fields
// expanded and normalized.
func Load(path string) (*Config, string, error) {
	cfg := Default()

	resolvedPath, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", faults.Wrap(faults.ErrConfiguration, "config", "locate", "", err)
	}

	file, err := os.Open(resolvedPath)
	if err != nil {
		return nil, "", faults.Wrap(faults.ErrConfiguration, "config", "open", resolvedPath, err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, "", faults.Wrap(faults.ErrConfiguration, "config", "parse", resolvedPath, err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", faults.Wrap(faults.ErrConfiguration, "config", "normalize", "", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", faults.Wrap(faults.ErrConfiguration, "config", "validate", "", err)
	}

	return &cfg, resolvedPath, nil
}

// Parse decodes configuration from an in-memory TOML document. It applies the
// same normalization and validation as Load.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := toml.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "config", "parse", "", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "config", "normalize", "", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "config", "validate", "", err)
	}
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if strings.TrimSpace(path) != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			return "", fmt.Errorf("stat config: %w", err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("config path %q is a directory", expanded)
		}
		return expanded, nil
	}

	for _, candidate := range searchPaths {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err == nil && !info.IsDir() {
			return abs, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat config: %w", err)
		}
	}
	return "", fmt.Errorf("unable to find config file (searched %s)", strings.Join(searchPaths, ", "))
}

// EnsureDirectories creates the cache, log and lock directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.System.CacheDir, c.System.LogDir, c.System.LockDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// BrokerAddress returns the broker URL understood by the MQTT client.
func (c *Config) BrokerAddress() string {
	scheme := "tcp"
	if c.MQTT.EnableTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTT.Host, c.MQTT.Port)
}

// RequestTimeout returns the default RPC timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.System.RequestTimeoutMS) * time.Millisecond
}

// KillGrace returns how long user code is given to exit after SIGTERM.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Astprocd.KillGraceSeconds) * time.Second
}

// RescanInterval returns the periodic mount table rescan interval.
func (c *Config) RescanInterval() time.Duration {
	return time.Duration(c.Astdiskd.RescanIntervalSeconds) * time.Second
}

// Enabled reports whether the named manager is enabled on this machine.
func (c *Config) Enabled(manager string) bool {
	switch manager {
	case "astdiskd":
		return c.Managers.Astdiskd
	case "astmetad":
		return c.Managers.Astmetad
	case "astprocd":
		return c.Managers.Astprocd
	default:
		return false
	}
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Sample returns the embedded sample configuration.
func Sample() string {
	return sampleConfig
}
