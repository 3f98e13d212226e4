package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeMQTT()
	c.normalizeLogging()
	c.normalizeProcessManager()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.System.CacheDir, err = expandPath(c.System.CacheDir); err != nil {
		return fmt.Errorf("system.cache_dir: %w", err)
	}
	if c.System.LogDir, err = expandPath(c.System.LogDir); err != nil {
		return fmt.Errorf("system.log_dir: %w", err)
	}
	if c.System.LockDir, err = expandPath(c.System.LockDir); err != nil {
		return fmt.Errorf("system.lock_dir: %w", err)
	}
	if c.Astdiskd.MountRoot, err = expandPath(c.Astdiskd.MountRoot); err != nil {
		return fmt.Errorf("astdiskd.mount_root: %w", err)
	}
	ignored := make([]string, 0, len(c.Astdiskd.IgnoredMounts))
	for _, mount := range c.Astdiskd.IgnoredMounts {
		if strings.TrimSpace(mount) == "" {
			continue
		}
		ignored = append(ignored, filepath.Clean(strings.TrimSpace(mount)))
	}
	c.Astdiskd.IgnoredMounts = ignored
	if strings.TrimSpace(c.Astdiskd.MountTable) == "" {
		c.Astdiskd.MountTable = defaultMountTable
	}
	if strings.TrimSpace(c.Astdiskd.UUIDDir) == "" {
		c.Astdiskd.UUIDDir = defaultUUIDDir
	}
	return nil
}

func (c *Config) normalizeMQTT() {
	c.MQTT.Host = strings.TrimSpace(c.MQTT.Host)
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = defaultTopicPrefix
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeProcessManager() {
	c.Astprocd.DefaultUsercodeEntrypoint = strings.TrimSpace(c.Astprocd.DefaultUsercodeEntrypoint)
	interpreter := make([]string, 0, len(c.Astprocd.Interpreter))
	for _, arg := range c.Astprocd.Interpreter {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			interpreter = append(interpreter, trimmed)
		}
	}
	c.Astprocd.Interpreter = interpreter
	if c.Env == nil {
		c.Env = map[string]string{}
	}
}
