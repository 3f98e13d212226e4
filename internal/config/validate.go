package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateMQTT(); err != nil {
		return err
	}
	if err := c.validateSystem(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateDiskManager(); err != nil {
		return err
	}
	if err := c.validateProcessManager(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateMQTT() error {
	if c.MQTT.Host == "" {
		return errors.New("mqtt.host must be set")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be between 1 and 65535, got %d", c.MQTT.Port)
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return errors.New("mqtt.topic_prefix must not contain wildcards")
	}
	return ensurePositiveMap(map[string]int{
		"mqtt.connect_timeout_seconds": c.MQTT.ConnectTimeoutSeconds,
		"mqtt.keepalive_seconds":       c.MQTT.KeepAliveSeconds,
		"mqtt.publish_buffer":          c.MQTT.PublishBuffer,
	})
}

func (c *Config) validateSystem() error {
	if strings.TrimSpace(c.System.CacheDir) == "" {
		return errors.New("system.cache_dir must be set")
	}
	if c.System.RequestTimeoutMS <= 0 {
		return errors.New("system.request_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json", "auto":
	default:
		return fmt.Errorf("logging.format must be console, json or auto, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateDiskManager() error {
	if c.Astdiskd.RescanIntervalSeconds <= 0 {
		return errors.New("astdiskd.rescan_interval_seconds must be positive")
	}
	return nil
}

func (c *Config) validateProcessManager() error {
	entry := c.Astprocd.DefaultUsercodeEntrypoint
	if entry == "" {
		return errors.New("astprocd.default_usercode_entrypoint must be set")
	}
	if filepath.IsAbs(entry) || strings.HasPrefix(filepath.Clean(entry), "..") {
		return fmt.Errorf("astprocd.default_usercode_entrypoint must be relative to the code volume, got %q", entry)
	}
	if c.Astprocd.KillGraceSeconds <= 0 {
		return errors.New("astprocd.kill_grace_seconds must be positive")
	}
	if c.Astprocd.LogTailLines < 0 {
		return errors.New("astprocd.log_tail_lines must not be negative")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
