package metadata

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"astoria/internal/faults"
)

// File names looked up on volumes.
const (
	RobotSettingsFile = "robot-settings.toml"
	OverrideFile      = "astoria.json"
)

// SSIDPrefix is prepended to the team code to form the hotspot SSID.
const SSIDPrefix = "robot-"

const maxSSIDLength = 32

var teamPattern = regexp.MustCompile(`(?i)^[A-Z]{3}\d*$`)

// RobotSettings is the schema of robot-settings.toml on a usercode volume.
type RobotSettings struct {
	TeamTLA            string `toml:"team_tla"`
	UsercodeEntrypoint string `toml:"usercode_entrypoint"`
	WifiPSK            string `toml:"wifi_psk"`
	WifiRegion         string `toml:"wifi_region"`
	WifiEnabled        *bool  `toml:"wifi_enabled"`
}

func (s *RobotSettings) normalize() error {
	tla := strings.TrimSpace(s.TeamTLA)
	if !teamPattern.MatchString(tla) {
		return fmt.Errorf("team_tla %q must be three letters optionally followed by digits", s.TeamTLA)
	}
	if len(SSIDPrefix)+len(tla) > maxSSIDLength {
		return fmt.Errorf("SSID %s%s is longer than %d octets", SSIDPrefix, tla, maxSSIDLength)
	}
	s.TeamTLA = strings.ToUpper(tla)
	if strings.TrimSpace(s.UsercodeEntrypoint) == "" {
		return errors.New("usercode_entrypoint is required")
	}
	if s.WifiPSK == "" {
		return errors.New("wifi_psk is required")
	}
	if s.WifiRegion == "" {
		s.WifiRegion = "GB"
	}
	if s.WifiEnabled == nil {
		enabled := true
		s.WifiEnabled = &enabled
	}
	return nil
}

// Fields converts the settings into source fields.
func (s RobotSettings) Fields() map[string]string {
	enabled := true
	if s.WifiEnabled != nil {
		enabled = *s.WifiEnabled
	}
	return map[string]string{
		FieldWifiSSID:           SSIDPrefix + s.TeamTLA,
		FieldWifiPSK:            s.WifiPSK,
		FieldWifiRegion:         s.WifiRegion,
		FieldWifiEnabled:        strconv.FormatBool(enabled),
		FieldUsercodeEntrypoint: s.UsercodeEntrypoint,
	}
}

// LoadRobotSettings parses a robot-settings.toml file. Unknown keys are
// rejected.
func LoadRobotSettings(path string) (RobotSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RobotSettings{}, err
	}
	var settings RobotSettings
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&settings); err != nil {
		return RobotSettings{}, faults.Wrap(faults.ErrValidation, "metadata", "robot settings", path, err)
	}
	if err := settings.normalize(); err != nil {
		return RobotSettings{}, faults.Wrap(faults.ErrValidation, "metadata", "robot settings", path, err)
	}
	return settings, nil
}

// DefaultRobotSettings generates settings with a random team code and
// passphrase.
func DefaultRobotSettings(entrypoint string) (RobotSettings, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return RobotSettings{}, err
	}
	words := make([]string, 3)
	for i := range words {
		buf := make([]byte, 2)
		if _, err := rand.Read(buf); err != nil {
			return RobotSettings{}, err
		}
		words[i] = hex.EncodeToString(buf)
	}
	enabled := true
	return RobotSettings{
		TeamTLA:            fmt.Sprintf("ZZZ%d", n.Int64()),
		UsercodeEntrypoint: entrypoint,
		WifiPSK:            strings.Join(words, "-"),
		WifiRegion:         "GB",
		WifiEnabled:        &enabled,
	}, nil
}

// EnsureRobotSettings loads robot-settings.toml from dir. A missing file is
// replaced by generated defaults written back to the volume; a malformed file
// is an error and is left untouched.
func EnsureRobotSettings(dir, defaultEntrypoint string) (RobotSettings, bool, error) {
	path := filepath.Join(dir, RobotSettingsFile)
	settings, err := LoadRobotSettings(path)
	if err == nil {
		return settings, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return RobotSettings{}, false, err
	}
	settings, err = DefaultRobotSettings(defaultEntrypoint)
	if err != nil {
		return RobotSettings{}, false, err
	}
	data, err := toml.Marshal(settings)
	if err != nil {
		return RobotSettings{}, false, err
	}
	// Read-only volumes still get usable settings for this session.
	_ = os.WriteFile(path, data, 0o644)
	return settings, true, nil
}

// LoadOverrides parses astoria.json from a metadata volume into source fields.
// Values must be strings, numbers, booleans or null; null clears nothing and
// is dropped.
func LoadOverrides(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "metadata", "overrides", path, err)
	}
	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = v.String()
		case bool:
			fields[key] = strconv.FormatBool(v)
		default:
			return nil, faults.Wrap(faults.ErrValidation, "metadata", "overrides", fmt.Sprintf("%s: field %q must be a scalar", path, key), nil)
		}
	}
	return fields, nil
}
