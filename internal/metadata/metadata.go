package metadata

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"astoria/internal/faults"
)

// SchemaVersion tags every Metadata record.
const SchemaVersion = "1"

// Mode selects between practice and match behaviour.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeCompetition Mode = "competition"
)

// Field names.
const (
	FieldVersion            = "version"
	FieldAstoriaVersion     = "astoria_version"
	FieldGoVersion          = "go_version"
	FieldKernel             = "kernel"
	FieldArch               = "arch"
	FieldHostname           = "hostname"
	FieldArena              = "arena"
	FieldZone               = "zone"
	FieldMode               = "mode"
	FieldGameTimeout        = "game_timeout"
	FieldUsercodeEntrypoint = "usercode_entrypoint"
	FieldWifiSSID           = "wifi_ssid"
	FieldWifiPSK            = "wifi_psk"
	FieldWifiRegion         = "wifi_region"
	FieldWifiEnabled        = "wifi_enabled"
)

// Metadata is the merged view of every source. Values are replaced as a
// whole, never modified in place.
type Metadata struct {
	Version            string `json:"version" validate:"required"`
	AstoriaVersion     string `json:"astoria_version"`
	GoVersion          string `json:"go_version"`
	Kernel             string `json:"kernel"`
	Arch               string `json:"arch"`
	Hostname           string `json:"hostname"`
	Arena              string `json:"arena" validate:"required,max=32,printascii"`
	Zone               int    `json:"zone" validate:"gte=0,lte=255"`
	Mode               Mode   `json:"mode" validate:"oneof=development competition"`
	GameTimeout        *int   `json:"game_timeout" validate:"omitempty,gt=0"`
	UsercodeEntrypoint string `json:"usercode_entrypoint" validate:"omitempty,relpath"`
	WifiSSID           string `json:"wifi_ssid" validate:"omitempty,max=32"`
	WifiPSK            string `json:"wifi_psk" validate:"omitempty,min=8,max=63"`
	WifiRegion         string `json:"wifi_region" validate:"omitempty,len=2,uppercase"`
	WifiEnabled        bool   `json:"wifi_enabled"`
}

// Fields lists every known field name in a stable order.
var Fields = []string{
	FieldVersion, FieldAstoriaVersion, FieldGoVersion, FieldKernel, FieldArch,
	FieldHostname, FieldArena, FieldZone, FieldMode, FieldGameTimeout,
	FieldUsercodeEntrypoint, FieldWifiSSID, FieldWifiPSK, FieldWifiRegion,
	FieldWifiEnabled,
}

type setter func(md *Metadata, value string) error

var setters = map[string]setter{
	FieldVersion:        func(md *Metadata, v string) error { md.Version = v; return nil },
	FieldAstoriaVersion: func(md *Metadata, v string) error { md.AstoriaVersion = v; return nil },
	FieldGoVersion:      func(md *Metadata, v string) error { md.GoVersion = v; return nil },
	FieldKernel:         func(md *Metadata, v string) error { md.Kernel = v; return nil },
	FieldArch:           func(md *Metadata, v string) error { md.Arch = v; return nil },
	FieldHostname:       func(md *Metadata, v string) error { md.Hostname = v; return nil },
	FieldArena:          func(md *Metadata, v string) error { md.Arena = v; return nil },
	FieldZone: func(md *Metadata, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("zone must be an integer, got %q", v)
		}
		md.Zone = n
		return nil
	},
	FieldMode: func(md *Metadata, v string) error {
		mode, err := ParseMode(v)
		if err != nil {
			return err
		}
		md.Mode = mode
		return nil
	},
	FieldGameTimeout: func(md *Metadata, v string) error {
		if strings.TrimSpace(v) == "" {
			md.GameTimeout = nil
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("game_timeout must be an integer, got %q", v)
		}
		md.GameTimeout = &n
		return nil
	},
	FieldUsercodeEntrypoint: func(md *Metadata, v string) error { md.UsercodeEntrypoint = v; return nil },
	FieldWifiSSID:           func(md *Metadata, v string) error { md.WifiSSID = v; return nil },
	FieldWifiPSK:            func(md *Metadata, v string) error { md.WifiPSK = v; return nil },
	FieldWifiRegion:         func(md *Metadata, v string) error { md.WifiRegion = strings.ToUpper(v); return nil },
	FieldWifiEnabled: func(md *Metadata, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("wifi_enabled must be a boolean, got %q", v)
		}
		md.WifiEnabled = b
		return nil
	},
}

// ParseMode accepts the canonical mode names and the short forms dev and comp.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "development", "dev":
		return ModeDevelopment, nil
	case "competition", "comp":
		return ModeCompetition, nil
	default:
		return "", fmt.Errorf("mode must be development or competition, got %q", value)
	}
}

// Known reports whether name is a Metadata field.
func Known(name string) bool {
	_, ok := setters[name]
	return ok
}

// Build converts merged fields into a validated Metadata.
func Build(fields map[string]string) (Metadata, error) {
	var md Metadata
	for _, name := range Fields {
		value, ok := fields[name]
		if !ok {
			continue
		}
		if err := setters[name](&md, value); err != nil {
			return Metadata{}, faults.Wrap(faults.ErrValidation, "metadata", "build", name, err)
		}
	}
	for name := range fields {
		if !Known(name) {
			return Metadata{}, faults.Wrap(faults.ErrValidation, "metadata", "build", fmt.Sprintf("unknown field %q", name), nil)
		}
	}
	if err := Validate(md); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("relpath", func(fl validator.FieldLevel) bool {
			p := fl.Field().String()
			if filepath.IsAbs(p) {
				return false
			}
			clean := filepath.Clean(p)
			return clean != ".." && !strings.HasPrefix(clean, "../")
		})
	})
	return validate
}

// Validate checks md against the field rules.
func Validate(md Metadata) error {
	var problems []string
	if err := structValidator().Struct(md); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return faults.Wrap(faults.ErrValidation, "metadata", "validate", "", err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", jsonName(fe.StructField()), fe.Tag()))
		}
	}
	if md.WifiSSID != "" && md.WifiPSK == "" {
		problems = append(problems, "wifi_psk is required with wifi_ssid")
	}
	if len(problems) > 0 {
		return faults.Wrap(faults.ErrValidation, "metadata", "validate", strings.Join(problems, "; "), nil)
	}
	return nil
}

var structToJSON = map[string]string{
	"Version":            FieldVersion,
	"Arena":              FieldArena,
	"Zone":               FieldZone,
	"Mode":               FieldMode,
	"GameTimeout":        FieldGameTimeout,
	"UsercodeEntrypoint": FieldUsercodeEntrypoint,
	"WifiSSID":           FieldWifiSSID,
	"WifiPSK":            FieldWifiPSK,
	"WifiRegion":         FieldWifiRegion,
}

func jsonName(field string) string {
	if name, ok := structToJSON[field]; ok {
		return name
	}
	return field
}

// Snapshot is the retained state published by the metadata manager.
type Snapshot struct {
	Metadata Metadata `json:"metadata"`
	// UsercodeDisk is the uuid of the usercode volume Metadata was built
	// against. Empty when no usercode volume is inserted.
	UsercodeDisk string `json:"usercode_disk,omitempty"`
}
