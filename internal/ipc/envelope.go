package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"astoria/internal/faults"
)

// SchemaVersion is embedded in every payload published on the bus.
const SchemaVersion = "1.0"

// AstoriaVersion identifies the build; overridden with -ldflags -X.
var AstoriaVersion = "0.1.0-dev"

// ErrUnsupportedVersion marks payloads whose major schema version is unknown.
var ErrUnsupportedVersion = faults.Wrap(faults.ErrValidation, "ipc", "decode", "unsupported schema version", nil)

// Manager run states carried in state envelopes.
const (
	StatusRunning = "RUNNING"
	StatusStopped = "STOPPED"
)

// Retained values of a manager's status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

type header struct {
	Version string `json:"version"`
}

// StatusMessage is the retained payload on a manager's status topic. It is
// also registered as the will, so it must be fixed at connect time.
type StatusMessage struct {
	Version string `json:"version"`
	Manager string `json:"manager"`
	Status  string `json:"status"`
}

// Online reports whether the message announces an online manager.
func (m StatusMessage) Online() bool { return m.Status == StatusOnline }

// StateEnvelope wraps a manager's retained state.
type StateEnvelope struct {
	Version        string          `json:"version"`
	Manager        string          `json:"manager"`
	Status         string          `json:"status"`
	AstoriaVersion string          `json:"astoria_version"`
	State          json.RawMessage `json:"state,omitempty"`
}

// DecodeState unmarshals the wrapped state into v.
func (e StateEnvelope) DecodeState(v any) error {
	if len(e.State) == 0 {
		return faults.Wrap(faults.ErrValidation, "ipc", "decode state", "empty state", nil)
	}
	return decodeStrict(e.State, v)
}

// RequestEnvelope is published on a manager's request topic.
type RequestEnvelope struct {
	Version    string          `json:"version"`
	RequestID  string          `json:"request_id"`
	SenderName string          `json:"sender_name"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the request arguments into v, rejecting unknown
// fields.
func (r RequestEnvelope) DecodePayload(v any) error {
	if len(r.Payload) == 0 || bytes.Equal(r.Payload, []byte("null")) {
		return nil
	}
	return decodeStrict(r.Payload, v)
}

// ResponseEnvelope answers exactly one RequestEnvelope.
type ResponseEnvelope struct {
	Version   string `json:"version"`
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
}

// Err converts a failed response into an error.
func (r ResponseEnvelope) Err() error {
	if r.Success {
		return nil
	}
	reason := r.Reason
	if reason == "" {
		reason = "request failed"
	}
	return fmt.Errorf("request %s rejected: %s", r.RequestID, reason)
}

// Encode marshals v. Callers embed SchemaVersion themselves.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "ipc", "encode", "", err)
	}
	return data, nil
}

// Decode checks the schema version of data and unmarshals it into v.
func Decode(data []byte, v any) error {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return faults.Wrap(faults.ErrValidation, "ipc", "decode", "malformed payload", err)
	}
	if err := CheckVersion(h.Version); err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return faults.Wrap(faults.ErrValidation, "ipc", "decode", "malformed payload", err)
	}
	return nil
}

// CheckVersion accepts any version whose major component matches
// SchemaVersion.
func CheckVersion(version string) error {
	if major(version) != major(SchemaVersion) {
		return fmt.Errorf("%w: got %q, want %s.x", ErrUnsupportedVersion, version, major(SchemaVersion))
	}
	return nil
}

func major(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		return ""
	}
	head, _, _ := strings.Cut(version, ".")
	return head
}

func decodeStrict(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return faults.Wrap(faults.ErrValidation, "ipc", "decode", "invalid payload", err)
	}
	return nil
}

// NewStatusMessage builds the status payload for manager.
func NewStatusMessage(manager string, online bool) []byte {
	status := StatusOffline
	if online {
		status = StatusOnline
	}
	data, _ := json.Marshal(StatusMessage{Version: SchemaVersion, Manager: manager, Status: status})
	return data
}
