package manager

import (
	"context"
	"encoding/json"
)

// Phase is a manager lifecycle phase.
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseWaiting  Phase = "waiting_for_dependencies"
	PhaseOnline   Phase = "online"
	PhaseOffline  Phase = "offline"
)

// Implementation supplies a manager's behaviour to the Runtime. Apart from
// Name and Dependencies, methods are called on the event loop.
type Implementation interface {
	Name() string
	// Dependencies names the managers that must be online first.
	Dependencies() []string
	// Init registers request handlers and subscriptions. It runs before the
	// bus session is established.
	Init(rt *Runtime) error
	// Main runs once, the first time the manager goes online. It must return
	// promptly; long running work belongs in goroutines that Post back.
	Main(ctx context.Context)
	// OfflineState is published as the final state on graceful shutdown.
	// Returning nil leaves the last state in place.
	OfflineState() any
	// Shutdown releases resources before the session is closed.
	Shutdown(ctx context.Context)
}

// DependencyObserver is implemented by managers that react to dependencies
// changing status after startup.
type DependencyObserver interface {
	DependencyChanged(name string, online bool)
}

// State is a point-in-time view of a manager for diagnostics.
type State struct {
	Name          string          `json:"name"`
	Dependencies  []string        `json:"dependencies"`
	Online        bool            `json:"online"`
	Phase         Phase           `json:"phase"`
	Connected     bool            `json:"connected"`
	LastPublished json.RawMessage `json:"last_published,omitempty"`
}
