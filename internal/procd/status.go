package procd

import (
	"astoria/internal/disks"
)

// CodeStatus is the state of the current user code run.
type CodeStatus string

const (
	StatusIdle     CodeStatus = "idle"
	StatusStarting CodeStatus = "code_starting"
	StatusRunning  CodeStatus = "code_running"
	StatusKilled   CodeStatus = "code_killed"
	StatusFinished CodeStatus = "code_finished"
	StatusCrashed  CodeStatus = "code_crashed"
)

var transitions = map[CodeStatus][]CodeStatus{
	StatusStarting: {StatusRunning, StatusCrashed, StatusKilled},
	StatusRunning:  {StatusFinished, StatusCrashed, StatusKilled},
}

// Terminal reports whether a run in status s has ended.
func (s CodeStatus) Terminal() bool {
	switch s {
	case StatusKilled, StatusFinished, StatusCrashed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to CodeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Snapshot is the retained state published by the process manager.
type Snapshot struct {
	CodeStatus CodeStatus    `json:"code_status"`
	DiskInfo   *disks.Volume `json:"disk_info"`
	RunID      string        `json:"run_id,omitempty"`
	PID        int           `json:"pid,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
}
