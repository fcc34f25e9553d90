package state

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown module or job ids (including
// prefixes that match nothing).
var ErrNotFound = errors.New("not found")

// Status is the job lifecycle state.
//
// Transitions are one-directional: pending -> running -> one of the
// terminal states. A running -> running update is allowed purely to
// persist a checkpoint.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Module is a registered automation unit.
//
// Inputs and Settings carry the manifest's parameter definitions as raw
// JSON; the registry owns their typed shape, the store just keeps them.
type Module struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description,omitempty"`
	Entrypoint   string          `json:"entrypoint"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Path         string          `json:"path"`
	InstalledAt  time.Time       `json:"installed_at"`
}

// ModuleSummary is the list view (no parameter definition blobs).
type ModuleSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Job is one run of a module.
type Job struct {
	ID          string         `json:"id"`
	ModuleID    string         `json:"module_id"`
	Status      Status         `json:"status"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Checkpoint  map[string]any `json:"checkpoint,omitempty"`
}

// JobSummary is the list view (no inputs/settings/checkpoint blobs).
type JobSummary struct {
	ID          string     `json:"id"`
	ModuleID    string     `json:"module_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LogEntry is one timestamped message tied to a job.
// The id is a global monotonic cursor; ordering within a job is by id.
type LogEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ResultEntry is one unit of output produced by a job.
type ResultEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
