// Package module defines the contract between the orchestrator and the
// automation units it runs.
//
// A module implements Runner and is registered through a Factory. The
// orchestrator hands each run a RunContext carrying inputs, settings and
// the restored checkpoint; results and progress flow back through Emit,
// Log and SaveCheckpoint. Cancellation is cooperative: long-running
// modules poll Cancelled() (or react to Emit returning ErrCancelled) and
// return promptly.
package module

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned by RunContext helpers once a stop has been
// requested. A Runner that sees it should unwind and return it (or nil).
var ErrCancelled = errors.New("job cancelled")

// Values is the loosely-typed parameter/result payload shape.
// Keys map to JSON object members; values follow encoding/json types.
type Values = map[string]any

// Runner is one executable module.
//
// Run blocks until the job finishes. Returning nil marks the job
// completed (or stopped, if cancellation was requested); returning an
// error marks it failed. Run must honor ctx and the cooperative
// cancellation flag on rc.
type Runner interface {
	Run(ctx context.Context, rc *RunContext) error
}

// Factory builds a fresh Runner per job. Runners must not be shared
// across concurrent jobs.
type Factory func() Runner

// RunnerFunc adapts a plain function to Runner.
type RunnerFunc func(ctx context.Context, rc *RunContext) error

func (f RunnerFunc) Run(ctx context.Context, rc *RunContext) error { return f(ctx, rc) }

// Hooks are the orchestrator-side callbacks a RunContext delivers into.
// All three must be safe for calls from the module goroutine.
type Hooks struct {
	// Emit hands one result row to the orchestrator. Blocking is fine;
	// the RunContext aborts the wait on cancellation.
	Emit func(ctx context.Context, data Values) error

	// Log records one job-scoped log line.
	Log func(level, message string)

	// SaveCheckpoint persists the full merged checkpoint verbatim.
	SaveCheckpoint func(ctx context.Context, checkpoint Values) error
}

// RunContext is the per-job environment handed to a Runner.
type RunContext struct {
	jobID    string
	inputs   Values
	settings Values

	hooks Hooks

	cancelled atomic.Bool

	mu         sync.Mutex
	checkpoint Values
}

// NewRunContext builds the environment for one run. The restored
// checkpoint may be nil for a fresh job.
func NewRunContext(jobID string, inputs, settings, restored Values, hooks Hooks) *RunContext {
	cp := Values{}
	for k, v := range restored {
		cp[k] = v
	}
	if inputs == nil {
		inputs = Values{}
	}
	if settings == nil {
		settings = Values{}
	}
	return &RunContext{
		jobID:      jobID,
		inputs:     inputs,
		settings:   settings,
		hooks:      hooks,
		checkpoint: cp,
	}
}

func (rc *RunContext) JobID() string    { return rc.jobID }
func (rc *RunContext) Inputs() Values   { return rc.inputs }
func (rc *RunContext) Settings() Values { return rc.settings }

// Input returns one input value (nil if absent).
func (rc *RunContext) Input(key string) any { return rc.inputs[key] }

// Cancel flips the cooperative stop flag. Called by the orchestrator on
// an explicit stop or a duration-limit breach; never by the module.
func (rc *RunContext) Cancel() { rc.cancelled.Store(true) }

// Cancelled reports whether a stop has been requested. Modules with long
// internal loops should poll this between units of work.
func (rc *RunContext) Cancelled() bool { return rc.cancelled.Load() }

// Emit delivers one result row. It fails with ErrCancelled once a stop
// has been requested, so emit-heavy loops need no separate poll.
func (rc *RunContext) Emit(ctx context.Context, data Values) error {
	if rc.cancelled.Load() {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	if rc.hooks.Emit == nil {
		return nil
	}
	return rc.hooks.Emit(ctx, data)
}

// Log records one job-scoped log line at the given level
// (debug/info/warning/error).
func (rc *RunContext) Log(level, message string) {
	if rc.hooks.Log != nil {
		rc.hooks.Log(level, message)
	}
}

// SaveCheckpoint merges data into the accumulated checkpoint and
// persists the merged snapshot. Later writes win per key; keys absent
// from data are retained from earlier saves.
func (rc *RunContext) SaveCheckpoint(ctx context.Context, data Values) error {
	rc.mu.Lock()
	for k, v := range data {
		rc.checkpoint[k] = v
	}
	snap := make(Values, len(rc.checkpoint))
	for k, v := range rc.checkpoint {
		snap[k] = v
	}
	rc.mu.Unlock()

	if rc.hooks.SaveCheckpoint == nil {
		return nil
	}
	return rc.hooks.SaveCheckpoint(ctx, snap)
}

// CheckpointValue returns one checkpoint entry (nil if absent).
func (rc *RunContext) CheckpointValue(key string) any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.checkpoint[key]
}

// Checkpoint returns a copy of the accumulated checkpoint, seeded from
// the restored state on resume.
func (rc *RunContext) Checkpoint() Values {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(Values, len(rc.checkpoint))
	for k, v := range rc.checkpoint {
		out[k] = v
	}
	return out
}
