package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"jobmill/internal/state"
)

// RunningJob is one live unit in a status snapshot.
type RunningJob struct {
	JobID     string       `json:"job_id"`
	ModuleID  string       `json:"module_id"`
	Status    state.Status `json:"status"`
	StartedAt time.Time    `json:"started_at"`
}

// Status is the operator-facing health snapshot.
type Status struct {
	Uptime      string       `json:"uptime"`
	ModuleCount int          `json:"module_count"`
	RunningJobs []RunningJob `json:"running_jobs"`
}

// Status reports uptime, the installed-module count and the live units.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	mods, err := o.store.ListModules(ctx)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	jobs := make([]RunningJob, 0, len(o.running))
	for _, u := range o.running {
		st := state.StatusPending
		if u.started.Load() {
			st = state.StatusRunning
		}
		jobs = append(jobs, RunningJob{JobID: u.jobID, ModuleID: u.moduleID, Status: st, StartedAt: u.startedAt})
	}
	o.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(jobs[j].StartedAt) })

	return Status{
		Uptime:      formatUptime(time.Since(o.startedAt)),
		ModuleCount: len(mods),
		RunningJobs: jobs,
	}, nil
}

// formatUptime renders a compact two-unit duration: "3h 7m", "7m 2s"
// or "42s".
func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
