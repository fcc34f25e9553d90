package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobmill/internal/logfeed"
	"jobmill/internal/module"
	"jobmill/internal/registry"
	"jobmill/internal/state"
	logx "jobmill/pkg/logx"
)

type fixture struct {
	store *state.Store
	reg   *registry.Registry
	fs    *registry.FactorySet
	feed  *logfeed.Feed
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := state.Open(state.Config{Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fs := registry.NewFactorySet()
	reg := registry.New(store, t.TempDir(), fs, logx.Nop())
	feed := logfeed.New()
	orch := New(store, reg, feed, logx.Nop(), Options{LogEchoPerSec: 5})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &fixture{store: store, reg: reg, fs: fs, feed: feed, orch: orch}
}

// registerModule stores a module record and wires a factory for its
// entrypoint, without touching the filesystem.
func (f *fixture) registerModule(t *testing.T, id, entrypoint string, runner module.RunnerFunc) {
	t.Helper()
	if err := f.fs.Register(entrypoint, func() module.Runner { return runner }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := f.store.SaveModule(context.Background(), state.Module{
		ID: id, Name: id, Version: "1.0.0", Entrypoint: entrypoint, Path: "/dev/null",
	})
	if err != nil {
		t.Fatalf("SaveModule: %v", err)
	}
}

func (f *fixture) waitTerminal(t *testing.T, jobID string) *state.Job {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		j, err := f.store.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Status.Terminal() {
			return j
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never settled, status=%s", jobID, j.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJobCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerModule(t, "greet", "greet", func(ctx context.Context, rc *module.RunContext) error {
		rc.Log("info", "starting")
		name, _ := rc.Input("name").(string)
		return rc.Emit(ctx, module.Values{"echo": "hello " + name})
	})

	jobID, err := f.orch.StartJob(ctx, "greet", module.Values{"name": "world"}, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	j := f.waitTerminal(t, jobID)
	if j.Status != state.StatusCompleted {
		t.Fatalf("status = %s (error=%q)", j.Status, j.Error)
	}
	if j.StartedAt == nil || j.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", j)
	}

	rs, err := f.store.Results(ctx, jobID, 10)
	if err != nil || len(rs) != 1 {
		t.Fatalf("results = %v, %v", rs, err)
	}
	if rs[0].Data["echo"] != "hello world" {
		t.Fatalf("result = %+v", rs[0].Data)
	}

	// lifecycle lines bracket the module's own output
	logs, err := f.store.Logs(ctx, jobID, 10, 0)
	if err != nil || len(logs) != 3 {
		t.Fatalf("logs = %v, %v", logs, err)
	}
	if !strings.HasPrefix(logs[0].Message, "Starting job ") {
		t.Fatalf("first log = %+v", logs[0])
	}
	if logs[1].Message != "starting" {
		t.Fatalf("module log = %+v", logs[1])
	}
	if logs[2].Message != "Job completed successfully" || logs[2].Level != "info" {
		t.Fatalf("last log = %+v", logs[2])
	}
}

func TestStartJobUnknownModuleCreatesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.StartJob(ctx, "ghost", nil, nil, nil, "")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("StartJob unknown = %v", err)
	}
	jobs, err := f.store.ListJobs(ctx, "")
	if err != nil || len(jobs) != 0 {
		t.Fatalf("jobs = %v, %v", jobs, err)
	}
}

func TestStartJobRejectsBadMaxDuration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerModule(t, "m", "m", func(context.Context, *module.RunContext) error { return nil })

	_, err := f.orch.StartJob(ctx, "m", nil, nil, nil, "90s")
	var verr *registry.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	jobs, _ := f.store.ListJobs(ctx, "")
	if len(jobs) != 0 {
		t.Fatal("no job row should exist after validation failure")
	}
}

func TestStopJobCancelsCooperatively(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	started := make(chan struct{})
	f.registerModule(t, "spin", "spin", func(ctx context.Context, rc *module.RunContext) error {
		close(started)
		for !rc.Cancelled() {
			select {
			case <-ctx.Done():
				return module.ErrCancelled
			case <-time.After(5 * time.Millisecond):
			}
		}
		// late result must not be persisted
		_ = rc.Emit(ctx, module.Values{"late": true})
		return nil
	})

	jobID, err := f.orch.StartJob(ctx, "spin", nil, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	<-started

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.orch.StopJob(sctx, jobID); err != nil {
		t.Fatalf("StopJob: %v", err)
	}

	j := f.waitTerminal(t, jobID)
	if j.Status != state.StatusStopped {
		t.Fatalf("status = %s", j.Status)
	}
	rs, _ := f.store.Results(ctx, jobID, 10)
	if len(rs) != 0 {
		t.Fatalf("results persisted after stop: %+v", rs)
	}

	// a second stop finds no live unit
	if err := f.orch.StopJob(ctx, jobID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second StopJob = %v", err)
	}
}

func TestModuleFailureIsIsolated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerModule(t, "boom", "boom", func(context.Context, *module.RunContext) error {
		panic("kaboom")
	})
	f.registerModule(t, "fine", "fine", func(ctx context.Context, rc *module.RunContext) error {
		return rc.Emit(ctx, module.Values{"ok": true})
	})

	boomID, err := f.orch.StartJob(ctx, "boom", nil, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob boom: %v", err)
	}
	fineID, err := f.orch.StartJob(ctx, "fine", nil, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob fine: %v", err)
	}

	bj := f.waitTerminal(t, boomID)
	if bj.Status != state.StatusFailed || bj.Error == "" {
		t.Fatalf("boom job: %+v", bj)
	}
	fj := f.waitTerminal(t, fineID)
	if fj.Status != state.StatusCompleted {
		t.Fatalf("fine job: %+v", fj)
	}
}

func TestFailureLandsInJobLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerModule(t, "flaky", "flaky", func(context.Context, *module.RunContext) error {
		return errors.New("upstream timed out")
	})
	f.registerModule(t, "crashy", "crashy", func(context.Context, *module.RunContext) error {
		panic("kaboom")
	})

	errorLine := func(jobID string) state.LogEntry {
		logs, err := f.store.Logs(ctx, jobID, 50, 0)
		if err != nil {
			t.Fatalf("Logs: %v", err)
		}
		for _, e := range logs {
			if e.Level == "error" {
				return e
			}
		}
		t.Fatalf("no error entry in job logs: %+v", logs)
		return state.LogEntry{}
	}

	flakyID, err := f.orch.StartJob(ctx, "flaky", nil, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob flaky: %v", err)
	}
	j := f.waitTerminal(t, flakyID)
	if j.Status != state.StatusFailed {
		t.Fatalf("flaky status = %s", j.Status)
	}
	e := errorLine(flakyID)
	if !strings.HasPrefix(e.Message, "Job failed: ") || !strings.Contains(e.Message, "upstream timed out") {
		t.Fatalf("error entry = %+v", e)
	}

	// a panic carries its stack into the job log
	crashyID, err := f.orch.StartJob(ctx, "crashy", nil, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob crashy: %v", err)
	}
	f.waitTerminal(t, crashyID)
	e = errorLine(crashyID)
	if !strings.Contains(e.Message, "panic: kaboom") || !strings.Contains(e.Message, "goroutine") {
		t.Fatalf("panic entry = %+v", e)
	}
}

func TestWatchdogExpiryFlipsFlagOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// the module reports whether its run context survived the watchdog
	ctxErr := make(chan error, 1)
	f.registerModule(t, "slow", "slow", func(ctx context.Context, rc *module.RunContext) error {
		for !rc.Cancelled() {
			select {
			case <-ctx.Done():
				return module.ErrCancelled
			case <-time.After(5 * time.Millisecond):
			}
		}
		ctxErr <- ctx.Err()
		return nil
	})

	jobID, err := f.store.CreateJob(ctx, "slow", nil, nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	factory, err := f.reg.Resolve(ctx, "slow")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := f.orch.launch(jobID, "slow", factory, nil, nil, nil, 30*time.Millisecond); err != nil {
		t.Fatalf("launch: %v", err)
	}

	select {
	case cerr := <-ctxErr:
		if cerr != nil {
			t.Fatalf("watchdog cancelled the run context: %v", cerr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("module never observed the cancellation flag")
	}

	j := f.waitTerminal(t, jobID)
	if j.Status != state.StatusStopped {
		t.Fatalf("status = %s (error=%q)", j.Status, j.Error)
	}

	logs, err := f.store.Logs(ctx, jobID, 50, 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	found := false
	for _, e := range logs {
		if e.Level == "warning" && strings.Contains(e.Message, "max duration") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no watchdog warning in job logs: %+v", logs)
	}
}

func TestResumeInterruptedRestoresCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	seen := make(chan module.Values, 1)
	f.registerModule(t, "pager", "pager", func(ctx context.Context, rc *module.RunContext) error {
		seen <- rc.Checkpoint()
		return nil
	})

	// simulate a crash: a job stuck in running with a saved checkpoint
	jobID, err := f.store.CreateJob(ctx, "pager", module.Values{"pages": int64(9)}, nil)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := f.store.UpdateJobStatus(ctx, jobID, state.StatusRunning, "", module.Values{"last_page": float64(3)}); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	// one job already finished; it must not be resumed
	doneID, _ := f.store.CreateJob(ctx, "pager", nil, nil)
	_ = f.store.UpdateJobStatus(ctx, doneID, state.StatusRunning, "", nil)
	_ = f.store.UpdateJobStatus(ctx, doneID, state.StatusCompleted, "", nil)

	if n := f.orch.ResumeInterrupted(ctx); n != 1 {
		t.Fatalf("resumed = %d", n)
	}

	select {
	case cp := <-seen:
		if cp["last_page"] != float64(3) {
			t.Fatalf("restored checkpoint = %+v", cp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resumed module never ran")
	}

	j := f.waitTerminal(t, jobID)
	if j.Status != state.StatusCompleted {
		t.Fatalf("resumed job status = %s", j.Status)
	}
}

func TestStartJobWithInitialCheckpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	seen := make(chan module.Values, 1)
	f.registerModule(t, "seeded", "seeded", func(ctx context.Context, rc *module.RunContext) error {
		seen <- rc.Checkpoint()
		return nil
	})

	jobID, err := f.orch.StartJob(ctx, "seeded", nil, nil, module.Values{"cursor": "abc"}, "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	select {
	case cp := <-seen:
		if cp["cursor"] != "abc" {
			t.Fatalf("seeded checkpoint = %+v", cp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("module never ran")
	}

	j := f.waitTerminal(t, jobID)
	if j.Checkpoint["cursor"] != "abc" {
		t.Fatalf("persisted checkpoint = %+v", j.Checkpoint)
	}
}

func TestCheckpointPersistedDuringRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.registerModule(t, "cp", "cp", func(ctx context.Context, rc *module.RunContext) error {
		if err := rc.SaveCheckpoint(ctx, module.Values{"step": 1}); err != nil {
			return err
		}
		return rc.SaveCheckpoint(ctx, module.Values{"step": 2, "extra": "x"})
	})

	jobID, err := f.orch.StartJob(ctx, "cp", nil, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	j := f.waitTerminal(t, jobID)
	if j.Status != state.StatusCompleted {
		t.Fatalf("status = %s (%s)", j.Status, j.Error)
	}
	if j.Checkpoint["step"] != float64(2) || j.Checkpoint["extra"] != "x" {
		t.Fatalf("checkpoint = %+v", j.Checkpoint)
	}
}

func TestLogsFanOutToSubscribers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.registerModule(t, "talker", "talker", func(ctx context.Context, rc *module.RunContext) error {
		<-release
		rc.Log("info", "live line")
		return nil
	})

	jobID, err := f.orch.StartJob(ctx, "talker", nil, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	ch, unsub := f.orch.SubscribeLogs(jobID)
	defer unsub()
	close(release)

	// lifecycle lines share the stream; wait for the module's own line
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.JobID != jobID {
				t.Fatalf("entry = %+v", e)
			}
			if e.Message == "live line" {
				f.waitTerminal(t, jobID)
				return
			}
		case <-deadline:
			t.Fatal("no live log received")
		}
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.registerModule(t, "hold", "hold", func(ctx context.Context, rc *module.RunContext) error {
		<-release
		return nil
	})

	jobID, err := f.orch.StartJob(ctx, "hold", nil, nil, nil, "")
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	// wait until the unit is tracked
	deadline := time.After(5 * time.Second)
	for {
		st, err := f.orch.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if len(st.RunningJobs) == 1 && st.RunningJobs[0].Status == state.StatusRunning {
			if st.RunningJobs[0].JobID != jobID || st.ModuleCount != 1 {
				t.Fatalf("status = %+v", st)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never appeared in status")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(release)
	f.waitTerminal(t, jobID)
}

func TestFormatUptime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{0, "0s"},
		{7*time.Minute + 2*time.Second, "7m 2s"},
		{3*time.Hour + 7*time.Minute + 30*time.Second, "3h 7m"},
		{25 * time.Hour, "25h 0m"},
	}
	for _, tc := range cases {
		if got := formatUptime(tc.d); got != tc.want {
			t.Errorf("formatUptime(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
