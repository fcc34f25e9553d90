// Package orchestrator runs jobs: it owns the in-memory picture of
// what is live, drives the status machine in the store, and mediates
// everything a running module produces (results, logs, checkpoints).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobmill/internal/config"
	"jobmill/internal/logfeed"
	"jobmill/internal/module"
	"jobmill/internal/registry"
	"jobmill/internal/state"
	logx "jobmill/pkg/logx"
)

// ErrNotRunning is returned by StopJob when the job has no live
// execution unit (already finished, or never started here).
var ErrNotRunning = errors.New("job is not running")

// resultBuffer decouples a module's Emit from persistence latency.
const resultBuffer = 16

type Orchestrator struct {
	store *state.Store
	reg   *registry.Registry
	feed  *logfeed.Feed
	log   logx.Logger

	// echo throttles the mirror of job logs into the process logger.
	// Persistence and fan-out are never throttled.
	echo *rate.Limiter

	startedAt time.Time

	mu      sync.Mutex
	running map[string]*unit
	wg      sync.WaitGroup
	closed  bool
}

// unit is one live job execution.
type unit struct {
	jobID     string
	moduleID  string
	startedAt time.Time

	rc       *module.RunContext
	cancel   context.CancelFunc
	watchdog *time.Timer
	done     chan struct{}

	// started flips once the row is marked running; until then a
	// status snapshot reports the unit as pending.
	started atomic.Bool
}

type Options struct {
	// LogEchoPerSec caps job-log lines mirrored to the process logger.
	// Zero disables the mirror.
	LogEchoPerSec int
}

func New(store *state.Store, reg *registry.Registry, feed *logfeed.Feed, log logx.Logger, opts Options) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	var lim *rate.Limiter
	if opts.LogEchoPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.LogEchoPerSec), opts.LogEchoPerSec)
	}
	return &Orchestrator{
		store:     store,
		reg:       reg,
		feed:      feed,
		log:       log.With(logx.String("svc", "orchestrator")),
		echo:      lim,
		startedAt: time.Now(),
		running:   map[string]*unit{},
	}
}

// StartJob validates and schedules a new run. It returns once the job
// row exists and the execution unit has been launched; it does not wait
// for the module to finish. An unknown module creates no job row. A
// supplied checkpoint seeds the run as if it were resuming.
func (o *Orchestrator) StartJob(ctx context.Context, moduleID string, inputs, settings, checkpoint module.Values, maxDuration string) (string, error) {
	manifest, err := o.reg.Manifest(ctx, moduleID)
	if err != nil {
		return "", err
	}
	factory, err := o.reg.Resolve(ctx, moduleID)
	if err != nil {
		return "", err
	}

	inputs, err = registry.ValidateInputs(manifest, inputs)
	if err != nil {
		return "", err
	}
	settings, err = registry.ValidateSettings(manifest, settings)
	if err != nil {
		return "", err
	}

	var limit time.Duration
	if maxDuration != "" {
		limit, err = config.ParseMaxDuration(maxDuration)
		if err != nil {
			return "", &registry.ValidationError{Msg: fmt.Sprintf("max_duration: %v", err)}
		}
	}

	jobID, err := o.store.CreateJob(ctx, moduleID, inputs, settings)
	if err != nil {
		return "", err
	}

	if len(checkpoint) > 0 {
		if err := o.store.UpdateJobStatus(ctx, jobID, state.StatusPending, "", checkpoint); err != nil {
			return "", err
		}
	}

	if err := o.launch(jobID, moduleID, factory, inputs, settings, checkpoint, limit); err != nil {
		return "", err
	}
	return jobID, nil
}

// StopJob requests cooperative cancellation and waits for the unit to
// settle (bounded by ctx).
func (o *Orchestrator) StopJob(ctx context.Context, idOrPrefix string) error {
	jobID, err := o.store.ResolveJobID(ctx, idOrPrefix)
	if err != nil {
		return err
	}

	o.mu.Lock()
	u := o.running[jobID]
	o.mu.Unlock()
	if u == nil {
		return fmt.Errorf("job %s: %w", jobID, ErrNotRunning)
	}

	o.log.Info("stop requested", logx.String("job", jobID))
	u.rc.Cancel()
	u.cancel()

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeInterrupted relaunches every job the store still records as
// running, seeding each with its persisted checkpoint. Resumed jobs get
// no watchdog. Returns the number relaunched.
func (o *Orchestrator) ResumeInterrupted(ctx context.Context) int {
	jobs, err := o.store.ResumableJobs(ctx)
	if err != nil {
		o.log.Error("listing resumable jobs failed", logx.Err(err))
		return 0
	}

	resumed := 0
	for _, j := range jobs {
		factory, err := o.reg.Resolve(ctx, j.ModuleID)
		if err != nil {
			o.log.Warn("interrupted job cannot resume",
				logx.String("job", j.ID), logx.String("module", j.ModuleID), logx.Err(err))
			_ = o.store.UpdateJobStatus(ctx, j.ID, state.StatusFailed,
				fmt.Sprintf("resume: %v", err), nil)
			continue
		}
		if err := o.launch(j.ID, j.ModuleID, factory, j.Inputs, j.Settings, j.Checkpoint, 0); err != nil {
			o.log.Warn("relaunch failed", logx.String("job", j.ID), logx.Err(err))
			continue
		}
		o.log.Info("resumed interrupted job",
			logx.String("job", j.ID), logx.String("module", j.ModuleID))
		resumed++
	}
	return resumed
}

// SubscribeLogs attaches a live listener to one job's log stream.
func (o *Orchestrator) SubscribeLogs(jobID string) (<-chan logfeed.Entry, func()) {
	return o.feed.Subscribe(jobID)
}

// launch creates the execution unit and starts its goroutines.
func (o *Orchestrator) launch(jobID, moduleID string, factory module.Factory, inputs, settings, checkpoint module.Values, limit time.Duration) error {
	runCtx, cancel := context.WithCancel(context.Background())

	u := &unit{
		jobID:     jobID,
		moduleID:  moduleID,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	results := make(chan module.Values, resultBuffer)

	rc := module.NewRunContext(jobID, inputs, settings, checkpoint, module.Hooks{
		Emit: func(ctx context.Context, data module.Values) error {
			select {
			case results <- data:
				return nil
			case <-ctx.Done():
				return module.ErrCancelled
			case <-runCtx.Done():
				return module.ErrCancelled
			}
		},
		Log: func(level, message string) {
			o.jobLog(jobID, level, message)
		},
		SaveCheckpoint: func(ctx context.Context, cp module.Values) error {
			return o.store.UpdateJobStatus(ctx, jobID, state.StatusRunning, "", cp)
		},
	})
	u.rc = rc

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return errors.New("orchestrator is shutting down")
	}
	o.running[jobID] = u
	o.wg.Add(1)
	o.mu.Unlock()

	// The watchdog only flips the cooperative flag; the run context
	// stays live so the module can wind down and checkpoint. A hard
	// cancel is reserved for StopJob and Shutdown.
	if limit > 0 {
		u.watchdog = time.AfterFunc(limit, func() {
			o.log.Warn("job exceeded max duration, requesting stop",
				logx.String("job", jobID), logx.Duration("limit", limit))
			o.jobLog(jobID, "warning", fmt.Sprintf("max duration %s exceeded, stopping", limit))
			rc.Cancel()
		})
	}

	go o.run(runCtx, u, factory, results)
	return nil
}

// run is the unit goroutine: mark running, execute the module, drain
// results, settle the terminal status, tear down.
func (o *Orchestrator) run(ctx context.Context, u *unit, factory module.Factory, results chan module.Values) {
	defer o.teardown(u)

	sctx := context.Background()
	if err := o.store.UpdateJobStatus(sctx, u.jobID, state.StatusRunning, "", nil); err != nil {
		o.log.Error("marking job running failed", logx.String("job", u.jobID), logx.Err(err))
	}
	u.started.Store(true)
	o.log.Info("job started",
		logx.String("job", u.jobID), logx.String("module", u.moduleID))
	o.jobLog(u.jobID, "info", fmt.Sprintf("Starting job %s (module %s)", u.jobID, u.moduleID))

	type runResult struct {
		err   error
		stack string
	}
	runDone := make(chan runResult, 1)
	go func() {
		err, stack := o.safeRun(ctx, factory, u.rc)
		runDone <- runResult{err: err, stack: stack}
		close(results)
	}()

	// Drain results as they arrive. The cancellation flag is checked
	// before each persist so nothing lands after a stop is visible.
	var err error
	var stack string
	for {
		data, ok := <-results
		if !ok {
			res := <-runDone
			err, stack = res.err, res.stack
			break
		}
		if u.rc.Cancelled() {
			continue
		}
		if perr := o.store.AddResult(sctx, u.jobID, data); perr != nil {
			o.log.Error("persisting result failed", logx.String("job", u.jobID), logx.Err(perr))
		}
	}

	status := state.StatusCompleted
	errMsg := ""
	switch {
	case err == nil && u.rc.Cancelled():
		status = state.StatusStopped
	case errors.Is(err, module.ErrCancelled):
		status = state.StatusStopped
	case err != nil:
		status = state.StatusFailed
		errMsg = err.Error()
	}

	if uerr := o.store.UpdateJobStatus(sctx, u.jobID, status, errMsg, nil); uerr != nil {
		o.log.Error("persisting terminal status failed", logx.String("job", u.jobID), logx.Err(uerr))
	}

	// The terminal outcome lands in the job's own log stream too, so
	// readers of /jobs/{id}/logs see the full lifecycle.
	switch status {
	case state.StatusFailed:
		msg := "Job failed: " + errMsg
		if stack != "" {
			msg += "\n" + stack
		}
		o.jobLog(u.jobID, "error", msg)
		o.log.Error("job failed",
			logx.String("job", u.jobID), logx.String("module", u.moduleID),
			logx.String("reason", errMsg))
	case state.StatusStopped:
		o.jobLog(u.jobID, "info", "Job cancelled")
		o.log.Info("job finished",
			logx.String("job", u.jobID), logx.String("module", u.moduleID),
			logx.String("status", string(status)))
	default:
		o.jobLog(u.jobID, "info", "Job completed successfully")
		o.log.Info("job finished",
			logx.String("job", u.jobID), logx.String("module", u.moduleID),
			logx.String("status", string(status)))
	}
}

// safeRun executes the module and converts a panic into a failure that
// cannot take the orchestrator down. On panic the captured stack is
// returned so the caller can attach it to the job's log stream.
func (o *Orchestrator) safeRun(ctx context.Context, factory module.Factory, rc *module.RunContext) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			o.log.Error("module panicked",
				logx.String("job", rc.JobID()), logx.Any("panic", r), logx.Stack(stack))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	runner := factory()
	if runner == nil {
		return errors.New("factory returned nil runner"), ""
	}
	if err := runner.Run(ctx, rc); err != nil {
		if errors.Is(err, module.ErrCancelled) {
			return err, ""
		}
		return fmt.Errorf("%T: %v", err, err), ""
	}
	return nil, ""
}

func (o *Orchestrator) teardown(u *unit) {
	if u.watchdog != nil {
		u.watchdog.Stop()
	}
	u.cancel()

	o.mu.Lock()
	delete(o.running, u.jobID)
	o.mu.Unlock()

	close(u.done)
	o.wg.Done()
}

// jobLog is the single path for module log lines: persist, fan out,
// and mirror a throttled copy into the process logger.
func (o *Orchestrator) jobLog(jobID, level, message string) {
	if err := o.store.AddLog(context.Background(), jobID, level, message); err != nil {
		o.log.Error("persisting job log failed", logx.String("job", jobID), logx.Err(err))
	}
	o.feed.Publish(logfeed.Entry{JobID: jobID, Level: level, Message: message})

	if o.echo != nil && o.echo.Allow() {
		o.log.Debug("job log",
			logx.String("job", jobID), logx.String("level", level), logx.String("msg", message))
	}
}

// Shutdown stops accepting launches, cancels every live unit and waits
// for them to settle (bounded by ctx).
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, u := range o.running {
		u.rc.Cancel()
		u.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
