// Package app wires the daemon together: config, logging, store,
// registry, orchestrator, cron and the HTTP front door.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobmill/internal/config"
	"jobmill/internal/httpapi"
	"jobmill/internal/logfeed"
	"jobmill/internal/module"
	"jobmill/internal/orchestrator"
	"jobmill/internal/registry"
	"jobmill/internal/state"
	logx "jobmill/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	store     *state.Store
	factories *registry.FactorySet
	reg       *registry.Registry
	feed      *logfeed.Feed
	orch      *orchestrator.Orchestrator
	api       *httpapi.Server

	cron *cron.Cron

	cancel context.CancelFunc
	bg     sync.WaitGroup
	apiErr chan error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("svc", "app"))
	cfgm.SetLogger(log.With(logx.String("svc", "config")))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ModulesDir, 0o755); err != nil {
		return nil, err
	}

	store, err := state.Open(state.Config{Path: cfg.DBPath, BusyTimeout: 5 * time.Second},
		log.With(logx.String("svc", "state")))
	if err != nil {
		return nil, err
	}

	factories := registry.NewFactorySet()
	reg := registry.New(store, cfg.ModulesDir, factories, log)
	feed := logfeed.New()
	orch := orchestrator.New(store, reg, feed, log, orchestrator.Options{
		LogEchoPerSec: cfg.Jobs.LogEchoPerSec,
	})

	api := &httpapi.Server{
		Orch:      orch,
		Store:     store,
		Reg:       reg,
		Log:       log.With(logx.String("svc", "http")),
		AuthToken: cfg.API.AuthToken,
		Sources: func() []registry.Source {
			c := cfgm.Get()
			if c == nil {
				return nil
			}
			out := make([]registry.Source, 0, len(c.Modules.Sources))
			for _, s := range c.Modules.Sources {
				out = append(out, registry.Source{Repo: s.Repo, Modules: s.Modules})
			}
			return out
		},
		DefaultMaxDuration: func() string {
			if c := cfgm.Get(); c != nil {
				return c.Jobs.DefaultMaxDuration
			}
			return ""
		},
	}

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		logs:      logSvc,
		log:       log,
		store:     store,
		factories: factories,
		reg:       reg,
		feed:      feed,
		orch:      orch,
		api:       api,
		apiErr:    make(chan error, 1),
	}, nil
}

// Factories exposes the registration surface for builtin modules.
// Register everything before Start; the orchestrator resolves lazily
// but resumed jobs need their factories immediately.
func (a *App) Factories() *registry.FactorySet { return a.factories }

// RegisterBuiltin wires a compiled-in module: its factory under the
// manifest's entrypoint, and a store record so it lists and runs like
// any installed module.
func (a *App) RegisterBuiltin(ctx context.Context, m *registry.Manifest, f module.Factory) error {
	if err := a.factories.Register(m.Entrypoint, f); err != nil {
		return err
	}
	return a.store.SaveModule(ctx, state.Module{
		ID:           m.ID,
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Entrypoint:   m.Entrypoint,
		Inputs:       m.InputsJSON(),
		Settings:     m.SettingsJSON(),
		Capabilities: m.Capabilities,
		Path:         "builtin:" + m.ID,
	})
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	cfg := a.cfgm.Get()

	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := config.ParseMaxDurationField("jobs.default_max_duration", c.Jobs.DefaultMaxDuration); err != nil {
			return err
		}
		if c.Jobs.LogEchoPerSec < 0 {
			return fmt.Errorf("jobs.log_echo_per_sec must be >= 0")
		}
		return nil
	})

	if n, err := a.reg.Discover(runCtx); err != nil {
		a.log.Warn("module discovery failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("adopted modules from disk", logx.Int("count", n))
	}

	if n := a.orch.ResumeInterrupted(runCtx); n > 0 {
		a.log.Info("resumed interrupted jobs", logx.Int("count", n))
	}

	if spec := cfg.Modules.SyncSchedule; spec != "" {
		a.cron = cron.New()
		if _, err := a.cron.AddFunc(spec, func() { a.syncModules() }); err != nil {
			return fmt.Errorf("modules.sync_schedule: %w", err)
		}
		a.cron.Start()
		a.log.Info("module sync scheduled", logx.String("cron", spec))
	}

	// hot reload: re-apply logging on committed config changes
	sub := a.cfgm.Subscribe(8)
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.ConsoleEnabled(),
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded", logx.String("level", newCfg.Logging.Level))
			}
		}
	}()

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	go func() {
		err := a.api.ListenAndServe(runCtx, cfg.API.Addr)
		if err != nil && err != http.ErrServerClosed {
			a.apiErr <- err
		}
		close(a.apiErr)
	}()

	a.log.Info("jobmill started", logx.String("addr", cfg.API.Addr))
	return nil
}

// Err surfaces a fatal API serve error, if any.
func (a *App) Err() <-chan error { return a.apiErr }

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}
	if a.cron != nil {
		cctx := a.cron.Stop()
		select {
		case <-cctx.Done():
		case <-ctx.Done():
		}
	}

	if err := a.orch.Shutdown(ctx); err != nil {
		a.log.Warn("orchestrator shutdown incomplete", logx.Err(err))
	}

	done := make(chan struct{})
	go func() {
		a.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("background loops did not settle in time")
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("closing state store", logx.Err(err))
	}
	_ = a.logs.Close()
	a.log.Info("stopped")
	return nil
}

func (a *App) syncModules() {
	cfg := a.cfgm.Get()
	if cfg == nil || len(cfg.Modules.Sources) == 0 {
		return
	}
	sources := make([]registry.Source, 0, len(cfg.Modules.Sources))
	for _, s := range cfg.Modules.Sources {
		sources = append(sources, registry.Source{Repo: s.Repo, Modules: s.Modules})
	}
	report := a.reg.Sync(context.Background(), sources)
	a.log.Info("scheduled module sync done",
		logx.Int("installed", len(report.Installed)),
		logx.Int("failed", len(report.Failed)))
}
