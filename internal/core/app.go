package core

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"auditsched/internal/config"
	"auditsched/internal/eventbus"
	"auditsched/internal/services/httpapi"
	"auditsched/internal/services/materializer"
	"auditsched/internal/services/notify"
	"auditsched/internal/storage"
	"auditsched/pkg/logx"
)

// App wires config, storage, and the services together and owns their
// lifecycle, including config hot-reload fan-out.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	bus   eventbus.Bus

	mat   *materializer.Service
	notif *notify.Service
	api   *httpapi.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	storeCfg, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	matCfg, err := materializerConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	matSvc := materializer.New(matCfg, store, bus, logSvc.Logger().With(logx.String("comp", "materializer")))

	notifCfg, sinkCfg, err := notifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	notifLog := logSvc.Logger().With(logx.String("comp", "notifier"))
	notifSvc := notify.New(notifCfg, store, buildSink(sinkCfg, notifLog), bus, notifLog)

	apiCfg, err := httpConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	apiSvc := httpapi.New(apiCfg, httpapi.Deps{
		Store:        store,
		Materializer: matSvc,
		Notifier:     notifSvc,
	}, logSvc.Logger().With(logx.String("comp", "api")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		bus:     bus,
		mat:     matSvc,
		notif:   notifSvc,
		api:     apiSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if a.mat.Enabled() {
		a.mat.Start(a.sup.Context())
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}

	// Hot reload config fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig pushes a committed config into the running services.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Storage is bound at startup; flag the edit instead of silently ignoring it.
	if prev != nil && prev.Storage != cfg.Storage {
		a.log.Warn("storage config changed; restart required to take effect")
	}

	matCfg, err := materializerConfig(cfg)
	if err != nil {
		a.log.Warn("materializer config invalid; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.mat.Enabled()
		a.mat.Apply(matCfg)
		if !wasEnabled && matCfg.Enabled {
			a.log.Info("materializer enabled via config")
			a.mat.Start(ctx)
		}
	}

	notifCfg, sinkCfg, err := notifierConfig(cfg)
	if err != nil {
		a.log.Warn("notifier config invalid; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(notifCfg)
		a.notif.SetSink(buildSink(sinkCfg, a.logs.Logger().With(logx.String("comp", "notifier"))))
		switch {
		case wasEnabled && !notifCfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && notifCfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	apiCfg, err := httpConfig(cfg)
	if err != nil {
		a.log.Warn("http config invalid; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, apiCfg)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Stop intake first, then drain, then persistence.
	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("materializer", 2*time.Second, func(c context.Context) error { a.mat.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
