// Package app wires configuration, storage, the task factory, the
// scheduler and the admin API into one daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/alert"
	"taskd/internal/api"
	"taskd/internal/auth"
	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/builtin"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	factory *task.Factory
	sched   *scheduler.Service
	susp    *scheduler.Suspension
	tg      *alert.Telegram
	api     *api.Server

	// startedUp is set once OnStartup ran; a scheduler disabled at boot
	// runs it when enabled by a reload.
	startedUp bool
}

// Options tweak construction; the zero value is the production setup.
type Options struct {
	// LogLevel overrides logging.level from the file.
	LogLevel string
	// Builtin overrides dependencies of the built-in task types.
	Builtin builtin.Deps
}

func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logCfg := mapLogConfig(cfg.Logging)
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	logSvc, root := logx.NewService(logCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	raw, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store := storage.Guarded(raw)
	log.Info("storage ready", logx.String("driver", displayDriver(sc.Driver)))

	factory := task.NewFactory()
	bd := opts.Builtin
	if bd.Log.IsZero() {
		bd.Log = root.With(logx.String("comp", "tasks"))
	}
	builtin.Register(factory, bd)
	factory.SetDisabled(cfg.Scheduler.DisabledTypes)

	notifiers := alert.Fanout{
		alert.Log{Log: root.With(logx.String("comp", "alert"))},
		alert.Bus{Bus: bus},
	}
	var tg *alert.Telegram
	if cfg.Alert.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg.Alert.Telegram)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		tg, err = alert.NewTelegram(tc, root.With(logx.String("comp", "alert.telegram")))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		notifiers = append(notifiers, tg)
	}

	schedCfg, err := mapSchedulerConfig(cfg.Scheduler)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Store:    store,
		Factory:  factory,
		Notifier: notifiers,
		Bus:      bus,
		Log:      root,
	})
	susp := scheduler.NewSuspension(sched)

	var srv *api.Server
	if cfg.API.Enabled {
		ac, err := mapAPIConfig(cfg.API)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		srv = api.New(ac, sched, susp, root)
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		factory: factory,
		sched:   sched,
		susp:    susp,
		tg:      tg,
		api:     srv,
	}, nil
}

func displayDriver(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Reload re-reads the config file; subscribers apply the change.
func (a *App) Reload(ctx context.Context) (bool, error) { return a.cfgm.Reload(ctx) }

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

// daemonCtx runs scheduler and store calls as the daemon actor.
func daemonCtx(ctx context.Context) context.Context {
	return auth.WithActor(ctx, auth.Daemon())
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if a.tg != nil {
		a.tg.Start(run)
	}

	a.startEventLog()

	cfg := a.cfgm.Get()
	if err := a.seedTasks(daemonCtx(run), cfg.Tasks); err != nil {
		a.log.Warn("some configured tasks could not be created", logx.Err(err))
	}
	if cfg.Scheduler.IsEnabled() {
		a.startScheduler(run)
	} else {
		a.log.Info("scheduler disabled via config")
	}

	if a.api != nil {
		if err := a.api.Start(run); err != nil {
			return fmt.Errorf("start api: %w", err)
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) startScheduler(ctx context.Context) {
	if err := a.sched.OnStartup(daemonCtx(ctx)); err != nil {
		// Partial: the remaining definitions are scheduled.
		a.log.Warn("scheduler started with errors", logx.Err(err))
	}
	a.startedUp = true
	a.log.Info("scheduler started", logx.Int("scheduled", len(a.sched.ScheduledTasks())))
}

// seedTasks creates every configured definition that does not exist yet.
func (a *App) seedTasks(ctx context.Context, seeds []config.TaskSeed) error {
	var errs []error
	for _, s := range seeds {
		def, err := s.Definition()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		_, err = a.sched.TaskByName(ctx, def.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		if err := a.sched.SaveTaskDefinition(ctx, def); err != nil {
			errs = append(errs, err)
			continue
		}
		a.log.Info("task definition seeded from config",
			logx.Int64("task_id", def.ID),
			logx.String("task", def.Name),
			logx.String("type", def.Type),
		)
	}
	return errors.Join(errs...)
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise for frequent tasks.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next.Logging))

	dctx := daemonCtx(ctx)
	if config.DisabledTypesChanged(prev, next) {
		rep, err := a.susp.Cycle(dctx, func() { a.factory.SetDisabled(next.Scheduler.DisabledTypes) })
		if err != nil {
			a.log.Warn("disabled task types applied with errors", logx.Err(err))
		}
		a.log.Info("disabled task types applied",
			logx.Strings("disabled", a.factory.Disabled()),
			logx.Int64s("failed", rep.Failed),
		)
	}

	if !equalSeeds(prev.Tasks, next.Tasks) {
		if err := a.seedTasks(dctx, next.Tasks); err != nil {
			a.log.Warn("some configured tasks could not be created", logx.Err(err))
		}
	}

	was, is := prev.Scheduler.IsEnabled(), next.Scheduler.IsEnabled()
	switch {
	case was && !is:
		if _, err := a.susp.Suspend(dctx); err != nil && !errors.Is(err, scheduler.ErrSuspended) {
			a.log.Warn("scheduler suspended with errors", logx.Err(err))
		}
		a.log.Info("scheduler disabled via config")
	case !was && is:
		a.log.Info("scheduler enabled via config")
		if !a.startedUp {
			a.startScheduler(ctx)
		} else if _, err := a.susp.Resume(dctx); err != nil && !errors.Is(err, scheduler.ErrNotSuspended) {
			a.log.Warn("scheduler resumed with errors", logx.Err(err))
		}
	}

	for _, s := range sections {
		switch s {
		case "storage", "api", "alert":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if restartOnly(prev.Scheduler, next.Scheduler) {
		a.log.Warn("scheduler timing config changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func equalSeeds(a, b []config.TaskSeed) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

// restartOnly reports changes the running scheduler cannot pick up.
func restartOnly(a, b config.SchedulerConfig) bool {
	return strings.TrimSpace(a.StartupDelay) != strings.TrimSpace(b.StartupDelay) ||
		strings.TrimSpace(a.Timezone) != strings.TrimSpace(b.Timezone) ||
		strings.TrimSpace(a.StopTimeout) != strings.TrimSpace(b.StopTimeout) ||
		a.HistorySize != b.HistorySize
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// OnShutdown waits at most twice its StopTimeout; give it room.
	schedMax := 5 * time.Second
	if sc, err := mapSchedulerConfig(a.cfgm.Get().Scheduler); err == nil && sc.StopTimeout > 0 {
		schedMax = 2*sc.StopTimeout + 2*time.Second
	}

	a.step(ctx, "api", 3*time.Second, func(c context.Context) error {
		if a.api != nil {
			return a.api.Shutdown(c)
		}
		return nil
	})
	a.step(ctx, "scheduler", schedMax, func(c context.Context) error {
		return a.sched.OnShutdown(daemonCtx(c))
	})
	a.step(ctx, "alert.telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			a.tg.Stop(c)
		}
		return nil
	})
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log the leak.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
