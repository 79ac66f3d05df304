package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"engaged/internal/api"
	"engaged/internal/config"
	"engaged/internal/engage"
	"engaged/internal/eventbus"
	"engaged/internal/notifier"
	rtsup "engaged/internal/runtime/supervisor"
	"engaged/internal/storage"
	"engaged/internal/task/engine"
	"engaged/internal/task/scheduler"
	kit "engaged/internal/transport"
	"engaged/internal/transport/console"
	"engaged/internal/transport/telegram"
	logx "engaged/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	api     *api.Service

	tracker *engage.Tracker
	manager *engage.Manager

	settings atomic.Pointer[sendSettings]
}

// NewApp loads the config at cfgPath and wires every service. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	st, _ := mapSendSettings(cfg)
	a.settings.Store(&st)

	sc, _ := mapStorageConfig(cfg)
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	a.adapter, err = newAdapter(cfg, log)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")), a.bus)

	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, a.adapter, log.With(logx.String("comp", "notifier")), a.bus, a.store)

	a.tracker = engage.NewTracker(a.store,
		cronRuntime{s: a.sched, settings: &a.settings},
		newSender(a.notif, &a.settings, time.Now, true),
		engage.TrackerOptions{Log: log, Bus: a.bus, Location: a.sched.Location},
	)
	a.manager = engage.NewManager(a.store, a.tracker,
		newSender(a.notif, &a.settings, time.Now, false),
		engage.ManagerOptions{Log: log, Bus: a.bus, Previewer: rulePreviewer{s: a.sched}},
	)

	apiCfg, _ := mapAPIConfig(cfg)
	a.api = api.New(apiCfg, api.Deps{
		Engage:    a.manager,
		Schedules: a.sched,
		Status:    func() any { return a.Status() },
	}, log)

	return a, nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (kit.Adapter, error) {
	switch d := transportDriver(cfg); d {
	case "telegram":
		timeout, err := config.ParseDurationField("transport.timeout", cfg.Transport.Timeout)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:   cfg.Transport.Token,
			APIURL:  cfg.Transport.APIURL,
			Timeout: timeout,
		}, log.With(logx.String("comp", "transport.telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram transport: %w", err)
		}
		return ad, nil
	case "console":
		return console.New(log), nil
	default:
		return nil, fmt.Errorf("unknown transport driver %q", d)
	}
}

// Engage returns the message manager.
func (a *App) Engage() *engage.Manager { return a.manager }

// Tracker returns the schedule registry.
func (a *App) Tracker() *engage.Tracker { return a.tracker }

// API returns the admin HTTP service.
func (a *App) API() *api.Service { return a.api }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Status is the /status payload.
type Status struct {
	Registry    int                       `json:"registry"`
	Scheduler   scheduler.Snapshot        `json:"scheduler"`
	Notifier    notifier.Snapshot         `json:"notifier"`
	Transport   string                    `json:"transport"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
}

func (a *App) Status() Status {
	out := Status{
		Registry:    a.tracker.Len(),
		Scheduler:   a.sched.Snapshot(),
		Notifier:    a.notif.Snapshot(),
		Transport:   a.adapter.Name(),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":        a.sup,
		"taskengine": a.engine.Supervisor(),
		"notifier":   a.notif.Supervisor(),
		"api":        a.api.Supervisor(),
	} {
		if sup != nil {
			out.Supervisors[name] = sup.Snapshot()
		}
	}
	return out
}

// Start runs the services, registers every live auto message, and begins
// watching the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	if a.engine.Enabled() {
		a.engine.Start(c)
	}
	if a.sched.Enabled() {
		a.sched.Start(c)
	}

	n, err := a.tracker.Bootstrap(c)
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("bootstrap engage schedules: %w", err)
	}
	a.log.Info("engage schedules registered", logx.Int("count", n))

	if a.api.Enabled() {
		a.api.Start(c)
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

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
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("transport", a.adapter.Name()),
		logx.String("tz", a.sched.Location().String()),
		logx.Bool("api", a.api.Enabled()),
	)
	return nil
}

// applyConfig pushes a committed config into the running services.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if slices.Contains(sections, "storage") || slices.Contains(sections, "transport") {
		a.log.Warn("storage or transport config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	if st, err := mapSendSettings(next); err == nil {
		a.settings.Store(&st)
	}

	prevSched, prevEng := a.sched.Enabled(), a.engine.Enabled()
	if ec, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, ec)
	}
	tzChanged := a.sched.Apply(mapSchedulerConfig(next))
	newSched, newEng := a.sched.Enabled(), a.engine.Enabled()

	if prevSched && !newSched {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !newEng {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && newEng {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSched && newSched {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}
	// Rules carry wall-clock hours from the stored time; a new zone means
	// recompiling every rule.
	if tzChanged {
		n, err := a.tracker.Reload(c)
		if err != nil {
			a.log.Warn("engage reload after timezone change failed", logx.Err(err))
		} else {
			a.log.Info("engage schedules re-registered", logx.String("tz", a.sched.Location().String()), logx.Int("count", n))
		}
	}

	if nc, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case was && !nc.Enabled:
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && nc.Enabled:
			a.notif.Start(c)
		}
	}

	if ac, err := mapAPIConfig(next); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(c, ac)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	// step bounds one shutdown step by max without extending ctx.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("engage", time.Second, func(context.Context) error { a.tracker.Close(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
