// Package app wires the schedule store, the calendar resolver, the
// scheduler loop and the chat transport into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"legendalf/internal/admin"
	"legendalf/internal/calendar"
	"legendalf/internal/config"
	"legendalf/internal/dispatch"
	"legendalf/internal/eventbus"
	"legendalf/internal/notifier"
	"legendalf/internal/observability/metrics"
	"legendalf/internal/observability/ops"
	rtsup "legendalf/internal/runtime/supervisor"
	"legendalf/internal/storage"
	"legendalf/internal/task/engine"
	"legendalf/internal/task/scheduler"
	"legendalf/internal/transport"
	"legendalf/internal/transport/telegram/adapter"
	"legendalf/internal/transport/telegram/router"
	logx "legendalf/pkg/logx"
	"legendalf/pkg/sdnotify"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	loc  *time.Location
	fs   afero.Fs

	store storage.Store
	// storeErr is set when the store failed its integrity check. The process
	// then runs degraded: reports only, no scheduling and no commands.
	storeErr error

	adapter *adapter.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	disp    *dispatch.Dispatcher
	notif   *notifier.Service
	admin   *admin.Service
	router  *router.Router
	metrics *metrics.Metrics
	ops     *ops.Service
	sd      *sdnotify.Notifier

	grace   atomic.Int64 // engine drain bound on shutdown, nanoseconds
	updates chan transport.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()
	fsys := afero.NewOsFs()

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		loc:     loc,
		fs:      fsys,
		adapter: ad,
		sd:      sdnotify.New(log),
		updates: make(chan transport.Update, 256),
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	switch {
	case errors.Is(err, storage.ErrStoreCorrupt):
		log.Error("store failed integrity check; scheduling disabled", logx.String("driver", sc.Driver), logx.Err(err))
		a.storeErr = err
	case err != nil:
		return nil, err
	default:
		a.store = st
		log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	a.metrics = metrics.New()
	a.metrics.MustRegister(metrics.QueueGauges(func() (int, int) {
		s := a.engine.Snapshot()
		return s.QueueLen, s.InFlight
	})...)

	hs, err := buildHolidays(cfg, fsys, log)
	if err != nil {
		return nil, err
	}
	fs, err := buildFilms(cfg, log)
	if err != nil {
		return nil, err
	}
	rps, burst := mapDispatcherRate(cfg)
	a.disp = dispatch.New(ad, dispatch.Options{
		Holidays:   hs,
		Films:      fs,
		Content:    buildContent(cfg, fsys),
		Location:   loc,
		RatePerSec: rps,
		Burst:      burst,
		Retries:    cfg.Scheduler.DispatchRetries,
		Logger:     log,
	})

	schedCfg, grace, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.grace.Store(int64(grace))

	if a.store != nil {
		a.sched = scheduler.New(schedCfg, a.store, calendar.NewResolver(loc, hs), a.disp, a.engine,
			log.With(logx.String("comp", "scheduler")), bus,
			scheduler.WithReporter(a.notif),
			scheduler.WithObserver(a.metrics),
		)
		a.admin = admin.New(a.store, a.sched, admin.Options{
			Owners:   cfg.Telegram.OwnerUserIDs,
			Location: loc,
			Reporter: a.notif,
			Logger:   log,
			Bus:      bus,
		})
		a.router = router.New(ad, a.admin, router.Options{
			Logger:   log,
			Location: loc,
			Menu:     ad,
		})
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, a.metrics.Registry(), a.health, log)

	return a, nil
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.storeErr != nil {
		a.notif.StoreCorrupt(a.storeErr)
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}

	if path, ok := legacyPath(a.cfgm.Get()); ok && a.store != nil {
		a.importLegacy(a.sup.Context(), path)
	}

	if a.sched != nil && a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	if a.router != nil {
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.Run(c, a.updates)
		})
	} else {
		a.sup.Go0("updates.drain", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case <-a.updates:
				}
			}
		})
	}

	a.ops.Start(a.sup.Context())

	if a.bus != nil {
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
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c, a.healthy); err != nil {
			a.log.Warn("systemd watchdog unavailable", logx.Err(err))
		}
	})

	a.log.Info("app started", logx.String("timezone", a.loc.String()), logx.Bool("degraded", a.storeErr != nil))
	return nil
}

func (a *App) importLegacy(ctx context.Context, path string) {
	res, err := storage.MigrateFromLegacy(ctx, a.store, a.fs, path, storage.MigrateOptions{
		Location: a.loc,
		Logger:   a.log,
	})
	if err != nil {
		a.log.Error("legacy import failed", logx.String("path", path), logx.Err(err))
		a.notif.MigrationFailed(err)
		return
	}
	switch {
	case res.AlreadyDone:
		a.log.Debug("legacy import already done")
	case res.NoFile:
		a.log.Debug("no legacy file", logx.String("path", path))
	default:
		a.log.Info("legacy import finished",
			logx.Int("schedules", res.Schedules),
			logx.Int("grants", res.Grants),
			logx.Int("existing", res.Existing),
		)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Scheduler first: no new dispatches are enqueued while the rest unwinds.
	// The app context stays alive so in-flight dispatches can finish within
	// the grace period.
	step := a.stepper(ctx)
	step("scheduler", 2*time.Second, func(c context.Context) error {
		if a.sched != nil {
			a.sched.Stop(c)
		}
		return nil
	})
	step("taskengine", time.Duration(a.grace.Load()), func(c context.Context) error {
		a.engine.Stop(c)
		return nil
	})

	a.sup.Cancel()

	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, command router, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stepper runs each shutdown step with an upper bound so one component
// can't stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, limit time.Duration, fn func(context.Context) error) {
	return func(name string, limit time.Duration, fn func(context.Context) error) {
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
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
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
}
