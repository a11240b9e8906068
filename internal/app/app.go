// Package app wires config, logging, transport, scheduler, storage and
// plugins into a running bot.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"serialbot/internal/config"
	"serialbot/internal/eventbus"
	"serialbot/internal/plugin"
	rtsup "serialbot/internal/runtime/supervisor"
	"serialbot/internal/scheduler"
	"serialbot/internal/storage"
	kit "serialbot/internal/transport"
	telegram "serialbot/internal/transport/telegram/adapter"
	"serialbot/internal/transport/telegram/router"
	logx "serialbot/pkg/logx"
	"serialbot/pkg/systemd"
)

type App struct {
	version   string
	startedAt time.Time

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	sched   *scheduler.Service
	cmdm    *router.CommandManager
	pm      *plugin.Manager
	sd      *systemd.Notifier

	updates chan kit.Update
}

// registry appends the core commands to whatever the plugins provide.
type registry struct {
	next plugin.Registry
	core []router.Command
}

func (r *registry) SetRegistry(cmds []router.Command) {
	r.next.SetRegistry(append(slices.Clone(cmds), r.core...))
}

func NewApp(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("info").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply does not warn about a
	// missing target; the target is set first, then the final config applied.
	logSvc, log := logx.New(mapLogConfig(cfg, false), ad)
	if chatID, _ := config.ParseGroupLog(cfg.Telegram.GroupLog); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(mapLogConfig(cfg, cfg.Logging.Telegram.Enabled))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs, mapRouterOptions(cfg))

	a := &App{
		version: version,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sched:   sched,
		cmdm:    cmdm,
		sd:      systemd.New(log),
		updates: make(chan kit.Update, 256),
	}
	reg := &registry{next: cmdm, core: []router.Command{a.healthCommand()}}
	a.pm = plugin.NewManager(log, plugin.Deps{
		Logger:    log,
		Adapter:   ad,
		Bus:       bus,
		Store:     store,
		Scheduler: sched,
	}, reg)
	return a, nil
}

func (a *App) Plugins() *plugin.Manager { return a.pm }

// Done is closed once the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		return a.pm.ValidateConfig(c, cfg)
	})
	// plugin configs were not checked by NewApp
	if err := a.pm.ValidateConfig(ctx, a.cfgm.Get()); err != nil {
		return err
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if u, ok := a.adapter.(interface{ Username() string }); ok {
		a.cmdm.SetBotName(u.Username())
	}

	a.sched.Start(a.sup.Context())
	a.pm.StartAll(a.sup.Context(), a.cfgm.Get())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.drain", func(c context.Context) {
		defer unsub()
		drainEvents(c, events, a.store, a.log.With(logx.String("comp", "events")))
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
				// keep only the newest of a burst
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
				a.reload(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.Ready()
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
	})

	a.log.Info("app started", logx.String("version", a.version))
	return nil
}

// reload applies a committed config to the live components.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs, pluginChanged := config.SummarizeConfigChange(prev, next)
	if len(pluginChanged) > 0 {
		a.log.Debug("plugin config changes detected", logx.Strs("plugins", pluginChanged))
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		a.log.Warn("telegram connection config changed; restart required for changes to take effect")
	}

	chatID, _ := config.ParseGroupLog(next.Telegram.GroupLog)
	a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next, next.Logging.Telegram.Enabled))

	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)
	a.cmdm.SetRateLimit(next.Router.RatePerSec, next.Router.Burst)

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	a.pm.OnConfigUpdate(ctx, next)

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sd.Stopping()
	a.sup.Cancel()

	// each step is bounded by max and by ctx's deadline
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("plugins", 4*time.Second, func(c context.Context) error { a.pm.StopAll(c); return nil })
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
