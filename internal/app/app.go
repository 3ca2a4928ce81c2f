// Package app wires the bot together and runs it.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"drawbot/internal/announce"
	"drawbot/internal/commands"
	"drawbot/internal/config"
	"drawbot/internal/pool"
	rtsup "drawbot/internal/runtime/supervisor"
	"drawbot/internal/scheduler"
	"drawbot/internal/storage"
	"drawbot/internal/transport"
	telegram "drawbot/internal/transport/telegram/adapter"
	logx "drawbot/pkg/logx"
	"drawbot/pkg/systemd"
)

type App struct {
	cfgm    *config.Manager
	baseDir string
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter transport.Adapter

	pools    *pool.Provider
	sched    *scheduler.Service
	announce *announce.Service
	router   *commands.Router

	updates chan transport.Update
}

// openStore is swapped in tests to observe the store lifecycle.
var openStore = storage.Open

type Option func(*options)

type options struct {
	adapter transport.Adapter
	now     func() time.Time
}

// WithAdapter replaces the Telegram adapter (tests, alternative transports).
func WithAdapter(ad transport.Adapter) Option { return func(o *options) { o.adapter = ad } }

// WithClock overrides time.Now for the draw services.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg, config.ValidateOptions{RequireToken: o.adapter == nil}); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	baseDir := filepath.Dir(cfgPath)

	ad := o.adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		ad = tg
	}

	// Apply with chat logging off first, then set the target and enable it,
	// so the first Apply does not warn about a missing chat.
	logCfg := mapLogConfig(cfg)
	boot := logCfg
	boot.Telegram.Enabled = false
	logSvc, log := logx.New(boot, ad)
	setLogTarget(logSvc, cfg)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg, baseDir); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := openStore(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	pools := pool.New(log.With(logx.String("comp", "pool")))
	pools.Apply(cfg, baseDir)

	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "scheduler")))

	ann := announce.New(ad, pools, sched, log.With(logx.String("comp", "announce")),
		announce.WithStore(store), announce.WithClock(o.now))
	if err := ann.Apply(cfg); err != nil {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	router := commands.NewRouter(ad, log.With(logx.String("comp", "commands")))
	router.SetOwners(cfg.Telegram.OwnerUserIDs)
	if store != nil {
		router.Use(commands.MWAudit(store))
	}
	commands.Register(router, &commands.Services{
		Pools:    pools,
		Store:    store,
		Poster:   ann,
		Triggers: sched,
		Now:      o.now,
	})

	return &App{
		cfgm:     cfgm,
		baseDir:  baseDir,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		pools:    pools,
		sched:    sched,
		announce: ann,
		router:   router,
		updates:  make(chan transport.Update, 256),
	}, nil
}

func setLogTarget(logs *logx.Service, cfg *config.Config) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		logs.SetTelegramTarget(0, 0)
		return
	}
	if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		logs.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
}

// Done is closed when the app supervisor context is canceled.
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

// Scheduler exposes the trigger service.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Announcer exposes the posting service.
func (a *App) Announcer() *announce.Service { return a.announce }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg, config.ValidateOptions{}); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(cfg, a.baseDir)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
		})
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, last, cfg)
				last = cfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.log.With(logx.String("comp", "systemd")))
	})
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	a.notifyStatus(fmt.Sprintf("running, %d schedules", len(a.pools.List())))

	a.log.Info("app started", logx.Int("schedules", len(a.pools.List())), logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

func (a *App) notifyStatus(msg string) {
	if _, err := systemd.Status(msg); err != nil {
		a.log.Warn("systemd status failed", logx.Err(err))
	}
}

// applyConfig fans a committed reload out to every component.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, fields, schedules := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		a.notifyStatus(fmt.Sprintf("reloaded (no changes), %d schedules", len(a.pools.List())))
		return
	}
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "telegram.token":
			a.log.Warn("telegram token changed; restart required for changes to take effect")
		}
	}

	setLogTarget(a.logs, cfg)
	a.logs.Apply(mapLogConfig(cfg))
	a.router.SetOwners(cfg.Telegram.OwnerUserIDs)

	wasEnabled := a.sched.Enabled()
	a.sched.Apply(scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone})
	switch {
	case wasEnabled && !cfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && cfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.pools.Apply(cfg, a.baseDir)
	if err := a.announce.Apply(cfg); err != nil {
		a.log.Warn("some post triggers were not registered", logx.Err(err))
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	if len(schedules) > 0 {
		fields = append(fields, logx.Strs("schedules", schedules))
	}
	a.log.Info("config reloaded", fields...)
	a.notifyStatus(fmt.Sprintf("reloaded (%s), %d schedules", strings.Join(sections, ","), len(a.pools.List())))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()
	a.sup.Cancel()

	// step runs one shutdown step bounded by max, never extending ctx.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
