package app

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"joinbot/internal/config"
	"joinbot/internal/egress"
	"joinbot/internal/eventbus"
	"joinbot/internal/identity"
	"joinbot/internal/join"
	"joinbot/internal/linkqueue"
	"joinbot/internal/notify"
	"joinbot/internal/runtime/supervisor"
	"joinbot/internal/storage"
	"joinbot/internal/task"
	kit "joinbot/internal/transport"
	telegram "joinbot/internal/transport/telegram/adapter"
	"joinbot/internal/transport/telegram/router"
	logx "joinbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clk   clock.Clock

	adapter *telegram.Adapter
	rotator *egress.Rotator
	pool    *identity.Pool
	queue   *linkqueue.Queue
	exec    *join.Executor
	fwd     *notify.Forwarder
	opts    task.Options
	reset   *cron.Cron

	tasks  *task.Registry
	router *router.Router

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.ParseDurationOrDefault(cfg.Telegram.PollTimeout, 10*time.Second),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	sc := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		clk:     clock.New(),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires the domain components that depend only on config and store.
func (a *App) build() error {
	cfg := a.cfg
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eps, err := loadEgress(ctx, cfg, a.store, a.log.With(logx.String("comp", "egress")))
	if err != nil {
		return err
	}
	a.rotator = egress.NewRotator(eps, a.log.With(logx.String("comp", "egress")))
	a.log.Info("egress pool loaded", logx.Int("proxies", len(eps)))

	client, err := newClient(cfg, a.log.With(logx.String("comp", "client")))
	if err != nil {
		return err
	}
	a.pool = identity.NewPool(a.store, a.clk, a.log.With(logx.String("comp", "identity")))
	a.queue = linkqueue.New(a.store, a.log.With(logx.String("comp", "linkqueue")))
	a.exec = join.NewExecutor(client, identity.StoreCredentials{}, a.log.With(logx.String("comp", "join")))

	if a.opts, err = mapTaskOptions(cfg); err != nil {
		return err
	}
	a.fwd = notify.NewForwarder(notify.Config{
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		Progress:   cfg.Notifier.Progress,
	}, a.bus, notify.SenderFunc(a.adapter.Notify), a.log.With(logx.String("comp", "notifier")))

	a.reset, err = newDayReset(cfg.DayReset(), a.opts.Location, a.pool, 30*time.Second, a.log.With(logx.String("comp", "dayreset")))
	return err
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.tasks = task.NewRegistry(a.sup.Context(), task.Deps{
		Store:    a.store,
		Pool:     a.pool,
		Queue:    a.queue,
		Rotator:  a.rotator,
		Executor: a.exec,
		Sink:     notify.BusSink{Bus: a.bus},
		Clock:    a.clk,
		Log:      a.log.With(logx.String("comp", "task")),
		Defaults: a.cfg.DefaultSettings(0),
		Options:  a.opts,
	})
	a.router = router.New(a.adapter, a.cfg.Telegram.OwnerUserIDs, router.Deps{
		Tasks:       a.tasks,
		Queue:       a.queue,
		Store:       a.store,
		Pool:        a.pool,
		Verify:      a.exec.Verify,
		Rotator:     a.rotator,
		Clock:       a.clk,
		Location:    a.opts.Location,
		ProxyScheme: proxyScheme(a.cfg),
		ProxyFile:   a.cfg.Egress.File,
		Defaults:    a.cfg.DefaultSettings(0),
	}, a.log.With(logx.String("comp", "router")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	menuCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, a.router.BotCommands()); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}
	cancel()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("notify.forward", a.fwd.Run)

	a.reset.Start()
	a.log.Info("daily reset scheduled", logx.String("spec", a.cfg.DayReset()), logx.String("tz", a.opts.Location.String()))

	if path := a.cfg.Egress.File; path != "" && a.cfg.Egress.Watch {
		scheme := proxyScheme(a.cfg)
		a.sup.GoRestart("egress.watch", func(c context.Context) error {
			return a.rotator.Watch(c, path, scheme)
		}, time.Second, 30*time.Second)
	}

	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})

	a.log.Info("joinbot started", logx.Int("owners", len(a.cfg.Telegram.OwnerUserIDs)))
	return nil
}

// applyConfig hot-applies logging. Other sections take effect on restart.
func (a *App) applyConfig(old, newCfg *config.Config) {
	a.logs.Apply(mapLogConfig(newCfg))
	for _, s := range restartSections(old, newCfg) {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	var errs []error

	if a.tasks != nil {
		if err := a.tasks.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.reset != nil {
		select {
		case <-a.reset.Stop().Done():
		case <-ctx.Done():
		}
	}
	if a.adapter != nil {
		if err := a.adapter.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
