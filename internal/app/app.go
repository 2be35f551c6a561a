// Package app wires configuration, storage, the Telegram transport and the
// upload scheduler into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lecturebot/internal/admin"
	"lecturebot/internal/catalog"
	"lecturebot/internal/config"
	"lecturebot/internal/delivery"
	"lecturebot/internal/eventbus"
	"lecturebot/internal/ledger"
	"lecturebot/internal/media"
	rtsup "lecturebot/internal/runtime/supervisor"
	"lecturebot/internal/storage"
	kit "lecturebot/internal/transport"
	telegram "lecturebot/internal/transport/telegram/adapter"
	"lecturebot/internal/transport/telegram/router"
	"lecturebot/internal/uploader"
	logx "lecturebot/pkg/logx"
)

const metricsNamespace = "lecturebot"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter  *telegram.Adapter
	uploader *uploader.Service
	admin    *admin.Service
	cmdm     *router.CommandManager

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	tgCfg, _ := mapTelegramConfig(cfg)
	ad, err := telegram.New(tgCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logCfg, _ := mapLoggingConfig(cfg)
	logSvc, root := logx.New(logCfg, ad)
	log := root.With(logx.String("comp", "app"))

	storeCfg, _ := mapStorageConfig(cfg)
	store, err := storage.Open(storeCfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storeCfg.Driver), logx.String("path", storeCfg.Path))

	// Everything after this point must release the store on failure.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	octx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	led, err := ledger.Open(octx, store, ledger.WithLogger(root.With(logx.String("comp", "ledger"))))
	cancel()
	if err != nil {
		return fail(fmt.Errorf("open ledger: %w", err))
	}

	catCfg, trCfg, _ := mapCatalogConfig(cfg)
	cat := catalog.New(catCfg, root)
	tr := catalog.NewTranscoder(trCfg, root)

	dlCfg, _ := mapDownloaderConfig(cfg)
	fetcher := media.New(dlCfg, root)
	if err := fetcher.Check(); err != nil {
		log.Warn("video delivery will fail until the downloader is installed", logx.Err(err))
	}
	sink := delivery.New(ad, fetcher, delivery.Config{UploadTimeout: tgCfg.UploadTimeout}, root)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := uploader.NewMetrics(metricsNamespace, reg)
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()
	upCfg, _ := mapUploaderConfig(cfg)
	up := uploader.New(upCfg, uploader.Deps{
		Batches:  store,
		Catalog:  cat,
		Resolver: tr,
		Sink:     sink,
		Ledger:   led,
		Bus:      bus,
		Metrics:  metrics,
	}, root)

	adminCfg, _ := mapAdminConfig(cfg)
	adm := admin.New(adminCfg, admin.Deps{
		Store:    store,
		Verifier: cat,
		Tasks:    up,
		Ledger:   led,
		Gatherer: reg,
	}, root)

	cmdm := router.NewCommandManager(root, ad, cfg.Telegram.OwnerUserIDs)
	cmdm.Register(router.Builtins(router.Deps{
		Batches: admin.NewOps(store, cat, up, root),
		Tasks:   up,
		Ledger:  led,
		Started: time.Now(),
	})...)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		uploader: up,
		admin:    adm,
		cmdm:     cmdm,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		a.cmdm.PublishMenu(c, a.adapter)
	})

	if err := a.uploader.Start(runCtx); err != nil {
		return err
	}
	n, err := a.uploader.StartActive(runCtx)
	if err != nil {
		// The reconcile job retries; a storage hiccup at boot is not fatal.
		a.log.Warn("could not start active batches", logx.Err(err))
	} else {
		a.log.Info("upload tasks started", logx.Int("tasks", n))
	}

	a.admin.Start(runCtx)

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
				a.applyConfig(last, next)
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

// applyConfig applies the live sections of a reloaded config and flags the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if logCfg, err := mapLoggingConfig(next); err == nil {
		a.logs.Apply(logCfg)
	}
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
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
	// step bounds one shutdown stage so a stuck component cannot stall the rest.
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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("uploader", uploader.DefaultStopTimeout, a.uploader.Stop)
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// Check validates the config file and the external downloader without
// starting anything.
func Check(cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var errs []error
	if err := Validate(cfg); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if dl, err := mapDownloaderConfig(cfg); err == nil {
		if err := media.New(dl, logx.Nop()).Check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
