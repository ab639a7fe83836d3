// Package app wires the daemon: config, logging, store, provider, the
// delivery pipeline, scheduling and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chatpush/internal/config"
	"chatpush/internal/dispatch"
	"chatpush/internal/eventbus"
	"chatpush/internal/httpapi"
	"chatpush/internal/push"
	"chatpush/internal/reconcile"
	"chatpush/internal/runtime/supervisor"
	"chatpush/internal/storage"
	"chatpush/internal/task/scheduler"
	"chatpush/internal/tokens"
	logx "chatpush/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store      storage.Store
	tokens     *tokens.Service
	provider   *push.LimitedProvider
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Job
	sched      *scheduler.Service
	http       *httpapi.Server
}

// New loads cfgPath (after .env overrides) and builds every component.
// Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	config.LoadDotEnv()

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logConfig(cfg), alertSender(cfg))
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", cfg.Storage.Driver))

	bus := eventbus.New()
	tok := tokens.New(store, log.With(logx.String("comp", "tokens")), tokens.Options{
		MaxEndpoints: cfg.Storage.MaxEndpoints,
		CASRetries:   cfg.Storage.CASRetries,
		Bus:          bus,
	})

	base, err := newProvider(ctx, cfg.Provider, log.With(logx.String("comp", "provider")))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	provider := push.Limited(base, cfg.Provider.RatePerSec, cfg.Provider.TimeoutOrDefault())
	appLog.Info("provider ready", logx.String("driver", provider.Name()))

	disp := dispatch.New(tok, provider, log.With(logx.String("comp", "dispatch")), dispatch.Options{
		MaxParallel: cfg.Dispatcher.MaxParallel,
		Bus:         bus,
	})
	rec := reconcile.New(tok, provider, log.With(logx.String("comp", "reconcile")), reconcile.Options{
		Concurrency: cfg.Reconcile.Concurrency,
		Bus:         bus,
	})
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Reconcile.Timezone}, log.With(logx.String("comp", "scheduler")))

	srv := httpapi.New(httpapi.Config{
		Addr:             cfg.HTTP.Addr,
		JWTSecret:        cfg.HTTP.JWTSecret,
		InternalToken:    cfg.HTTP.InternalToken,
		ReconcileTimeout: cfg.Reconcile.TimeoutOrDefault(),
	}, log.With(logx.String("comp", "http")), tok, disp, rec, sched)

	a := &App{
		cfgm:       cfgm,
		log:        appLog,
		logs:       logs,
		bus:        bus,
		store:      store,
		tokens:     tok,
		provider:   provider,
		dispatcher: disp,
		reconciler: rec,
		sched:      sched,
		http:       srv,
	}
	if err := a.applySchedule(cfg); err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

// Server exposes the HTTP surface.
func (a *App) Server() *httpapi.Server { return a.http }

// Done is closed when the supervisor context ends (fatal error or Stop).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// A listener that keeps failing (port taken) is fatal after a few tries.
	a.sup.GoRestart("http", a.http.Serve,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithMaxRestarts(5),
	)
	a.sched.Start(a.sup.Context())

	cfg := a.cfgm.Get()
	if cfg.Reconcile.Enabled && cfg.Reconcile.RunOnStart {
		if _, err := a.sched.Trigger(reconcile.JobName); err != nil {
			a.log.Warn("initial reconciliation not started", logx.Err(err))
		}
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
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, time.Minute))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified", logx.String("state", "ready"))
	}
	a.log.Info("started", logx.String("addr", cfg.HTTP.Addr))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "supervisor", 10*time.Second, a.sup.Stop)

	err := a.close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// step bounds one shutdown step so a stuck component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	c, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(c)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-c.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case tokens.Evicted:
		a.log.Info("endpoint evicted",
			logx.String("user", d.UserID),
			logx.String("endpoint", d.Endpoint),
			logx.String("reason", d.Reason),
		)
	case dispatch.Report:
		a.log.Debug("event",
			logx.String("type", e.Type),
			logx.String("recipient", d.RecipientID),
			logx.Int("delivered", d.Delivered),
			logx.Int("invalid", d.Invalid),
			logx.Int("transient", d.Transient),
		)
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// applySchedule registers or removes the reconciliation schedule.
func (a *App) applySchedule(cfg *config.Config) error {
	if !cfg.Reconcile.Enabled {
		if a.sched.Remove(reconcile.JobName) {
			a.log.Info("reconciliation schedule removed")
		}
		return nil
	}
	return a.sched.AddSchedule(reconcile.JobName, cfg.Reconcile.Schedule, cfg.Reconcile.TimeoutOrDefault(), func(ctx context.Context) error {
		_, err := a.reconciler.Run(ctx)
		return err
	})
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
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
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config) {
	sections, fields := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(logConfig(next))
	a.provider.SetRate(next.Provider.RatePerSec)
	a.sched.Apply(scheduler.Config{Timezone: next.Reconcile.Timezone})
	if prev.Reconcile != next.Reconcile {
		if err := a.applySchedule(next); err != nil {
			a.log.Warn("reconciliation schedule rejected; keeping previous", logx.Err(err))
		}
	}

	fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	a.log.Info("config reloaded", fields...)
}
