// Package app wires the service mode together: config manager, logging,
// state store, reconciler, scheduler, IPC server and notifier, plus the
// systemd readiness handshake.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	"cddns/internal/config"
	"cddns/internal/ddns"
	"cddns/internal/ip"
	"cddns/internal/ipc"
	"cddns/internal/notifier"
	"cddns/internal/provider"
	"cddns/internal/scheduler"
	"cddns/internal/state"
	"cddns/pkg/logx"
)

const stopTimeout = 30 * time.Second

type App struct {
	cfgm  *config.Manager
	logs  *logx.Service
	log   logx.Logger
	store *state.Store
	srv   *ipc.Server
	sched *scheduler.Scheduler
	notif *notifier.Notifier

	httpClient *http.Client

	// recon and records are swapped whole on config reload; tick reads
	// them under mu so an in-flight tick keeps a consistent pair.
	mu      sync.Mutex
	recon   *ddns.Reconciler
	records []config.Record

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New loads and validates the config and builds everything up to, but
// not including, the listening socket. Errors here are fatal startup
// errors for the caller to exit on.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:       cfgm,
		logs:       logs,
		log:        log,
		store:      state.New(0),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		stopCh:     make(chan struct{}),
	}
	if err := a.applyConfig(cfg); err != nil {
		return nil, err
	}

	a.store.SetSchedule(cfg.Service.Cron)
	a.store.SetDryRun(cfg.Service.DryRun)
	return a, nil
}

// Run drives the service until a signal arrives or an IPC stop request
// is received, then tears down in reverse order.
func (a *App) Run(ctx context.Context) error {
	defer a.logs.Close()

	cfg := a.cfgm.Get()

	srv, err := ipc.Listen(ipc.SocketPath(), a.store, a.triggerNow, a.requestStop,
		a.log.With(logx.String("comp", "ipc")))
	if err != nil {
		return err
	}
	a.srv = srv
	a.logs.SetBroadcaster(srv)

	sched, err := scheduler.New(cfg.Service.Cron, a.tick, scheduler.Options{
		RunOnStart: cfg.Service.RunOnStart == nil || *cfg.Service.RunOnStart,
		OnNextRun:  a.store.SetNextRun,
	}, a.log.With(logx.String("comp", "scheduler")))
	if err != nil {
		srv.Close()
		return err
	}
	a.sched = sched

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			a.log.Error("ipc serve failed", logx.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.cfgm.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	cfgCh := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(cfgCh)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reloadLoop(ctx, cfgCh)
	}()

	if cfg.Notify.Telegram.Enabled {
		n, err := notifier.New(cfg.Notify.Telegram, a.store,
			a.log.With(logx.String("comp", "notifier")))
		if err != nil {
			a.log.Warn("telegram notifier disabled", logx.Err(err))
		} else {
			a.notif = n
			wg.Add(1)
			go func() {
				defer wg.Done()
				n.Run(ctx)
			}()
		}
	}

	sched.Start(ctx)
	a.log.Info("service started",
		logx.String("socket", srv.Path()),
		logx.String("cron", cfg.Service.Cron),
		logx.Bool("dry_run", cfg.Service.DryRun))
	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyReady)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.log.Info("signal received", logx.String("signal", sig.String()))
	case <-a.stopCh:
		a.log.Info("stop requested over ipc")
	case <-ctx.Done():
	}

	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)
	a.store.SetStatus(state.StatusStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		a.log.Warn("scheduler stop timed out", logx.Err(err))
	}

	cancel()
	if a.notif != nil {
		a.notif.Close()
	}
	if err := srv.Close(); err != nil {
		a.log.Warn("ipc close failed", logx.Err(err))
	}
	wg.Wait()

	a.store.SetStatus(state.StatusStopped)
	a.log.Info("service stopped")
	return nil
}

// tick runs one reconciliation against the currently committed config.
func (a *App) tick(ctx context.Context) error {
	a.mu.Lock()
	recon := a.recon
	records := a.records
	a.mu.Unlock()

	a.store.Begin()
	results := recon.Reconcile(ctx, records)
	a.store.Publish(results)

	var failed int
	for _, r := range results {
		if r.Action == ddns.ActionFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed", failed, len(results))
	}
	return nil
}

func (a *App) triggerNow() {
	if a.sched != nil {
		a.sched.TriggerNow()
	}
}

func (a *App) requestStop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// applyConfig rebuilds the detector/provider/reconciler trio from a
// committed config.
func (a *App) applyConfig(cfg *config.Config) error {
	det, err := ip.FromSettings(cfg.Settings, a.httpClient)
	if err != nil {
		return err
	}
	prov, err := provider.NewCloudflare(cfg.Cloudflare.APIToken)
	if err != nil {
		return err
	}
	detectTimeout, err := config.ParseDurationOrDefault("settings.detect_timeout", cfg.Settings.DetectTimeout, 0)
	if err != nil {
		return err
	}
	providerTimeout, err := config.ParseDurationOrDefault("settings.provider_timeout", cfg.Settings.ProviderTimeout, 0)
	if err != nil {
		return err
	}
	recon := ddns.New(det, prov, ddns.Options{
		DryRun:          cfg.Service.DryRun,
		DetectTimeout:   detectTimeout,
		ProviderTimeout: providerTimeout,
	}, a.log.With(logx.String("comp", "ddns")))

	a.mu.Lock()
	a.recon = recon
	a.records = cfg.Records
	a.mu.Unlock()
	return nil
}

// reloadLoop applies committed config changes while the service runs.
// A changed cron expression needs a restart; everything else takes
// effect on the next tick.
func (a *App) reloadLoop(ctx context.Context, ch chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			if err := a.applyConfig(cfg); err != nil {
				a.log.Error("config reload not applied", logx.Err(err))
				continue
			}
			a.logs.Apply(logConfig(cfg.Logging))
			a.store.SetDryRun(cfg.Service.DryRun)
			if a.sched != nil && cfg.Service.Cron != a.sched.Expr() {
				a.log.Warn("cron change requires a service restart",
					logx.String("active", a.sched.Expr()),
					logx.String("configured", cfg.Service.Cron))
			}
			a.log.Info("config reloaded", logx.Int("records", len(cfg.Records)))
		}
	}
}

func logConfig(lc config.LoggingConfig) logx.Config {
	console := lc.Console == nil || *lc.Console
	return logx.Config{
		Level:   lc.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}
