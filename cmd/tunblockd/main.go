package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/clock"
	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/config"
	"github.com/haukened/tunblock/internal/dns/gateways/admin"
	"github.com/haukened/tunblock/internal/dns/gateways/fetch"
	"github.com/haukened/tunblock/internal/dns/gateways/hostdns"
	"github.com/haukened/tunblock/internal/dns/gateways/netmon"
	"github.com/haukened/tunblock/internal/dns/gateways/tun"
	"github.com/haukened/tunblock/internal/dns/gateways/upstream"
	"github.com/haukened/tunblock/internal/dns/repos/blocklist"
	"github.com/haukened/tunblock/internal/dns/repos/blocklist/bloom"
	"github.com/haukened/tunblock/internal/dns/repos/grants"
	"github.com/haukened/tunblock/internal/dns/repos/rulecache"
	"github.com/haukened/tunblock/internal/dns/services/session"
	"github.com/haukened/tunblock/internal/dns/services/updater"
)

const (
	// Version information
	version = "0.1.0-dev"
	appName = "tunblockd"

	defaultUpstreamTimeout = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// openDevice creates the tunnel interface. Replaced in tests.
var openDevice session.DeviceFactory = func(cfg tun.Config) (session.Device, error) {
	dev, err := tun.Open(cfg)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// newMonitor builds the route monitor feeding the session. Replaced in tests.
var newMonitor = func(l netmon.Listener, logger log.Logger) (*netmon.Monitor, error) {
	return netmon.New(netmon.Options{Listener: l, Logger: logger})
}

// newHostDNS picks how the host resolver follows the tunnel. Replaced in tests.
var newHostDNS = hostdns.New

// Application holds all the components of the daemon.
type Application struct {
	config  *config.AppConfig
	rules   *blocklist.Database
	grants  *grants.Store
	updater *updater.Updater
	session *session.Manager
	admin   *admin.Server
	monitor *netmon.Monitor
	logger  log.Logger
}

func main() {
	// Load configuration from file and environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	err = log.Configure(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		os.Exit(1)
	}

	log.Info(map[string]any{
		"version":    version,
		"env":        cfg.Env,
		"log_level":  cfg.LogLevel,
		"tun_name":   cfg.TunName,
		"ipv6":       cfg.IPv6,
		"watchdog":   cfg.Watchdog,
		"upstream":   cfg.Upstream,
		"rule_lists": len(cfg.Rules),
		"admin_addr": cfg.AdminAddr,
	}, "Starting "+appName)

	app, err := buildApplication(cfg)
	if err != nil {
		log.Fatal(map[string]any{"error": err}, "Failed to build application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info(map[string]any{"signal": sig.String()}, "Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatal(map[string]any{"error": err}, "Daemon failed")
	}

	log.Info(nil, appName+" stopped gracefully")
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig) (*Application, error) {
	clk := clock.RealClock{}
	logger := log.GetLogger()

	rules := blocklist.New(blocklist.Options{
		Bloom:  bloom.NewFactory(),
		Clock:  clk,
		Logger: logger,
	})

	cache, err := rulecache.New(cfg.CacheDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule cache: %w", err)
	}

	store, err := grants.Open(cfg.StateDB, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to open grant store: %w", err)
	}

	updates := admin.NewUpdateLog(clk, logger)
	upd, err := updater.New(updater.Options{
		Entries:  cfg.RuleEntries(),
		Fetcher:  fetch.New(fetch.Options{UserAgent: appName + "/" + version}),
		Cache:    cache,
		Database: rules,
		Grants:   store,
		Errors:   updates,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create updater: %w", err)
	}

	hostDNS, err := newHostDNS(cfg.DNSMode, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to set up host dns: %w", err)
	}
	resolvers := &session.ResolverSource{
		Configured: cfg.UpstreamAddrs(),
		IPv6:       cfg.IPv6,
	}
	var sessionDNS session.HostDNS
	if hostDNS != nil {
		resolvers.ResolvConf = hostDNS.UpstreamResolvConf()
		sessionDNS = hostDNS
	}

	mgr, err := session.New(session.Options{
		Devices: openDevice,
		Apps: &session.UserSelector{
			Allowed:    cfg.AllowedApps,
			Disallowed: cfg.DisallowedApps,
		},
		Upstreams: resolvers,
		Rules:     upd,
		Blocklist: rules,
		Exchanger: upstream.NewExchanger(upstream.Options{
			Timeout: defaultUpstreamTimeout,
			FwMark:  int(cfg.FwMark),
		}),
		HostDNS: sessionDNS,
		Clock:   clk,
		Logger:  logger,
		Tunnel: tun.Config{
			Name:   cfg.TunName,
			MTU:    cfg.TunMTU,
			Table:  cfg.RouteTable,
			FwMark: cfg.FwMark,
		},
		IPv6:       cfg.IPv6,
		Watchdog:   cfg.Watchdog,
		MaxWorkers: cfg.MaxWorkers,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	monitor, err := newMonitor(mgr, logger)
	if err != nil {
		// without a monitor the session still reconnects through its backoff
		log.Warn(map[string]any{"error": err}, "Network monitoring disabled")
		monitor = nil
	}

	return &Application{
		config:  cfg,
		rules:   rules,
		grants:  store,
		updater: upd,
		session: mgr,
		admin: admin.New(admin.Options{
			Status:    mgr,
			Rules:     rules,
			Grants:    store,
			Refresher: upd,
			Updates:   updates,
			Logger:    logger,
		}),
		monitor: monitor,
		logger:  logger,
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := app.session.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.drainStatuses(runCtx)
	}()
	go func() {
		defer wg.Done()
		if err := app.updater.Trigger(runCtx); err != nil {
			app.logger.Warn(map[string]any{"error": err}, "Initial rule list update not started")
		}
		app.updater.Schedule(runCtx, app.config.UpdateInterval)
	}()

	if app.config.AdminAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.admin.ListenAndServe(runCtx, app.config.AdminAddr); err != nil {
				app.logger.Error(map[string]any{"error": err}, "Admin server failed")
			}
		}()
	}
	if app.monitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.monitor.Run(runCtx); err != nil {
				app.logger.Warn(map[string]any{"error": err}, "Network monitor stopped")
			}
		}()
	}

	log.Info(map[string]any{"tun_name": app.config.TunName}, "Daemon started")

	<-ctx.Done()
	log.Info(nil, "Shutdown initiated")

	var errs []error
	if err := app.session.Stop(defaultShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	cancel()
	wg.Wait()
	app.updater.Wait()
	if err := app.grants.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close grant store: %w", err))
	}
	return errors.Join(errs...)
}

// drainStatuses consumes the session's status stream until ctx ends.
func (app *Application) drainStatuses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-app.session.Statuses():
			fields := map[string]any{"status": ev.Status.String(), "at": ev.At}
			if ev.Err != nil {
				fields["error"] = ev.Err
			}
			app.logger.Debug(fields, "Status event")
		}
	}
}
