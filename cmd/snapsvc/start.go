package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/snapsvc"
	"github.com/mattjoyce/snapsvc/internal/alarm"
	"github.com/mattjoyce/snapsvc/internal/api"
	"github.com/mattjoyce/snapsvc/internal/auth"
	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/config"
	"github.com/mattjoyce/snapsvc/internal/dispatch"
	"github.com/mattjoyce/snapsvc/internal/domain"
	"github.com/mattjoyce/snapsvc/internal/events"
	"github.com/mattjoyce/snapsvc/internal/foreground"
	"github.com/mattjoyce/snapsvc/internal/lock"
	"github.com/mattjoyce/snapsvc/internal/log"
	"github.com/mattjoyce/snapsvc/internal/plugin"
	"github.com/mattjoyce/snapsvc/internal/storage"
	"github.com/mattjoyce/snapsvc/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	domainName := fs.String("domain", "", "Force the domain (primary|secondary)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	classifier, err := newClassifier(cfg, *domainName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	current := classifier.Current()

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main").With("domain", current.String())
	logger.Info("snapsvc starting", "version", snapsvc.Version(), "config", cfg.SourcePath)

	pidLock, err := lock.AcquireDomain(cfg.Service.StateDir, current)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Delivery.Path)
	if err != nil {
		logger.Error("failed to open delivery store", "path", cfg.Delivery.Path, "error", err)
		return 1
	}
	defer db.Close()
	store := alarm.NewStore(db)
	logger.Info("delivery store opened", "path", cfg.Delivery.Path)

	workers, err := registerPlugins(cfg, logger)
	if err != nil {
		logger.Error("plugin registration failed", "plugins_dir", cfg.PluginsDir, "error", err)
		return 1
	}

	hub := events.NewHub(256)
	presenters := foreground.Pool(cfg.Foreground.Slots,
		foreground.NewLogPresenter(log.WithComponent("foreground")),
		events.NewPresenter(hub),
	)

	d := dispatch.New(dispatch.Options{
		Registry:             workers,
		Presenters:           presenters,
		Delivery:             store,
		ForwardDelay:         cfg.Delivery.ForwardDelay,
		Classifier:           classifier,
		Hub:                  hub,
		Logger:               log.WithComponent("dispatch"),
		KillSecondaryOnDrain: cfg.Service.KillSecondaryOnDrain,
		Terminator: func() {
			logger.Info("secondary domain drained, exiting")
			cancel()
		},
	})
	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		return 1
	}

	poller := alarm.NewPoller(store, current, cfg.Delivery.PollInterval, d.AlarmHandler(), logger)
	poller.Start(ctx)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		srv, err := api.New(apiConfig(cfg), d, hub, pluginDomains(cfg), log.WithComponent("api"))
		if err != nil {
			errCh <- err
		} else {
			go func() {
				if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("api: %w", err)
				}
			}()
			logger.Info("API server enabled", "listen", cfg.API.Listen)
		}
	}

	logger.Info("snapsvc running (press Ctrl+C to stop)")

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
		cancel()
	}

	poller.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		logger.Warn("dispatcher did not stop cleanly", "error", err)
	}

	logger.Info("snapsvc stopped")
	return code
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, fmt.Errorf("discover config: %w", err)
		}
		configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", configPath)
	}
	return config.Load(configPath)
}

// newClassifier derives the domain from the process identity, or pins it
// when domainName is set.
func newClassifier(cfg *config.Config, domainName string) (*domain.Classifier, error) {
	if domainName == "" {
		return domain.NewClassifier(domain.ProcessProbe{}, cfg.Service.ProcessSuffix), nil
	}
	d, err := component.ParseDomain(domainName)
	if err != nil {
		return nil, fmt.Errorf("invalid --domain: %w", err)
	}
	base := domain.NewClassifier(domain.Static(cfg.Service.Name), cfg.Service.ProcessSuffix)
	identity := base.IdentityFor(cfg.Service.Name, d)
	return domain.NewClassifier(domain.Static(identity), cfg.Service.ProcessSuffix), nil
}

// registerPlugins discovers plugins and registers a worker factory for every
// enabled one.
func registerPlugins(cfg *config.Config, logger *slog.Logger) (*worker.Registry, error) {
	discovered, skipped, err := plugin.Discover(cfg.PluginsDir)
	if err != nil {
		return nil, err
	}
	for _, sk := range skipped {
		logger.Warn("plugin skipped", "dir", sk.Dir, "error", sk.Err)
	}
	logger.Info("plugin discovery complete", "count", len(discovered.All()))

	enabled := plugin.NewRegistry()
	settings := make(map[string]plugin.Settings)
	for name, pc := range cfg.EnabledPlugins() {
		p, ok := discovered.Get(name)
		if !ok {
			logger.Warn("enabled plugin not found", "plugin", name)
			continue
		}
		if err := enabled.Add(p); err != nil {
			return nil, err
		}
		settings[name] = plugin.Settings{Timeout: pc.Timeout, Config: pc.Config}
		logger.Info("plugin registered", "plugin", name, "key", plugin.Key(name), "domain", pc.Domain.String())
	}

	workers := worker.NewRegistry()
	if err := plugin.Register(workers, enabled, settings); err != nil {
		return nil, err
	}
	return workers, nil
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes, Keys: t.Keys})
	}
	return api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.Auth.APIKey, Tokens: tokens}
}

// pluginDomains resolves a plugin worker key to the domain its config names.
func pluginDomains(cfg *config.Config) api.DomainResolver {
	domains := make(map[component.Key]component.Domain)
	for name, pc := range cfg.EnabledPlugins() {
		domains[plugin.Key(name)] = pc.Domain
	}
	return func(key component.Key) (component.Domain, bool) {
		d, ok := domains[key]
		return d, ok
	}
}
