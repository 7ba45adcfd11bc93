package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/MidknightMantra/MidKnight/internal/adapters/builtin"
	"github.com/MidknightMantra/MidKnight/internal/adapters/cloud"
	"github.com/MidknightMantra/MidKnight/internal/adapters/loader"
	"github.com/MidknightMantra/MidKnight/internal/adapters/storage"
	"github.com/MidknightMantra/MidKnight/internal/adapters/wasm"
	"github.com/MidknightMantra/MidKnight/internal/config"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
	"github.com/MidknightMantra/MidKnight/internal/core/services"
)

// App is one assembled bot runtime.
type App struct {
	cfg    *config.Config
	logger ports.Logger

	Store      ports.Store
	Registry   *services.Registry
	Limiter    *services.RateLimiter
	Requests   *services.RequestLogger
	Admin      *services.Admin
	Dispatcher *services.Dispatcher
	Health     *services.HealthService

	wasm     *wasm.Runtime
	exporter *cloud.MetricExporter
}

// newApp wires the runtime around transport and loads every plugin.
func newApp(ctx context.Context, cfg *config.Config, logger ports.Logger, transport ports.Transport) (*App, error) {
	app := &App{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.Store = store

	app.wasm, err = wasm.NewRuntime(ctx, logger.With("component", "wasm"), wasm.RuntimeOptions{Timeout: cfg.Plugins.ScriptTimeout})
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("failed to start wasm runtime: %w", err)
	}

	settings := cfg.BotSettings()
	app.Registry = services.NewRegistry(pluginSource(cfg, afero.NewOsFs(), app.wasm, logger), services.RegistryConfig{}, logger.With("component", "registry"))
	app.Registry.SetInitContext(ports.InitContext{
		Settings:  settings,
		Transport: transport,
		Store:     store,
		Logger:    logger.With("component", "plugin"),
	})

	app.Limiter = services.NewRateLimiter(services.RateLimiterConfig{
		MaxRequests:     cfg.RateLimit.MaxRequests,
		Window:          cfg.RateLimit.Window,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
		IdleThreshold:   cfg.RateLimit.IdleThreshold,
		ExemptOwners:    cfg.RateLimit.ExemptOwners,
	}, logger.With("component", "ratelimit"))

	requestCfg := services.RequestLoggerConfig{SlowThreshold: cfg.Telemetry.SlowThreshold}
	if cfg.IsGCPEnabled() {
		if app.exporter = startExporter(ctx, cfg, logger); app.exporter != nil {
			requestCfg.Exporter = app.exporter
		}
	}
	app.Requests = services.NewRequestLogger(requestCfg, logger.With("component", "requests"))
	app.Admin = services.NewAdmin(app.Registry, app.Limiter, app.Requests)

	app.Dispatcher = services.NewDispatcher(services.DispatcherConfig{
		Settings:  settings,
		Registry:  app.Registry,
		Limiter:   app.Limiter,
		Telemetry: app.Requests,
		Transport: transport,
		Store:     store,
		Admin:     app.Admin,
	}, logger.With("component", "dispatcher"))

	app.Health = services.NewHealthService(Version, logger)
	app.Health.RegisterChecker("plugins", services.RegistryChecker(app.Registry))
	app.Health.RegisterChecker("store", services.StoreChecker(store))

	report, err := app.Registry.LoadAll(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("failed to load plugins: %w", err)
	}
	for _, e := range report.Errors {
		logger.Warn("Plugin not loaded", "error", e)
	}
	logger.Info("Plugins loaded", "loaded", report.Loaded, "failed", report.Failed)

	return app, nil
}

// Close waits for running observers, then releases plugins, the exporter
// and the store. Pending file store writes are flushed by the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Dispatcher != nil {
		a.Dispatcher.Wait()
	}
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	if a.exporter != nil {
		errs = append(errs, a.exporter.Close())
	}
	if a.wasm != nil {
		errs = append(errs, a.wasm.Close(ctx))
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// openStore connects the configured persistence backend.
func openStore(ctx context.Context, cfg *config.Config, logger ports.Logger) (ports.Store, error) {
	opts := storage.Options{
		SQLURL:         cfg.Storage.SQL.URL,
		ConnectTimeout: cfg.Storage.ConnectTimeout,
		DataDir:        cfg.Storage.DataDir,
		Debounce:       cfg.Storage.Debounce,
		Compress:       cfg.Storage.Compress,
		EncryptionKey:  cfg.Storage.EncryptionKey,
	}
	if cfg.IsDocumentStoreEnabled() {
		gcs := cloud.GCSConfig{
			Bucket:          cfg.Storage.Document.Bucket,
			Prefix:          cfg.Storage.Document.Prefix,
			CredentialsFile: cfg.Storage.Document.CredentialsFile,
		}
		opts.Document = func(ctx context.Context) (ports.Store, error) {
			store, err := cloud.OpenDocumentStore(ctx, gcs, logger.With("component", "gcs"))
			if err != nil {
				return nil, err
			}
			return store, nil
		}
	}
	return storage.OpenStore(ctx, opts, logger.With("component", "store"))
}

// pluginSource lists compiled-in plugins first, then the plugin directory.
// rt may be nil, which skips Wasm bundles.
func pluginSource(cfg *config.Config, fs afero.Fs, rt *wasm.Runtime, logger ports.Logger) ports.PluginSource {
	dir := loader.NewDirectorySource(fs, loader.Options{
		Dir:           cfg.Plugins.Dir,
		ScriptTimeout: cfg.Plugins.ScriptTimeout,
		Wasm:          rt,
		Logger:        logger.With("component", "loader"),
	})
	if !cfg.Plugins.Builtin {
		return dir
	}
	return loader.MultiSource{builtin.Default(), dir}
}

// startExporter connects Cloud Monitoring. A failure disables the export
// and keeps the bot running.
func startExporter(ctx context.Context, cfg *config.Config, logger ports.Logger) *cloud.MetricExporter {
	gcp := cloud.DefaultGCPConfig()
	gcp.ProjectID = cfg.Telemetry.GCP.ProjectID
	gcp.CredentialsFile = cfg.Telemetry.GCP.CredentialsFile
	if cfg.Telemetry.GCP.MetricPrefix != "" {
		gcp.MetricPrefix = cfg.Telemetry.GCP.MetricPrefix
	}
	gcp.FlushInterval = cfg.Telemetry.GCP.FlushInterval

	log := logger.With("component", "gcp")
	writer, err := cloud.NewMetricClient(ctx, gcp)
	if err != nil {
		log.Warn("Cloud Monitoring unavailable, metrics stay local", "error", err)
		return nil
	}
	exporter, err := cloud.NewMetricExporter(gcp, writer, log)
	if err != nil {
		writer.Close()
		log.Warn("Cloud Monitoring disabled", "error", err)
		return nil
	}
	exporter.Start(ctx)
	return exporter
}
