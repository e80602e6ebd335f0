package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/mailarchive/cache"
	"github.com/migadu/mailarchive/config"
	"github.com/migadu/mailarchive/controller"
	"github.com/migadu/mailarchive/db"
	"github.com/migadu/mailarchive/executor"
	"github.com/migadu/mailarchive/logger"
	"github.com/migadu/mailarchive/pkg/credentials"
	"github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/retry"
	"github.com/migadu/mailarchive/pool"
	"github.com/migadu/mailarchive/server/httpapi"
	"github.com/migadu/mailarchive/syncer"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

// services holds everything main has to tear down.
type services struct {
	database   *db.Database
	cache      *cache.Cache
	registry   *executor.Registry
	syncer     *syncer.Syncer
	controller *controller.Controller
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailarchive version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILARCHIVE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("mailarchive starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	svc, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer svc.database.Close()
	defer svc.cache.Close()

	if _, err := svc.controller.Start(ctx); err != nil {
		errorHandler.FatalError("start synchronization", err)
		os.Exit(errorHandler.WaitForExit())
	}

	servers := &serverManager{}
	errChan := make(chan error, 2)
	startServers(ctx, cfg, svc, servers, errChan)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		cancel()
		svc.controller.Shutdown()
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}

	done := make(chan struct{})
	go func() {
		servers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All server listeners closed")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}

	svc.controller.Shutdown()
}

// loadAndValidateConfig loads the configuration file over the defaults. A
// missing default file is fine; a missing explicit file is not.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

func poolOptions(cfg *config.SyncConfig) (pool.Options, error) {
	opts := pool.DefaultOptions()
	opts.MaxSessions = cfg.GetMaxSessions()
	opts.Debug = cfg.Debug

	var err error
	if opts.AcquireTimeout, err = cfg.GetAcquireTimeout(); err != nil {
		return opts, err
	}
	if opts.IdleProbeAfter, err = cfg.GetIdleProbeAfter(); err != nil {
		return opts, err
	}
	if opts.ConnectTimeout, err = cfg.GetConnectTimeout(); err != nil {
		return opts, err
	}
	if opts.Timeouts.Read, err = cfg.GetReadTimeout(); err != nil {
		return opts, err
	}
	if opts.Timeouts.Write, err = cfg.GetWriteTimeout(); err != nil {
		return opts, err
	}
	return opts, nil
}

func controllerOptions(cfg *config.SyncConfig) (controller.Options, error) {
	interval, err := cfg.GetInterval()
	if err != nil {
		return controller.Options{}, err
	}
	initial, err := cfg.GetBackoffInitial()
	if err != nil {
		return controller.Options{}, err
	}
	maxDelay, err := cfg.GetBackoffMax()
	if err != nil {
		return controller.Options{}, err
	}
	return controller.Options{
		Interval: interval,
		Backoff: retry.BackoffConfig{
			InitialInterval: initial,
			MaxInterval:     maxDelay,
			Multiplier:      cfg.BackoffMultiplier,
			Jitter:          true,
		},
	}, nil
}

func initializeServices(ctx context.Context, cfg config.Config) (*services, error) {
	dbOpts, err := db.OptionsFromConfig(&cfg.Database)
	if err != nil {
		return nil, err
	}

	var database *db.Database
	err = retry.WithRetry(ctx, func() error {
		var err error
		database, err = db.NewDatabase(ctx, cfg.Database.ConnString(), dbOpts)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Stop(err)
			}
			logger.Warn("Database not ready", "error", err)
		}
		return err
	}, retry.DefaultBackoffConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	mailboxCache, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		database.Close()
		return nil, err
	}

	fail := func(err error) (*services, error) {
		mailboxCache.Close()
		database.Close()
		return nil, err
	}

	sealer, err := credentials.NewSealer(cfg.Credentials.EncryptionKey)
	if err != nil {
		return fail(err)
	}
	if sealer == nil {
		logger.Warn("credentials.encryption_key is not set; account secrets are read as plaintext")
	}

	poolOpts, err := poolOptions(&cfg.Sync)
	if err != nil {
		return fail(err)
	}
	ctrlOpts, err := controllerOptions(&cfg.Sync)
	if err != nil {
		return fail(err)
	}
	logger.Info("Synchronization settings",
		"interval", ctrlOpts.Interval,
		"max_sessions", poolOpts.MaxSessions,
		"connect_timeout", poolOpts.ConnectTimeout,
		"read_timeout", poolOpts.Timeouts.Read,
		"write_timeout", poolOpts.Timeouts.Write)

	registry := executor.NewRegistry(pool.NewBuilder(database, database, sealer, poolOpts)).
		WithBuildTimeout(poolOpts.ConnectTimeout + poolOpts.AcquireTimeout)
	folderSyncer := syncer.New(database, registry, mailboxCache, database)
	ctrl := controller.New(database, folderSyncer, registry, mailboxCache, database, ctrlOpts)

	return &services{
		database:   database,
		cache:      mailboxCache,
		registry:   registry,
		syncer:     folderSyncer,
		controller: ctrl,
	}, nil
}

func startServers(ctx context.Context, cfg config.Config, svc *services, servers *serverManager, errChan chan error) {
	if cfg.HTTPAPI.Start {
		defaultTimeout, _ := cfg.HTTPAPI.GetDefaultTimeout()
		maxTimeout, _ := cfg.HTTPAPI.GetMaxTimeout()
		options := httpapi.ServerOptions{
			Addr:           cfg.HTTPAPI.Addr,
			APIKey:         cfg.HTTPAPI.APIKey,
			AllowedHosts:   cfg.HTTPAPI.AllowedHosts,
			Controller:     svc.controller,
			Mailboxes:      svc.syncer,
			Registry:       svc.registry,
			DefaultTimeout: defaultTimeout,
			MaxTimeout:     maxTimeout,
		}
		servers.Go(func() { httpapi.Start(ctx, options, errChan) })
	}

	if cfg.Metrics.Enabled {
		servers.Go(func() { startMetricsServer(ctx, cfg.Metrics, errChan) })
	}
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
