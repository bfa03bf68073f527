package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrSnakeDoc/wayfinder/internal/config"
	"github.com/MrSnakeDoc/wayfinder/internal/discovery"
	"github.com/MrSnakeDoc/wayfinder/internal/forward"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver"
	"github.com/MrSnakeDoc/wayfinder/internal/httpserver/deps"
	"github.com/MrSnakeDoc/wayfinder/internal/logger"
	"github.com/MrSnakeDoc/wayfinder/internal/resolver"
	"github.com/MrSnakeDoc/wayfinder/internal/store"
	"github.com/MrSnakeDoc/wayfinder/internal/upstream"
	"github.com/MrSnakeDoc/wayfinder/internal/version"
)

type App struct {
	cfg     *config.Config
	logger  logger.Logger
	server  *httpserver.Server
	store   *store.Store
	watcher *store.Watcher
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	loggerClient := logger.New(cfg.LogLevel, !cfg.JSONLog)

	if cfg.APIKey == "" {
		loggerClient.Warn("no API key configured, unknown hostnames cannot be resolved")
	}

	// Mapping table: load whatever survived the last run.
	mappingStore := store.New(cfg.CacheFile, loggerClient)
	if err := mappingStore.Load(); err != nil {
		loggerClient.Warn("failed to load mappings, starting fresh", logger.Error(err))
	}
	loggerClient.Info("mappings loaded",
		logger.String("file", cfg.CacheFile),
		logger.Int("count", mappingStore.Count()))

	var watcher *store.Watcher
	if !cfg.DisableWatch {
		watcher = store.NewWatcher(mappingStore, loggerClient)
	}

	// Service discovery: short-TTL snapshots of listeners and containers.
	hostProber := discovery.NewHostProber(cfg.ProbeTimeout, loggerClient)
	dockerProber := discovery.NewDockerProber(cfg.OwnProject, cfg.ProbeTimeout, loggerClient)
	processes := discovery.NewProcessCache(hostProber.Probe, cfg.SnapshotTTL, loggerClient)
	containers := discovery.NewContainerCache(dockerProber.Probe, cfg.SnapshotTTL, loggerClient)

	// The judge and the single-flight resolver in front of it.
	gateway := resolver.NewGateway(cfg.APIKey, cfg.APIURL, cfg.Model, cfg.LLMTimeout, loggerClient)
	routeResolver := resolver.New(gateway, mappingStore, processes, containers, loggerClient)

	builder := upstream.NewBuilder(upstream.NewRebinder(processes), containers, loggerClient)
	forwarder := forward.New(loggerClient)

	d := deps.Deps{
		Logger:          loggerClient,
		StartTime:       time.Now(),
		Version:         version.Version,
		TimeNow:         time.Now,
		Store:           mappingStore,
		Resolver:        routeResolver,
		Processes:       processes,
		Containers:      containers,
		Builder:         builder,
		Forwarder:       forwarder,
		DebugHost:       cfg.DebugHost,
		AdmissionSuffix: cfg.AdmissionSuffix,
		Model:           cfg.Model,
		CacheFile:       cfg.CacheFile,
		APIKeySet:       cfg.APIKey != "",
	}

	server := httpserver.New(cfg.ListenAddr, loggerClient, d)

	return &App{
		cfg:     cfg,
		logger:  loggerClient,
		server:  server,
		store:   mappingStore,
		watcher: watcher,
	}, nil
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting wayfinder %s on %s", version.Version, a.cfg.ListenAddr)
	a.logger.Infof("wayfinder %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("failed to watch mappings file", logger.Error(err))
			a.watcher = nil
		} else {
			a.logger.Info("watching mappings file for external edits",
				logger.String("file", a.cfg.CacheFile))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	}

	if a.watcher != nil {
		a.watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	a.logger.Info("✅ wayfinder stopped cleanly")
	return nil
}
