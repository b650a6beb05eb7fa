// Package main provides the entry point for the farm gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ucd-library/pg-farm-sub000/internal/accounting"
	"github.com/ucd-library/pg-farm-sub000/internal/auth"
	"github.com/ucd-library/pg-farm-sub000/internal/config"
	"github.com/ucd-library/pg-farm-sub000/internal/directory"
	"github.com/ucd-library/pg-farm-sub000/internal/ops"
	"github.com/ucd-library/pg-farm-sub000/internal/proxy"
	"github.com/ucd-library/pg-farm-sub000/internal/session"
	"github.com/ucd-library/pg-farm-sub000/internal/tier"
	"github.com/ucd-library/pg-farm-sub000/internal/wake"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("farm-gateway version %s\n", version)
		fmt.Printf("  Build time: %s\n", buildTime)
		fmt.Printf("  Git commit: %s\n", gitCommit)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting farm gateway",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"directory", cfg.Directory.Mode)

	verifier, err := auth.NewJWTVerifier(auth.VerifierConfig{
		PublicKeyPath:      cfg.JWT.PublicKeyPath,
		PublicKeyURL:       cfg.JWT.PublicKeyURL,
		Issuer:             cfg.JWT.Issuer,
		Audience:           cfg.JWT.Audience,
		CacheTTL:           cfg.JWT.CacheTTL,
		KeyRefreshInterval: cfg.JWT.KeyRefreshInterval,
	})
	if err != nil {
		logger.Error("failed to initialize token verifier", "error", err)
		os.Exit(1)
	}
	defer verifier.Close()

	dir, lister, cleanup, err := buildDirectory(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize directory", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	orch := wake.NewControlPlaneOrchestrator(wake.ControlPlaneOrchestratorConfig{
		URL:                 cfg.Wake.ControlPlaneURL,
		ServiceAccountToken: cfg.Wake.ServiceAccountToken,
	}, logger)
	coordinator := wake.NewCoordinator(wake.Config{
		ProbeTimeout: cfg.Wake.ProbeTimeout,
		PollInterval: cfg.Wake.PollInterval,
		MaxPolls:     cfg.Wake.MaxPolls,
	}, orch, nil, logger)

	recorder, recorderCleanup := buildRecorder(cfg, logger)
	defer recorderCleanup()

	registry := session.NewRegistry(session.Config{
		AutoClose:   cfg.Session.AutoClose,
		GraceDelay:  cfg.Session.GraceDelay,
		DialTimeout: cfg.Session.DialTimeout,
	}, logger)

	proxyCfg := proxy.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		MaxConnections: cfg.Server.MaxConnections,
		StartupTimeout: cfg.Server.StartupTimeout,
		BindTimeout:    cfg.Server.BindTimeout,
		SuperuserName:  cfg.Auth.SuperuserName,
		AdminRole:      cfg.Auth.AdminRole,
		Debug:          cfg.Server.Debug,
	}
	if cfg.Credentials.Mode == "static" {
		proxyCfg.StaticCredential = cfg.Credentials.StaticSecret
	}
	if cfg.TLS.Enabled {
		proxyCfg.TLSCertFile = cfg.TLS.CertFile
		proxyCfg.TLSKeyFile = cfg.TLS.KeyFile
		proxyCfg.TLSMinVersion = cfg.TLS.TLSMinVersion()
	}

	gateway, err := proxy.NewServer(proxyCfg, registry, dir, verifier, coordinator, recorder, logger)
	if err != nil {
		logger.Error("failed to initialize proxy", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gateway.ListenAndServe()
	}()

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(cfg.Ops.ListenAddr, gateway, registry, coordinator, logger)
		go func() {
			if err := opsServer.ListenAndServe(); err != nil {
				logger.Error("ops endpoint failed", "error", err)
			}
		}()
	}

	var sweeper *tier.Sweeper
	if cfg.Tier.Enabled {
		if lister == nil {
			logger.Warn("tier sweeping enabled but the directory cannot list backends, skipping")
		} else {
			sweeper = tier.NewSweeper(cfg.TierPolicy(), lister, orch, nil,
				tier.SweeperConfig{Interval: cfg.Tier.SweepInterval}, logger)
			go sweeper.Run()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("proxy failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if sweeper != nil {
		sweeper.Stop()
	}
	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("ops shutdown failed", "error", err)
		}
	}
	if err := gateway.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("farm gateway stopped")
}

// loadConfig loads configuration from file and environment.
func loadConfig(configFile string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildDirectory constructs the configured account directory and, when the
// mode supports it, the backend lister used by the tier sweeper.
func buildDirectory(cfg *config.Config, logger *slog.Logger) (directory.Directory, directory.BackendLister, func(), error) {
	noop := func() {}

	switch cfg.Directory.Mode {
	case "static":
		d := directory.NewStaticDirectory()
		return d, d, noop, nil

	case "http":
		d := directory.NewControlPlaneDirectory(directory.ControlPlaneConfig{
			URL:        cfg.Directory.ControlPlane.URL,
			APIKey:     cfg.Directory.ControlPlane.APIKey,
			Timeout:    cfg.Directory.ControlPlane.Timeout,
			RetryCount: cfg.Directory.ControlPlane.RetryCount,
			RetryDelay: cfg.Directory.ControlPlane.RetryDelay,
		}, logger)
		return d, d, noop, nil

	case "postgres":
		d, err := directory.NewPostgresDirectory(context.Background(), cfg.Directory.DatabaseURL)
		if err != nil {
			return nil, nil, noop, err
		}
		return d, d, d.Close, nil

	default:
		return nil, nil, noop, fmt.Errorf("unknown directory mode %q", cfg.Directory.Mode)
	}
}

// buildRecorder constructs the configured usage recorder.
func buildRecorder(cfg *config.Config, logger *slog.Logger) (accounting.Recorder, func()) {
	switch cfg.Accounting.Mode {
	case "http":
		r := accounting.NewControlPlaneRecorder(accounting.ControlPlaneConfig{
			URL:           cfg.Accounting.ControlPlane.URL,
			APIKey:        cfg.Accounting.ControlPlane.APIKey,
			Timeout:       cfg.Accounting.ControlPlane.Timeout,
			FlushInterval: cfg.Accounting.FlushInterval,
		}, logger)
		return r, r.Close
	case "none":
		return accounting.NopRecorder{}, func() {}
	default:
		return accounting.NewLogRecorder(logger), func() {}
	}
}

// setupLogger creates a structured logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
