package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-lmtp/internal/admission"
	"github.com/busybox42/elemta-lmtp/internal/api"
	"github.com/busybox42/elemta-lmtp/internal/authdb"
	"github.com/busybox42/elemta-lmtp/internal/config"
	"github.com/busybox42/elemta-lmtp/internal/lmtp"
	"github.com/busybox42/elemta-lmtp/internal/logging"
	"github.com/busybox42/elemta-lmtp/internal/privilege"
	"github.com/busybox42/elemta-lmtp/internal/proxy"
	"github.com/busybox42/elemta-lmtp/internal/routing"
	"github.com/busybox42/elemta-lmtp/internal/store"
)

func runServer(cmd *cobra.Command, configPath string) error {
	cfg, result, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	overridden := false
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		cfg.Server.Hostname = hostname
		overridden = true
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
		overridden = true
	}
	if overridden {
		if result = cfg.Validate(); !result.Valid {
			return fmt.Errorf("invalid command line override: %s", result.Errors[0].Error())
		}
	}

	levels := logging.GetLevelManager()
	logger, logCloser, err := logging.New(cfg.Logging, levels)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	for _, w := range result.Warnings {
		logger.Warn("Configuration warning", "field", w.Field, "message", w.Message)
	}
	logger.Info("Starting Elemta LMTP server", "version", version, "config", cfg.Path())

	server, cleanup, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := server.Start(); err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Listen, version, server, levels, logger)
		if err := apiServer.Start(); err != nil {
			_ = server.Close()
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, shutting down gracefully")
	case err := <-serverDone:
		if err != nil {
			runErr = fmt.Errorf("LMTP server error: %w", err)
		}
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("Error stopping API server", "error", err)
		}
	}
	if err := server.Close(); err != nil {
		logger.Error("Error stopping LMTP server", "error", err)
	}

	logger.Info("Shutdown complete")
	return runErr
}

// buildServer creates every backend named by cfg and the LMTP server on top
// of them. cleanup closes the backends.
func buildServer(cfg *config.Config, logger *slog.Logger) (*lmtp.Server, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("Failed to close backend", "error", err)
			}
		}
	}
	fail := func(err error) (*lmtp.Server, func(), error) {
		cleanup()
		return nil, nil, err
	}

	passdb, err := authdb.New(cfg.Passdb, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create passdb: %w", err))
	}
	userdb, err := authdb.New(cfg.Userdb, logger)
	if err != nil {
		if passdb != nil {
			_ = passdb.Close()
		}
		return fail(fmt.Errorf("failed to create userdb: %w", err))
	}
	router, err := routing.New(cfg.RoutingConfig(), passdb, userdb, logger)
	if err != nil {
		return fail(errors.Join(err, closeSources(passdb, userdb)))
	}
	closers = append(closers, router.Close)

	var gate *admission.Gate
	if cfg.Server.UserConcurrencyLimit > 0 {
		counter, err := admission.NewCounter(cfg.CounterConfig())
		if err != nil {
			return fail(fmt.Errorf("failed to create admission counter: %w", err))
		}
		gate = admission.NewGate(counter, cfg.GateConfig(), logger)
		closers = append(closers, gate.Close)
	}

	storage, err := store.New(cfg.StoreConfig(), logger)
	if err != nil {
		return fail(fmt.Errorf("failed to open mail storage: %w", err))
	}
	closers = append(closers, storage.Close)

	lmtpConfig, err := cfg.LMTPConfig()
	if err != nil {
		return fail(err)
	}
	server, err := lmtp.NewServer(lmtpConfig, lmtp.Backends{
		Router:     router,
		Gate:       gate,
		Storage:    storage,
		Privileges: privilege.Default(),
		DNS:        proxy.NewResolver(cfg.DNS.Resolver, cfg.DNS.Timeout.Duration),
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create LMTP server: %w", err))
	}
	return server, cleanup, nil
}

func closeSources(sources ...authdb.Source) error {
	var errs []error
	for _, src := range sources {
		if src != nil {
			errs = append(errs, src.Close())
		}
	}
	return errors.Join(errs...)
}
