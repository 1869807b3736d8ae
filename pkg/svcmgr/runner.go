package svcmgr

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

// Run loads configFile, starts the manager and blocks until a termination
// signal arrives, ctx ends or the control-plane server fails
func Run(ctx context.Context, configFile string, logger logging.Logger) error {
	logger.Infof("Using CONFIGURATION FILE: %s", configFile)

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	return RunWithConfig(ctx, config, logger)
}

func RunWithConfig(ctx context.Context, config *Config, logger logging.Logger) error {
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err)
	}
	logger.Infof("Workdir: %s, services: %d, volumes: %d",
		config.Manager.Workdir, len(config.Services), len(config.Volumes))

	manager, err := Open(config, logger)
	if err != nil {
		return err
	}

	if err := manager.Start(ctx); err != nil {
		_ = manager.Stop(context.Background())
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	logger.Infof("Manager is ready")

	var serveErr error
	select {
	case receivedSignal := <-sig:
		logger.Infof("Manager received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Manager context done")
	case serveErr = <-manager.serveErr:
		logger.Errorf("Control plane server failed: %v", serveErr)
	}

	// Reset context to background to enable graceful shutdown
	stopErr := manager.Stop(context.Background())
	if serveErr != nil {
		return errors.NewConnectionError("control plane server failed", serveErr)
	}
	return stopErr
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return nil
}
