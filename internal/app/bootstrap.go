package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"smartgate/internal/config"
	"smartgate/pkg/logging"
)

// Application bootstraps and runs the gateway.
//
// Initialization has two phases:
//  1. Bootstrap: load and validate configuration, initialize logging, wire services
//  2. Execution: serve HTTP until the context is cancelled or a signal arrives
//
// Example usage:
//
//	cfg := app.NewConfig(false, "/etc/smartgate", "")
//	application, err := app.NewApplication(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	return application.Run(ctx)
type Application struct {
	config   *Config
	services *Services
}

// NewApplication loads the configuration from cfg.ConfigPath (environment
// overrides included), validates it and wires all services. Invalid
// configuration is reported with every failing field.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	// Default logging until the configured level and format are known.
	initLogging(cfg, config.DefaultLogLevel, config.DefaultLogFormat, os.Stdout)

	if cfg.ConfigPath == "" {
		cfg.ConfigPath = config.GetDefaultConfigPath()
	}
	settings, err := config.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", cfg.ConfigPath, err)
	}
	if cfg.ListenAddr != "" {
		settings.ListenAddr = cfg.ListenAddr
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	initLogging(cfg, settings.LogLevel, settings.LogFormat, os.Stdout)

	services, err := InitializeServices(ctx, settings, nil)
	if err != nil {
		logging.Error("App", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Services returns the wired components.
func (a *Application) Services() *Services {
	return a.services
}

func initLogging(cfg *Config, level, format string, out io.Writer) {
	logLevel := logging.ParseLevel(level)
	if cfg.Debug {
		logLevel = logging.LevelDebug
	}
	logging.InitForServer(logLevel, format, out)
}
