package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/samfms/core/internal/app"
	"github.com/samfms/core/internal/config"
	"github.com/samfms/core/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/trips.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("SAMFMS trips service %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting trips service",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("environment", cfg.Service.Environment),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("dedup_mode", cfg.Requests.Dedup.Mode),
	)

	service, err := app.New(cfg, *configPath, version)
	if err != nil {
		logging.Error("Failed to build service", zap.Error(err))
		os.Exit(1)
	}

	if err := service.Run(); err != nil {
		logging.Error("Service error", zap.Error(err))
		os.Exit(1)
	}
}
