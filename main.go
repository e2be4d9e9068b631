package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"auto_ibkr_go/config"
	"auto_ibkr_go/logs"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the config.yaml file")
	mode := flag.String("mode", ModeAll, "Run mode: all, guardian, scale-in or flatten")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	// Load main configuration file
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Fatal error: Unable to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}
	config.LoadEnvConfig().Apply(cfg)

	logName := cfg.Symbol
	if logName == "" || *mode == ModeGuardian || *mode == ModeFlatten {
		logName = strings.ReplaceAll(*mode, "-", "_")
	}
	logFilename := fmt.Sprintf("%s/%s_bot.log", cfg.Normal.LogDirectory, strings.ToUpper(logName))

	// Initialize logging system
	if err := logs.Init(cfg.Logs, logFilename); err != nil {
		fmt.Printf("Fatal error: Failed to initialize logging system: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	logs.Infof("Configuration loaded successfully, logs will be written to: %s", logFilename)

	orchestrator, err := NewOrchestrator(cfg, *mode)
	if err != nil {
		logs.Fatalf("Failed to initialize Orchestrator: %v", err)
	}

	if *mode == ModeFlatten {
		if err := orchestrator.Flatten(context.Background()); err != nil {
			logs.Errorf("Flatten failed: %v", err)
		}
		orchestrator.Stop()
		return
	}

	orchestrator.Start()

	// Wait for a termination signal or for every worker to finish on its own
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-orchestrator.Done():
		logs.Info("All workers finished.")
	}

	// Execute graceful shutdown
	orchestrator.Stop()
}
