package main

import (
	"flag"
	"fmt"

	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"example.com/llmah3/v2/internal/config"
	"example.com/llmah3/v2/internal/logger"
	"example.com/llmah3/v2/internal/session"
)

var (
	configFilePath string
	listScenarios  bool
)

func main() {
	// CLI arguments
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.BoolVar(&listScenarios, "list", false, "List known scenarios and exit")
	flag.Parse()

	if listScenarios {
		for _, name := range session.ScenarioNames() {
			fmt.Println(name)
		}
		os.Exit(0)
	}

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}
	configFilePath = absConfigPath

	// 1. Load Configuration
	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			// Use standard log for this fallback, as custom logger might be compromised
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()
	appLogger.Info("Logger initialized", nil)

	// 3. Initialize the session manager from the http3 section
	manager, err := session.NewManager(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize session manager", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}

	// 4. Build the scenario runner
	var seed int64
	if cfg.Simulator != nil && cfg.Simulator.Seed != nil {
		seed = *cfg.Simulator.Seed
	}
	runner := session.NewRunner(manager, appLogger, seed)

	scenarios := session.ScenarioNames()
	streamCount := config.DefaultStreamCount
	if cfg.Simulator != nil {
		if len(cfg.Simulator.Scenarios) > 0 {
			scenarios = cfg.Simulator.Scenarios
		}
		if cfg.Simulator.StreamCount != nil {
			streamCount = *cfg.Simulator.StreamCount
		}
	}
	appLogger.Info("Starting stream simulator...", logger.LogFields{
		"scenarios":    scenarios,
		"stream_count": streamCount,
		"seed":         seed,
	})

	// 5. Run every configured scenario, streamCount copies at a time
	failures := 0
	for _, name := range scenarios {
		reports, err := runner.RunConcurrent(name, streamCount)
		if err != nil {
			appLogger.Error("Scenario could not run", logger.LogFields{"scenario": name, "error": err.Error()})
			failures++
			continue
		}
		for i, rep := range reports {
			if rep.OK() {
				appLogger.Info("Scenario passed", logger.LogFields{"scenario": name, "run": i})
				continue
			}
			failures++
			appLogger.Error("Scenario failed", logger.LogFields{
				"scenario": name,
				"run":      i,
				"failures": rep.Failures,
			})
		}
		// The last report's snapshot stands in for the batch; every copy ran
		// the same script against its own session.
		out, err := json.MarshalIndent(reports[len(reports)-1], "", "  ")
		if err != nil {
			appLogger.Error("Failed to marshal scenario report", logger.LogFields{"scenario": name, "error": err.Error()})
			failures++
			continue
		}
		fmt.Println(string(out))
	}

	manager.Shutdown()

	if failures > 0 {
		appLogger.Error("Simulation finished with failures", logger.LogFields{"failures": failures})
		os.Exit(1)
	}
	appLogger.Info("Simulation finished cleanly. Main application exiting.", nil)
	os.Exit(0)
}
