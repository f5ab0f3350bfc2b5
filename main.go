package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"example.com/llmah3/v2/internal/config"
	"example.com/llmah3/v2/internal/logger"
	"example.com/llmah3/v2/internal/session"
)

func main() {
	names, err := scenarioArgs(os.Args[1:])
	if err != nil {
		log.Fatalf("Usage: %s [scenario ...]\n%v", os.Args[0], err)
	}

	// Create a default logger and configuration for a quick local run.
	cfg := buildConfig()
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	manager, err := session.NewManager(cfg, lg)
	if err != nil {
		log.Fatalf("Failed to create session manager: %v", err)
	}
	runner := session.NewRunner(manager, lg, 0)

	// Run the scenarios back to back. Each gets a fresh session, so a
	// failure in one cannot poison the next.
	lg.Info("Starting stream scenarios...", logger.LogFields{"scenarios": names})
	reports, err := runner.RunAll(names)
	if err != nil {
		lg.Error("Scenario run aborted", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}

	failed := 0
	for _, rep := range reports {
		if rep.OK() {
			lg.Info("Scenario passed", logger.LogFields{"scenario": rep.Scenario})
			continue
		}
		failed++
		lg.Error("Scenario failed", logger.LogFields{"scenario": rep.Scenario, "failures": rep.Failures})
	}
	manager.Shutdown()

	if failed > 0 {
		lg.Error("Scenarios finished with failures", logger.LogFields{"failed": failed, "total": len(reports)})
		os.Exit(1)
	}
	lg.Info("All scenarios passed", logger.LogFields{"total": len(reports)})
}

// scenarioArgs validates the requested scenario names. No arguments selects
// every known scenario.
func scenarioArgs(args []string) ([]string, error) {
	known := session.ScenarioNames()
	if len(args) == 0 {
		return known, nil
	}
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}
	for _, name := range args {
		if !knownSet[name] {
			return nil, fmt.Errorf("unknown scenario %q (known: %s)", name, strings.Join(known, ", "))
		}
	}
	return args, nil
}

// buildConfig assembles the fixed configuration for the quick runner. The
// streamsim binary is the one that reads a config file; here everything
// runs on defaults with logs to stderr.
func buildConfig() *config.Config {
	cfg := &config.Config{
		Logging: &config.LoggingConfig{
			LogLevel: config.LogLevelInfo,
			Target:   strPtr("stderr"),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func strPtr(s string) *string { return &s }
