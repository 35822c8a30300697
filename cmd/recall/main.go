package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/dotsetgreg/recall/pkg/config"
	"github.com/dotsetgreg/recall/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
)

const appName = "recall"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "recall.json"
	}
	return filepath.Join(home, ".recall", "config.json")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	// Missing .env is fine; environment variables still apply.
	_ = godotenv.Load()

	if err := executeCLI(); err != nil {
		logger.ErrorCF("main", "Command failed", map[string]interface{}{"error": err.Error()})
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
