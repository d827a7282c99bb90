// Command mddprep prepares mispronunciation-detection datasets: it loads the
// annotation splits, fits or loads the phoneme label encoder and
// materializes the fields each feature-fusion mode trains on.
//
// Usage:
//
//	mddprep prepare [--config path]
//	mddprep inspect valid 0 [--wav-out out.wav]
//	mddprep stats test
//	mddprep init-config [path]
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/mddprep/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "mddprep",
		Short:        "Prepare mispronunciation-detection training data",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/mddprep/config.yaml)")

	load := func() (*config.Config, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
		return cfg, nil
	}

	root.AddCommand(
		newPrepareCmd(load),
		newInspectCmd(load),
		newStatsCmd(load),
		newInitConfigCmd(),
	)
	return root
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("no config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the run configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== mddprep ===")
	fmt.Printf("  Data:      %s\n", cfg.DataFolder)
	fmt.Printf("  Save:      %s\n", cfg.SaveFolder)
	fmt.Printf("  Pipeline:  %s (%s)\n", cfg.Pipeline, cfg.FeatureFusion)
	fmt.Printf("  Audio:     %dHz, normalize %s\n", cfg.SampleRate, cfg.Normalize)
	fmt.Printf("  Sorting:   %s\n", cfg.Sorting)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
