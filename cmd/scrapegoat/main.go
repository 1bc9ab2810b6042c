package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/foofork/riptide/internal/config"
)

var (
	cfgFile string
	verbose bool
)

// main wires scrapegoat's own cobra root: the search/ai-crawl crawl
// drivers plus the stream subcommand the streaming orchestrator (C11)
// and the rest of the render/pool/extraction stack hang off of.
func main() {
	rootCmd := &cobra.Command{
		Use:   "scrapegoat",
		Short: "scrapegoat — search/AI crawl drivers and the NDJSON streaming API",
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(aiCrawlCmd())
	rootCmd.AddCommand(streamCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogger creates a structured logger shared by every subcommand.
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// loadStreamConfig loads cfgFile when one is given and otherwise returns
// config.DefaultConfig() without searching the default config locations
// (cmd/webstalk's runCrawl always goes through config.Load instead).
func loadStreamConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
