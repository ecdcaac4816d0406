// Package cmd is the stash command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/koopa0/stash/internal/config"
	"github.com/koopa0/stash/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "stash",
	Short: "Ask questions over your saved social-media bookmarks",
	Long: `Stash imports your saved social-media posts and answers natural-language
questions about them with streamed, cited answers.

Running stash with no arguments starts an interactive chat.`,
	RunE:          runChat,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads and validates configuration, plus a logger built
// from it.
func loadConfig() (*config.Config, log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := log.NewWithWriter(os.Stderr, log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	return cfg, logger, nil
}
