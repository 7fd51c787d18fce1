// Package cmd defines and implements the CLI commands for the crawl
// orchestrator executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
)

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env carries what every subcommand needs once flags are parsed.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadEnv is the environment factory. It's a variable so tests can swap it.
var loadEnv = func(path string) (*env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlctl",
		Short: "A budgeted, relevance-ranked crawl orchestrator.",
		Long: `crawlctl runs focused web crawls. A crawl starts from seed URLs and a
topical query, expands the frontier in relevance order, and stops when its
page, byte, or wall-clock budget runs out.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cfgFile)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(e.logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, e))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLER_* env vars override it")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}
