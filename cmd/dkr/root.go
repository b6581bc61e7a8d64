package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	"github.com/sga-jerrylin/DKR-SGA/pkg/logger"
)

type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	var opts globalOptions
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:   "dkr",
		Short: "Visual document memory",
		Long: `dkr turns documents into page-image video containers with a BM25
index, and resolves the pages a query hits back into text on demand.

Examples:
  dkr encode --doc-id handbook --pdf handbook.pdf
  dkr search handbook "parental leave" -k 3 -w 1
  dkr page handbook 42
  dkr cache stats handbook`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnv(opts.envFile); err != nil {
				return err
			}
			loaded, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if opts.logLevel != "" {
				loaded.Logging.Level = opts.logLevel
			}
			logger.Setup(loaded.Logging.Level, loaded.Logging.Format)
			*cfg = *loaded
			return nil
		},
	}
	cfg = config.Default()

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Dotenv file to load before reading config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Print results as JSON")

	cmd.AddCommand(newEncodeCmd(cfg, &opts))
	cmd.AddCommand(newSearchCmd(cfg, &opts))
	cmd.AddCommand(newPageCmd(cfg, &opts))
	cmd.AddCommand(newDocsCmd(cfg, &opts))
	cmd.AddCommand(newCacheCmd(cfg, &opts))
	cmd.AddCommand(newServeCmd(cfg))
	cmd.AddCommand(newLoadtestCmd())
	return cmd
}

// loadEnv reads a dotenv file if it exists; variables already set in the
// environment win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
