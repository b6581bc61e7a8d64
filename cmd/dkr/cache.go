package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
)

func newCacheCmd(cfg *config.Config, g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the resolved page cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats [doc-id]",
		Short: "Show cache statistics for one document or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			stats, err := a.lib.CacheStats(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backend:    %s\ncontainers: %d\npages:      %d\nbytes:      %d\n",
				cfg.Cache.Backend, stats.Containers, stats.Entries, stats.Bytes)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [doc-id]",
		Short: "Drop cached pages for one document, or everything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.lib.ClearCache(cmd.Context(), firstArg(args))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d cached pages\n", n)
			return nil
		},
	})
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
