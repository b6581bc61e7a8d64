package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sga-jerrylin/DKR-SGA/internal/retriever"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
)

type searchOptions struct {
	topK       int
	window     int
	sequential bool
	full       bool
}

func newSearchCmd(cfg *config.Config, g *globalOptions) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <doc-id> <query>",
		Short: "Search a document and resolve the matching pages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			query := strings.Join(args[1:], " ")
			pages, err := a.lib.SearchWith(ctx, args[0], query, retriever.Options{
				TopK:          opts.topK,
				ContextWindow: opts.window,
				Batched:       !opts.sequential && cfg.Retrieval.Batched,
			})
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), pages)
			}
			if len(pages) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no pages match %q\n", query)
				return nil
			}
			printPages(cmd.OutOrStdout(), pages, opts.full)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.topK, "top-k", "k", 0, "Core pages to retrieve (0 uses retrieval.topK)")
	cmd.Flags().IntVarP(&opts.window, "window", "w", -1, "Neighbouring pages on each side (-1 uses retrieval.contextWindow)")
	cmd.Flags().BoolVar(&opts.sequential, "sequential", false, "Resolve pages one at a time")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Print full page content instead of a preview")
	return cmd
}

func newPageCmd(cfg *config.Config, g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "page <doc-id> <page>",
		Short: "Resolve a single page by its 1-based number",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pageNum, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("page must be a number: %w", err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			page, err := a.lib.GetPage(ctx, args[0], pageNum)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), page)
			}
			printPages(cmd.OutOrStdout(), []retriever.RetrievedPage{page}, true)
			return nil
		},
	}
}

func newDocsCmd(cfg *config.Config, g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List encoded documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			docs, err := a.lib.Documents(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), docs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOC ID\tPAGES\tCODEC\tSIZE\tENCODED")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n", d.DocID, d.PageCount, d.Codec, d.SizeBytes, d.EncodedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func printPages(w io.Writer, pages []retriever.RetrievedPage, full bool) {
	for _, p := range pages {
		marker := " "
		if p.IsCore {
			marker = "*"
		}
		fmt.Fprintf(w, "%s page %d [%s]", marker, p.PageNum, p.PageType)
		if p.IsCore {
			fmt.Fprintf(w, " score=%.3f relevance=%s", p.Score, p.Relevance)
		}
		if p.FromCache {
			fmt.Fprint(w, " cached")
		}
		if p.Chapter != "" {
			fmt.Fprintf(w, " chapter=%q", p.Chapter)
		}
		fmt.Fprintln(w)
		if !p.Success {
			fmt.Fprintf(w, "    error: %s\n", p.Error)
			continue
		}
		content := p.Content
		if !full {
			content = previewLine(content, 160)
		}
		for line := range strings.Lines(content) {
			fmt.Fprintf(w, "    %s", line)
		}
		fmt.Fprintln(w)
	}
}

func previewLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
