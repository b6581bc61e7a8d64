package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sga-jerrylin/DKR-SGA/internal/source"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
)

type encodeOptions struct {
	docID string
	pdf   string
	pages string
	codec string
}

func newEncodeCmd(cfg *config.Config, g *globalOptions) *cobra.Command {
	var opts encodeOptions

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a PDF or a directory of page images",
		Long: `Render every page, pack the pages into a video container and build
the BM25 index. Re-encoding an existing document id replaces it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (opts.pdf == "") == (opts.pages == "") {
				return errors.New("exactly one of --pdf or --pages is required")
			}
			if opts.codec != "" {
				cfg.Video.Codec = opts.codec
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.packer.Available(ctx); err != nil {
				return err
			}

			var src source.Source
			if opts.pdf != "" {
				src, err = source.OpenPDF(opts.pdf, source.PopplerTools{Timeout: cfg.Video.Timeout})
			} else {
				src, err = source.OpenDir(opts.pages)
			}
			if err != nil {
				return err
			}
			defer src.Close()

			art, err := a.lib.Encode(ctx, src, opts.docID)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), art)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "encoded %s: %d pages, %s (%s), %d bytes in %s\n",
				art.DocID, art.PageCount, art.Codec, art.Encoder, art.SizeBytes, art.Elapsed.Round(time.Millisecond))
			fmt.Fprintf(out, "  container: %s\n  index:     %s\n", art.ContainerPath, art.IndexPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.docID, "doc-id", "", "Document identity")
	cmd.Flags().StringVar(&opts.pdf, "pdf", "", "PDF file to encode")
	cmd.Flags().StringVar(&opts.pages, "pages", "", "Directory of page images with optional .txt sidecars")
	cmd.Flags().StringVar(&opts.codec, "codec", "", "Override video.codec (h265, h264, av1, vp9)")
	_ = cmd.MarkFlagRequired("doc-id")
	return cmd
}
