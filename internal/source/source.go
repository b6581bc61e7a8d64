// Package source provides the page sources the encoder reads from: PDF files
// rendered through the poppler command-line tools, and directories of
// pre-rendered page images.
package source

import (
	"context"
	"image"

	"github.com/sga-jerrylin/DKR-SGA/internal/index"
)

// Source yields pages in order. Page numbers are 1-based.
type Source interface {
	Name() string
	PageCount(ctx context.Context) (int, error)
	// Outline returns the document bookmarks, or nil when there are none.
	Outline(ctx context.Context) ([]index.OutlineEntry, error)
	Render(ctx context.Context, page, dpi int) (image.Image, error)
	Text(ctx context.Context, page int) (string, error)
	Close() error
}
