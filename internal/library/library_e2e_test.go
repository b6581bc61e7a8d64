//go:build e2e

// End-to-end run through a real ffmpeg binary.
//
//	go test -v -tags=e2e ./internal/library/...
package library

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/DKR-SGA/internal/cache"
	"github.com/sga-jerrylin/DKR-SGA/internal/catalog"
	"github.com/sga-jerrylin/DKR-SGA/internal/container"
	"github.com/sga-jerrylin/DKR-SGA/internal/resolver"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
)

// geometryResolver reports the decoded frame size, so the test can check
// that the frame pulled out of the container is the page that went in.
var geometryResolver = resolver.Func(func(_ context.Context, img resolver.Image) (resolver.Resolution, error) {
	decoded, err := png.Decode(bytes.NewReader(img.PNG))
	if err != nil {
		return resolver.Resolution{}, err
	}
	b := decoded.Bounds()
	return resolver.Resolution{Success: true, Text: fmt.Sprintf("%dx%d", b.Dx(), b.Dy())}, nil
})

func TestEndToEnd_FFmpeg(t *testing.T) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	for _, codec := range []string{"h264", "h265"} {
		t.Run(codec, func(t *testing.T) {
			root := t.TempDir()
			cfg := config.Default()
			cfg.Storage.DataDir = filepath.Join(root, "data")
			cfg.Encoder.FramesDir = root
			cfg.Video.FFmpegPath = bin
			cfg.Video.Codec = codec
			cfg.Video.Preset = "ultrafast"
			cfg.Video.Timeout = time.Minute

			ctx := context.Background()
			cat, err := catalog.OpenSQLite(ctx, filepath.Join(root, "catalog.db"))
			require.NoError(t, err)
			defer cat.Close()
			store, err := cache.NewFileStore(filepath.Join(root, "cache"))
			require.NoError(t, err)
			cc, err := cache.New(store, 8, nil)
			require.NoError(t, err)

			packer := container.NewFFmpegPacker(cfg.Video)
			if err := packer.Available(ctx); err != nil {
				t.Skipf("ffmpeg cannot encode %s: %v", codec, err)
			}
			lib, err := New(cfg, Deps{
				Packer:    packer,
				Extractor: container.NewFFmpegExtractor(cfg.Video),
				Resolver:  geometryResolver,
				Cache:     cc,
				Catalog:   cat,
			})
			require.NoError(t, err)

			art, err := lib.Encode(ctx, report(t), "e2e")
			require.NoError(t, err)
			assert.Equal(t, 4, art.PageCount)
			assert.Positive(t, art.SizeBytes)

			pages, err := lib.Search(ctx, "e2e", "revenue", 2, 1)
			require.NoError(t, err)
			require.Len(t, pages, 4)
			for _, p := range pages {
				require.True(t, p.Success, p.Error)
				assert.Equal(t, "10x8", p.Content)
			}
		})
	}
}
