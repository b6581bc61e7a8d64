package source

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/DKR-SGA/internal/index"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
}

func TestDir(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "002.png"), 5, 7)
	writePNG(t, filepath.Join(dir, "001.png"), 4, 6)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001.txt"), []byte("  first page text \n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, TOCFile), []byte(`
- title: Introduction
  page: 1
- title: Details
  level: 2
  page: 2
`), 0o644))

	src, err := OpenDir(dir)
	require.NoError(t, err)
	defer src.Close()
	ctx := context.Background()

	n, err := src.PageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	img, err := src.Render(ctx, 1, 400)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	text, err := src.Text(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "first page text", text)

	text, err = src.Text(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = src.Render(ctx, 3, 400)
	assert.ErrorIs(t, err, apperrors.ErrPageOutOfRange)

	outline, err := src.Outline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []index.OutlineEntry{
		{Level: 1, Title: "Introduction", Page: 1},
		{Level: 2, Title: "Details", Page: 2},
	}, outline)
}

func TestOpenDir_Missing(t *testing.T) {
	_, err := OpenDir(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestParsePageCount(t *testing.T) {
	out := []byte("Title:          Report\nProducer:       LaTeX\nPages:          42\nEncrypted:      no\n")
	n, err := parsePageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = parsePageCount([]byte("Title: x\n"))
	assert.Error(t, err)
}

func TestParseOutline(t *testing.T) {
	doc := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<pdf2xml producer="poppler" version="23.02.0">
<page number="1" position="absolute" top="0" left="0" height="1263" width="892">
<text top="10" left="10" width="50" height="12" font="0">Cover</text>
</page>
<outline>
<item page="1">Introduction</item>
<outline>
<item page="2">Scope</item>
</outline>
<item page="5">Results &amp; Costs</item>
<outline>
<item page="6">Revenue</item>
<outline>
<item page="7">Deep</item>
</outline>
</outline>
</outline>
</pdf2xml>`)
	entries, err := parseOutline(doc)
	require.NoError(t, err)
	assert.Equal(t, []index.OutlineEntry{
		{Level: 1, Title: "Introduction", Page: 1},
		{Level: 2, Title: "Scope", Page: 2},
		{Level: 1, Title: "Results & Costs", Page: 5},
		{Level: 2, Title: "Revenue", Page: 6},
		{Level: 3, Title: "Deep", Page: 7},
	}, entries)

	toc := index.BuildTOC(entries)
	require.Len(t, toc.Chapters, 2)
	assert.Equal(t, []int{5, 6}, toc.Chapters[1].Pages)
}

func TestOpenPDF_Missing(t *testing.T) {
	_, err := OpenPDF(filepath.Join(t.TempDir(), "missing.pdf"), PopplerTools{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
