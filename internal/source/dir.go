package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sga-jerrylin/DKR-SGA/internal/index"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// TOCFile is the optional outline of an image directory.
const TOCFile = "toc.yaml"

// Dir reads pre-rendered pages from a directory. Images are ordered by file
// name; a page's text comes from a sidecar file with the same stem and a
// .txt extension. The render DPI is ignored.
type Dir struct {
	dir   string
	pages []string
}

type tocEntry struct {
	Title string `yaml:"title"`
	Level int    `yaml:"level"`
	Page  int    `yaml:"page"`
}

func OpenDir(dir string) (*Dir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "page directory %s: %v", dir, err)
	}
	var pages []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			pages = append(pages, e.Name())
		}
	}
	sort.Strings(pages)
	return &Dir{dir: dir, pages: pages}, nil
}

func (d *Dir) Name() string { return d.dir }

func (d *Dir) PageCount(context.Context) (int, error) { return len(d.pages), nil }

func (d *Dir) file(page int) (string, error) {
	if page < 1 || page > len(d.pages) {
		return "", apperrors.Newf(apperrors.ErrPageOutOfRange, "page %d of %d", page, len(d.pages))
	}
	return filepath.Join(d.dir, d.pages[page-1]), nil
}

func (d *Dir) Render(_ context.Context, page, _ int) (image.Image, error) {
	path, err := d.file(page)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (d *Dir) Text(_ context.Context, page int) (string, error) {
	path, err := d.file(page)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".txt")
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (d *Dir) Outline(context.Context) ([]index.OutlineEntry, error) {
	b, err := os.ReadFile(filepath.Join(d.dir, TOCFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw []tocEntry
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "parsing %s: %v", TOCFile, err)
	}
	out := make([]index.OutlineEntry, 0, len(raw))
	for _, e := range raw {
		level := e.Level
		if level == 0 {
			level = 1
		}
		out = append(out, index.OutlineEntry{Level: level, Title: e.Title, Page: e.Page})
	}
	return out, nil
}

func (d *Dir) Close() error { return nil }
