package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blevesearch/mmap-go"

	"github.com/sga-jerrylin/DKR-SGA/internal/tokenizer"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

const (
	MetadataFile  = "metadata.json"
	PostingsFile  = "postings.dkri"
	FormatVersion = 1
)

type metadata struct {
	FormatVersion int               `json:"format_version"`
	CreatedAt     time.Time         `json:"created_at"`
	TotalPages    int               `json:"total_pages"`
	Pages         []PageRecord      `json:"pages"`
	TOC           TableOfContents   `json:"toc"`
	Stats         Stats             `json:"stats"`
	Tokenizer     tokenizer.Options `json:"tokenizer"`
}

// Save writes the snapshot into dir. Each file is replaced atomically.
func (idx *Index) Save(dir string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.built || idx.seg == nil {
		return apperrors.ErrIndexNotBuilt
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, PostingsFile), idx.seg.data); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(metadata{
		FormatVersion: FormatVersion,
		CreatedAt:     time.Now().UTC(),
		TotalPages:    len(idx.pages),
		Pages:         idx.pages,
		TOC:           idx.toc,
		Stats:         idx.stats,
		Tokenizer:     idx.tok.Options(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, MetadataFile), meta); err != nil {
		return err
	}
	idx.logger.Info("index saved", "dir", dir, "pages", len(idx.pages), "postings_bytes", len(idx.seg.data))
	return nil
}

// LoadOptions control how the postings file is brought into memory.
type LoadOptions struct {
	// Mmap maps postings read-only instead of reading them onto the heap.
	Mmap bool
}

// Load opens a snapshot written by Save. A mapped index must be closed.
func Load(dir string, opts LoadOptions) (*Index, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Newf(apperrors.ErrDocumentNotFound, "no index at %s", dir)
		}
		return nil, fmt.Errorf("reading index metadata: %w", err)
	}
	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "decoding %s: %v", MetadataFile, err)
	}
	if meta.FormatVersion != FormatVersion {
		return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "unsupported format version %d", meta.FormatVersion)
	}
	if meta.TotalPages != len(meta.Pages) {
		return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "total_pages %d but %d page records", meta.TotalPages, len(meta.Pages))
	}

	idx := New(meta.Tokenizer)
	idx.pages = meta.Pages
	idx.toc = meta.TOC

	postingsPath := filepath.Join(dir, PostingsFile)
	var seg *segment
	if opts.Mmap {
		f, err := os.Open(postingsPath)
		if err != nil {
			return nil, fmt.Errorf("opening postings: %w", err)
		}
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("mapping postings: %w", err)
		}
		seg, err = openSegment(m, true)
		if err != nil {
			m.Unmap()
			f.Close()
			return nil, err
		}
		idx.closer = func() error {
			return errors.Join(m.Unmap(), f.Close())
		}
	} else {
		data, err := os.ReadFile(postingsPath)
		if err != nil {
			return nil, fmt.Errorf("reading postings: %w", err)
		}
		seg, err = openSegment(data, true)
		if err != nil {
			return nil, err
		}
	}

	if int(seg.header.DocCount) != len(meta.Pages) {
		if idx.closer != nil {
			idx.closer()
		}
		return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "postings cover %d pages, metadata has %d", seg.header.DocCount, len(meta.Pages))
	}
	idx.install(seg)
	idx.built = true
	idx.logger.Debug("index loaded", "dir", dir, "pages", len(idx.pages), "mmap", opts.Mmap)
	return idx, nil
}
