// Package library is the surface the orchestration layer talks to: encode a
// page source under a document identity, then search it or fetch single
// pages by that identity.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/internal/cache"
	"github.com/sga-jerrylin/DKR-SGA/internal/catalog"
	"github.com/sga-jerrylin/DKR-SGA/internal/encoder"
	"github.com/sga-jerrylin/DKR-SGA/internal/index"
	"github.com/sga-jerrylin/DKR-SGA/internal/resolver"
	"github.com/sga-jerrylin/DKR-SGA/internal/retriever"
	"github.com/sga-jerrylin/DKR-SGA/internal/source"
	"github.com/sga-jerrylin/DKR-SGA/internal/tokenizer"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/filelock"
	"github.com/sga-jerrylin/DKR-SGA/pkg/kafka"
	"github.com/sga-jerrylin/DKR-SGA/pkg/metrics"
)

const (
	ManifestFile  = "manifest.json"
	IndexDir      = "index"
	containerBase = "document"
)

var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Artifacts describes one encoded document. It is also the manifest written
// next to the artifacts.
type Artifacts struct {
	DocID         string        `json:"doc_id"`
	ContainerPath string        `json:"container_path"`
	IndexPath     string        `json:"index_path"`
	ContainerID   string        `json:"container_id"`
	PageCount     int           `json:"page_count"`
	Codec         string        `json:"codec"`
	Encoder       string        `json:"encoder"`
	Width         int           `json:"width"`
	Height        int           `json:"height"`
	SizeBytes     int64         `json:"size_bytes"`
	Chapters      int           `json:"chapters"`
	Vocabulary    int           `json:"vocabulary"`
	Elapsed       time.Duration `json:"elapsed"`
	EncodedAt     time.Time     `json:"encoded_at"`
}

type Deps struct {
	Packer    encoder.ContainerPacker
	Extractor retriever.FrameExtractor
	Resolver  resolver.ContentResolver
	Cache     *cache.ContentCache
	Catalog   *catalog.Catalog
	Metrics   *metrics.Metrics

	// Events receives document.encoded events, Invalidations receives
	// cache.invalidate events. Either may be nil.
	Events        kafka.Publisher
	Invalidations kafka.Publisher
}

type Library struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg *config.Config, deps Deps) (*Library, error) {
	if deps.Catalog == nil {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "library needs a catalog")
	}
	if deps.Events == nil {
		deps.Events = kafka.NopPublisher{}
	}
	if deps.Invalidations == nil {
		deps.Invalidations = kafka.NopPublisher{}
	}
	if !cfg.Cache.Enabled {
		deps.Cache = nil
	}
	return &Library{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "library"),
	}, nil
}

func ValidateDocID(docID string) error {
	if !docIDPattern.MatchString(docID) {
		return apperrors.Newf(apperrors.ErrInvalidInput, "document id %q must match %s", docID, docIDPattern)
	}
	return nil
}

func (l *Library) documentDir(docID string) string {
	return filepath.Join(l.cfg.Storage.DataDir, "documents", docID)
}

func (l *Library) indexOptions() tokenizer.Options {
	opts := tokenizer.DefaultOptions()
	opts.MinTermLength = l.cfg.Index.MinTermLength
	opts.Stem = l.cfg.Index.Stem
	return opts
}

// Encode renders src, builds its index and container and publishes them
// under docID, replacing any earlier encoding of the same document. Nothing
// under the document's directory changes unless every step succeeds.
func (l *Library) Encode(ctx context.Context, src source.Source, docID string) (Artifacts, error) {
	if err := ValidateDocID(docID); err != nil {
		return Artifacts{}, err
	}
	start := time.Now()
	log := l.logger.With("doc_id", docID)

	release, err := filelock.Exclusive(ctx, filepath.Join(l.cfg.Storage.DataDir, "locks", docID+".lock"))
	if err != nil {
		return Artifacts{}, err
	}
	defer release()

	finalDir := l.documentDir(docID)
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("creating document root: %w", err)
	}
	staging, err := os.MkdirTemp(filepath.Dir(finalDir), "."+docID+"-staging-")
	if err != nil {
		return Artifacts{}, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	enc := encoder.New(l.cfg.Encoder, l.indexOptions(), l.deps.Packer, encoder.Observers{
		encoder.MetricsObserver{Metrics: l.deps.Metrics},
		encoder.LogObserver{Logger: log},
	})
	defer func() {
		if err := enc.Cleanup(); err != nil {
			log.Warn("removing frames", "error", err)
		}
	}()

	_, idx, err := enc.AddDocument(ctx, src)
	if err != nil {
		return Artifacts{}, err
	}
	containerName := containerBase + l.cfg.Video.Extension
	stats, err := enc.BuildContainer(ctx, filepath.Join(staging, containerName), l.cfg.Video.Codec)
	if err != nil {
		return Artifacts{}, err
	}
	if err := enc.SaveIndex(filepath.Join(staging, IndexDir)); err != nil {
		return Artifacts{}, err
	}

	art := Artifacts{
		DocID:         docID,
		ContainerPath: filepath.Join(finalDir, containerName),
		IndexPath:     filepath.Join(finalDir, IndexDir),
		ContainerID:   cache.NewContainerID(),
		PageCount:     stats.Frames,
		Codec:         stats.Codec,
		Encoder:       stats.Encoder,
		Width:         stats.Width,
		Height:        stats.Height,
		SizeBytes:     stats.SizeBytes,
		Chapters:      len(idx.TOC().Chapters),
		Vocabulary:    idx.Stats().Vocabulary,
		EncodedAt:     time.Now().UTC(),
	}
	if err := writeManifest(filepath.Join(staging, ManifestFile), art); err != nil {
		return Artifacts{}, err
	}
	if err := swapDir(staging, finalDir); err != nil {
		return Artifacts{}, fmt.Errorf("publishing artifacts: %w", err)
	}

	art.Elapsed = time.Since(start)
	if err := writeManifest(filepath.Join(finalDir, ManifestFile), art); err != nil {
		return Artifacts{}, err
	}
	prev, replaced, err := l.deps.Catalog.Replace(ctx, catalog.Document{
		DocID:         docID,
		ContainerPath: art.ContainerPath,
		IndexPath:     art.IndexPath,
		ContainerID:   art.ContainerID,
		PageCount:     art.PageCount,
		Codec:         art.Codec,
		SizeBytes:     art.SizeBytes,
		EncodedAt:     art.EncodedAt,
	})
	if err != nil {
		return Artifacts{}, err
	}
	ev := newEvent(EventDocumentEncoded, art)
	if replaced {
		ev.PreviousContainerID = prev.ContainerID
		l.dropContainer(ctx, prev.ContainerPath, prev.ContainerID)
	}
	l.publish(ctx, ev)

	log.Info("document encoded",
		"pages", art.PageCount,
		"codec", art.Codec,
		"size_bytes", art.SizeBytes,
		"elapsed", art.Elapsed.Round(time.Millisecond),
	)
	return art, nil
}

// swapDir moves staging to final, replacing final if it exists.
func swapDir(staging, final string) error {
	old := ""
	if _, err := os.Stat(final); err == nil {
		old = fmt.Sprintf("%s.old-%d", final, time.Now().UnixNano())
		if err := os.Rename(final, old); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		if old != "" {
			os.Rename(old, final)
		}
		return err
	}
	if old != "" {
		return os.RemoveAll(old)
	}
	return nil
}

func writeManifest(path string, art Artifacts) error {
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads the manifest of an encoded document directory.
func ReadManifest(dir string) (Artifacts, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifacts{}, apperrors.Newf(apperrors.ErrDocumentNotFound, "no manifest in %s", dir)
		}
		return Artifacts{}, err
	}
	var art Artifacts
	if err := json.Unmarshal(data, &art); err != nil {
		return Artifacts{}, fmt.Errorf("decoding manifest: %w", err)
	}
	return art, nil
}

type documentRef struct {
	doc       catalog.Document
	container cache.Container
}

func (l *Library) lookup(ctx context.Context, docID string) (documentRef, error) {
	if err := ValidateDocID(docID); err != nil {
		return documentRef{}, err
	}
	doc, err := l.deps.Catalog.Get(ctx, docID)
	if err != nil {
		return documentRef{}, err
	}
	ctr, err := cache.Bind(doc.ContainerPath, doc.ContainerID)
	if err != nil {
		return documentRef{}, err
	}
	return documentRef{doc: doc, container: ctr}, nil
}

// dropContainer clears the entries of a superseded encoding. Lookups
// already miss them, so a failure only leaves garbage behind.
func (l *Library) dropContainer(ctx context.Context, path, id string) {
	if l.deps.Cache == nil || id == "" {
		return
	}
	ctr, err := cache.Bind(path, id)
	if err == nil {
		_, err = l.deps.Cache.Clear(ctx, ctr)
	}
	if err != nil {
		l.logger.Warn("clearing superseded cache entries", "container_id", id, "error", err)
	}
}

// open loads the document's index and builds a retriever over it. The
// caller closes the index.
func (l *Library) open(ctx context.Context, docID string) (*retriever.Retriever, *index.Index, error) {
	ref, err := l.lookup(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	idx, err := index.Load(ref.doc.IndexPath, index.LoadOptions{Mmap: l.cfg.Index.Mmap})
	if err != nil {
		return nil, nil, fmt.Errorf("loading index of %s: %w", docID, err)
	}
	r, err := retriever.New(idx, ref.container, retriever.Deps{
		Extractor: l.deps.Extractor,
		Resolver:  l.deps.Resolver,
		Cache:     l.deps.Cache,
		Metrics:   l.deps.Metrics,
	}, l.cfg.Retrieval)
	if err != nil {
		idx.Close()
		return nil, nil, err
	}
	return r, idx, nil
}

// Search uses the configured resolution mode; see SearchWith.
func (l *Library) Search(ctx context.Context, docID, query string, topK, contextWindow int) ([]retriever.RetrievedPage, error) {
	return l.SearchWith(ctx, docID, query, retriever.Options{
		TopK:          topK,
		ContextWindow: contextWindow,
		Batched:       l.cfg.Retrieval.Batched,
	})
}

func (l *Library) SearchWith(ctx context.Context, docID, query string, opts retriever.Options) ([]retriever.RetrievedPage, error) {
	r, idx, err := l.open(ctx, docID)
	if err != nil {
		return nil, err
	}
	defer idx.Close()
	return r.Search(ctx, query, opts)
}

func (l *Library) GetPage(ctx context.Context, docID string, pageNum int) (retriever.RetrievedPage, error) {
	r, idx, err := l.open(ctx, docID)
	if err != nil {
		return retriever.RetrievedPage{}, err
	}
	defer idx.Close()
	return r.GetPage(ctx, pageNum)
}

func (l *Library) Document(ctx context.Context, docID string) (catalog.Document, error) {
	ref, err := l.lookup(ctx, docID)
	return ref.doc, err
}

func (l *Library) Documents(ctx context.Context) ([]catalog.Document, error) {
	return l.deps.Catalog.List(ctx)
}

// ClearCache drops the cached pages of docID, or of every document when
// docID is empty, and tells other processes to do the same.
func (l *Library) ClearCache(ctx context.Context, docID string) (int, error) {
	if l.deps.Cache == nil {
		return 0, nil
	}
	if docID == "" {
		return l.deps.Cache.ClearAll(ctx)
	}
	ref, err := l.lookup(ctx, docID)
	if err != nil {
		return 0, err
	}
	n, err := l.deps.Cache.Clear(ctx, ref.container)
	if err != nil {
		return n, err
	}
	l.publish(ctx, newEvent(EventCacheInvalidate, Artifacts{
		DocID:         docID,
		ContainerPath: ref.doc.ContainerPath,
		ContainerID:   ref.container.ID,
	}))
	return n, nil
}

// CacheStats covers docID, or the whole cache when docID is empty.
func (l *Library) CacheStats(ctx context.Context, docID string) (cache.Stats, error) {
	if l.deps.Cache == nil {
		return cache.Stats{}, nil
	}
	if docID == "" {
		return l.deps.Cache.Stats(ctx, nil)
	}
	ref, err := l.lookup(ctx, docID)
	if err != nil {
		return cache.Stats{}, err
	}
	return l.deps.Cache.Stats(ctx, &ref.container)
}
