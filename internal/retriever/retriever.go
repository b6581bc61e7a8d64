// Package retriever answers queries against one encoded document: it ranks
// pages with the index, widens the hits with neighbouring pages and resolves
// each page image to text through the content cache and resolver.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sga-jerrylin/DKR-SGA/internal/cache"
	"github.com/sga-jerrylin/DKR-SGA/internal/index"
	"github.com/sga-jerrylin/DKR-SGA/internal/resolver"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/logger"
	"github.com/sga-jerrylin/DKR-SGA/pkg/metrics"
	"github.com/sga-jerrylin/DKR-SGA/pkg/tracing"
)

// FrameExtractor decodes one frame of a container as PNG.
type FrameExtractor interface {
	Extract(ctx context.Context, containerPath string, frame int) ([]byte, error)
}

// RetrievedPage is one page of a retrieval result. Success=false pages carry
// empty Content and the failure in Err.
type RetrievedPage struct {
	PageNum   int             `json:"page_num"`
	FrameNum  int             `json:"frame_num"`
	PageType  PageType        `json:"page_type"`
	IsCore    bool            `json:"is_core"`
	Content   string          `json:"content"`
	FromCache bool            `json:"resolved_from_cache"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Err       error           `json:"-"`
	Title     string          `json:"title,omitempty"`
	Chapter   string          `json:"chapter,omitempty"`
	Score     float64         `json:"score,omitempty"`
	Relevance index.Relevance `json:"relevance,omitempty"`
	Elapsed   time.Duration   `json:"elapsed"`
}

func (p *RetrievedPage) fail(err error) {
	p.Success = false
	p.Content = ""
	p.Err = err
	p.Error = err.Error()
}

func (p *RetrievedPage) succeed(content string, fromCache bool) {
	p.Success = true
	p.Content = content
	p.FromCache = fromCache
	p.Err = nil
	p.Error = ""
}

// Options control one Search call. A non-positive TopK uses the configured
// default, as does a negative ContextWindow.
type Options struct {
	TopK          int
	ContextWindow int
	Batched       bool
}

// Deps are the collaborators of a Retriever. A nil Cache resolves every
// page on every call.
type Deps struct {
	Extractor FrameExtractor
	Resolver  resolver.ContentResolver
	Cache     *cache.ContentCache
	Metrics   *metrics.Metrics
}

type Retriever struct {
	idx           *index.Index
	containerPath string
	container     cache.Container
	deps          Deps
	cfg           config.RetrievalConfig
	logger        *slog.Logger
}

// New builds a retriever over idx and the container it was encoded with.
// ctr must carry the ID recorded for that encoding.
func New(idx *index.Index, ctr cache.Container, deps Deps, cfg config.RetrievalConfig) (*Retriever, error) {
	if idx == nil || !idx.Built() {
		return nil, apperrors.ErrIndexNotBuilt
	}
	if deps.Extractor == nil || deps.Resolver == nil {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "retriever needs a frame extractor and a content resolver")
	}
	if ctr.Path == "" || len(ctr.ID) < 8 {
		return nil, apperrors.New(apperrors.ErrInvalidInput, "retriever needs a bound container")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &Retriever{
		idx:           idx,
		containerPath: ctr.Path,
		container:     ctr,
		deps:          deps,
		cfg:           cfg,
		logger:        slog.Default().With("component", "retriever", "container", ctr.Namespace()),
	}, nil
}

func (r *Retriever) Container() cache.Container { return r.container }

// Search ranks pages for query, expands each hit by the context window and
// resolves every page. Pages come back in document order. A page that cannot
// be resolved is reported with Success=false and does not fail the call.
func (r *Retriever) Search(ctx context.Context, query string, opts Options) ([]RetrievedPage, error) {
	if opts.TopK <= 0 {
		opts.TopK = r.cfg.TopK
	}
	if opts.ContextWindow < 0 {
		opts.ContextWindow = r.cfg.ContextWindow
	}
	ctx = r.withRequestID(ctx)
	ctx, span := tracing.Start(ctx, "retriever.search")
	log := logger.FromContext(ctx).With("component", "retriever")
	start := time.Now()
	defer func() {
		span.End()
		span.Log(log)
	}()
	span.SetAttr("top_k", opts.TopK)
	span.SetAttr("context_window", opts.ContextWindow)
	span.SetAttr("batched", opts.Batched)

	hits, err := r.idx.Search(query, opts.TopK)
	if err != nil {
		span.Fail(err)
		r.deps.Metrics.ObserveSearch("error", time.Since(start), 0)
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if len(hits) == 0 {
		r.deps.Metrics.ObserveSearch("empty", time.Since(start), 0)
		log.Info("no pages matched", "query", query)
		return []RetrievedPage{}, nil
	}

	slots := expandContext(hits, opts.ContextWindow, r.idx.TotalPages())
	pages := make([]RetrievedPage, len(slots))
	for i, s := range slots {
		pages[i] = r.newPage(s.frame, s.typ)
		if s.hit != nil {
			pages[i].Score = s.hit.Score
			pages[i].Relevance = s.hit.Relevance
		}
	}
	span.SetAttr("core_pages", len(hits))
	span.SetAttr("pages", len(pages))

	if err := r.resolveDetached(ctx, pages, opts.Batched); err != nil {
		span.Fail(err)
		r.deps.Metrics.ObserveSearch("cancelled", time.Since(start), 0)
		return nil, err
	}

	failed := 0
	for _, p := range pages {
		if !p.Success {
			failed++
		}
	}
	outcome := "ok"
	if failed > 0 {
		outcome = "partial"
	}
	r.deps.Metrics.ObserveSearch(outcome, time.Since(start), len(pages))
	log.Info("search complete",
		"query", query,
		"core_pages", len(hits),
		"pages", len(pages),
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return pages, nil
}

// GetPage resolves a single page by its 1-based number.
func (r *Retriever) GetPage(ctx context.Context, pageNum int) (RetrievedPage, error) {
	total := r.idx.TotalPages()
	if pageNum < 1 || pageNum > total {
		return RetrievedPage{}, apperrors.Newf(apperrors.ErrPageOutOfRange, "page %d, document has %d pages", pageNum, total)
	}
	ctx = r.withRequestID(ctx)
	ctx, span := tracing.Start(ctx, "retriever.get_page")
	defer func() {
		span.End()
		span.Log(logger.FromContext(ctx))
	}()
	span.SetAttr("page", pageNum)

	pages := []RetrievedPage{r.newPage(pageNum-1, PageCore)}
	if err := r.resolveDetached(ctx, pages, false); err != nil {
		span.Fail(err)
		return RetrievedPage{}, err
	}
	return pages[0], nil
}

func (r *Retriever) newPage(frame int, typ PageType) RetrievedPage {
	p := RetrievedPage{
		PageNum:  frame + 1,
		FrameNum: frame,
		PageType: typ,
		IsCore:   typ == PageCore,
	}
	if rec, ok := r.idx.PageInfo(frame); ok {
		p.Title = rec.Title
		p.Chapter = rec.Chapter
	}
	return p
}

func (r *Retriever) withRequestID(ctx context.Context) context.Context {
	if logger.RequestID(ctx) != "" {
		return ctx
	}
	return logger.WithRequestID(ctx, uuid.NewString())
}
