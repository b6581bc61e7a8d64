package retriever

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sga-jerrylin/DKR-SGA/internal/resolver"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/logger"
	"github.com/sga-jerrylin/DKR-SGA/pkg/resilience"
	"github.com/sga-jerrylin/DKR-SGA/pkg/tracing"
)

// resolveDetached fills pages on a context that survives the caller. If the
// caller gives up first, ctx.Err() is returned at once and the resolution
// keeps running so that its results still reach the cache.
func (r *Retriever) resolveDetached(ctx context.Context, pages []RetrievedPage, batched bool) error {
	work := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if r.cfg.ResolveTimeout > 0 {
		work, cancel = context.WithTimeout(work, r.cfg.ResolveTimeout)
	}

	// The goroutine owns pages until done is closed.
	scratch := make([]RetrievedPage, len(pages))
	copy(scratch, pages)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		if batched {
			r.resolveBatched(work, scratch)
		} else {
			r.resolveSequential(work, scratch)
		}
	}()

	select {
	case <-done:
		copy(pages, scratch)
		return nil
	case <-ctx.Done():
		logger.FromContext(ctx).Info("caller left, resolution continues in background",
			"pages", len(pages),
			"error", ctx.Err(),
		)
		return ctx.Err()
	}
}

// resolveSequential resolves pages one at a time through the cache.
func (r *Retriever) resolveSequential(ctx context.Context, pages []RetrievedPage) {
	_, span := tracing.Start(ctx, "resolve.sequential")
	defer span.End()

	var cached, resolved, failed int
	for i := range pages {
		p := &pages[i]
		start := time.Now()
		content, fromCache, err := r.resolveOne(ctx, p.FrameNum)
		p.Elapsed = time.Since(start)
		switch {
		case err != nil:
			p.fail(err)
			failed++
			r.logger.Warn("page not resolved", "page", p.PageNum, "error", err)
		case fromCache:
			p.succeed(content, true)
			cached++
		default:
			p.succeed(content, false)
			resolved++
		}
	}
	r.recordResolution(span, cached, resolved, failed)
}

// resolveOne returns the frame's content from the cache or the resolver.
func (r *Retriever) resolveOne(ctx context.Context, frame int) (string, bool, error) {
	resolve := func(ctx context.Context) (string, error) {
		png, err := r.extract(ctx, frame)
		if err != nil {
			return "", err
		}
		res, err := r.deps.Resolver.Resolve(ctx, resolver.Image{Frame: frame, PNG: png})
		if err != nil {
			return "", err
		}
		if !res.Success {
			return "", resolutionError(res)
		}
		return res.Text, nil
	}
	if r.deps.Cache == nil {
		content, err := resolve(ctx)
		return content, false, err
	}
	return r.deps.Cache.GetOrResolve(ctx, r.container, frame, resolve)
}

// resolveBatched serves cache hits first, then splits the misses into
// batches resolved concurrently on a bounded pool.
func (r *Retriever) resolveBatched(ctx context.Context, pages []RetrievedPage) {
	ctx, span := tracing.Start(ctx, "resolve.batched")
	defer span.End()

	var cached int
	var misses []int
	for i := range pages {
		if r.deps.Cache != nil {
			if content, ok := r.deps.Cache.Get(ctx, r.container, pages[i].FrameNum); ok {
				pages[i].succeed(content, true)
				cached++
				continue
			}
		}
		misses = append(misses, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxWorkers)
	for start := 0; start < len(misses); start += r.cfg.BatchSize {
		batch := misses[start:min(start+r.cfg.BatchSize, len(misses))]
		g.Go(func() error {
			r.resolveBatch(gctx, pages, batch)
			return nil
		})
	}
	_ = g.Wait()

	var resolved, failed int
	for _, i := range misses {
		if pages[i].Success {
			resolved++
		} else {
			failed++
		}
	}
	r.recordResolution(span, cached, resolved, failed)
}

// resolveBatch extracts and resolves the pages at the given positions. Each
// position belongs to exactly one batch, so batches never share a page.
func (r *Retriever) resolveBatch(ctx context.Context, pages []RetrievedPage, batch []int) {
	start := time.Now()
	defer func() { r.deps.Metrics.ObserveResolveBatch(time.Since(start)) }()

	imgs := make([]resolver.Image, 0, len(batch))
	owners := make([]int, 0, len(batch))
	for _, i := range batch {
		png, err := r.extract(ctx, pages[i].FrameNum)
		if err != nil {
			pages[i].fail(err)
			pages[i].Elapsed = time.Since(start)
			r.logger.Warn("frame not extracted", "page", pages[i].PageNum, "error", err)
			continue
		}
		imgs = append(imgs, resolver.Image{Frame: pages[i].FrameNum, PNG: png})
		owners = append(owners, i)
	}
	if len(imgs) == 0 {
		return
	}

	results, err := r.deps.Resolver.ResolveBatch(ctx, imgs)
	if err == nil && len(results) != len(imgs) {
		err = apperrors.Newf(apperrors.ErrResolverMismatch, "sent %d images, got %d results", len(imgs), len(results))
		r.logger.Error("resolver returned wrong number of results", "frames", framesOf(imgs), "results", len(results))
	}
	elapsed := time.Since(start)
	if err != nil {
		for _, i := range owners {
			pages[i].fail(err)
			pages[i].Elapsed = elapsed
		}
		return
	}

	// results[k] answers imgs[k], which was extracted for pages[owners[k]].
	for k, res := range results {
		p := &pages[owners[k]]
		p.Elapsed = elapsed
		if !res.Success {
			p.fail(resolutionError(res))
			continue
		}
		p.succeed(res.Text, false)
		if r.deps.Cache != nil {
			if err := r.deps.Cache.Put(ctx, r.container, p.FrameNum, res.Text); err != nil {
				r.logger.Error("cache write-back failed", "page", p.PageNum, "error", err)
			}
		}
	}
}

func (r *Retriever) extract(ctx context.Context, frame int) ([]byte, error) {
	var png []byte
	err := resilience.WithTimeout(ctx, r.cfg.ExtractTimeout, fmt.Sprintf("extract frame %d", frame), func(ctx context.Context) error {
		var err error
		png, err = r.deps.Extractor.Extract(ctx, r.containerPath, frame)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("extracting frame %d: %w", frame, err)
	}
	return png, nil
}

func (r *Retriever) recordResolution(span *tracing.Span, cached, resolved, failed int) {
	span.SetAttr("cached", cached)
	span.SetAttr("resolved", resolved)
	span.SetAttr("failed", failed)
	r.deps.Metrics.PagesResolved("cache", cached)
	r.deps.Metrics.PagesResolved("resolved", resolved)
	r.deps.Metrics.PagesResolved("failed", failed)
}

var errUnresolved = errors.New("content not resolved")

func resolutionError(res resolver.Resolution) error {
	if res.Error == "" {
		return errUnresolved
	}
	return fmt.Errorf("%w: %s", errUnresolved, res.Error)
}

func framesOf(imgs []resolver.Image) []int {
	out := make([]int, len(imgs))
	for i, img := range imgs {
		out[i] = img.Frame
	}
	return out
}
