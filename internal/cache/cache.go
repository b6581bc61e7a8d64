// Package cache stores resolved page content keyed by (container, frame).
// A ContentCache puts an in-process LRU tier in front of a persistent Store
// and collapses concurrent resolutions of the same frame.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/sga-jerrylin/DKR-SGA/pkg/metrics"
)

type memKey struct {
	container string
	frame     int
}

// Stats is the store's view plus this process's hit counters.
type Stats struct {
	StoreStats
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type ContentCache struct {
	store   Store
	mem     *lru.Cache[memKey, string]
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
	now     func() time.Time
}

// New wraps store. memEntries <= 0 disables the in-process tier.
func New(store Store, memEntries int, m *metrics.Metrics) (*ContentCache, error) {
	c := &ContentCache{
		store:   store,
		metrics: m,
		logger:  slog.Default().With("component", "content-cache"),
		now:     time.Now,
	}
	if memEntries > 0 {
		mem, err := lru.New[memKey, string](memEntries)
		if err != nil {
			return nil, fmt.Errorf("creating memory tier: %w", err)
		}
		c.mem = mem
	}
	return c, nil
}

// Get returns cached content. Store errors are logged and reported as a
// miss; the caller resolves the frame again.
func (c *ContentCache) Get(ctx context.Context, ctr Container, frame int) (string, bool) {
	key := memKey{ctr.ID, frame}
	if c.mem != nil {
		if content, ok := c.mem.Get(key); ok {
			c.hit(true)
			return content, true
		}
	}
	e, ok, err := c.store.Get(ctx, ctr, frame)
	if err != nil {
		c.logger.Error("cache get failed", "container", ctr.Namespace(), "frame", frame, "error", err)
	}
	if err != nil || !ok {
		c.hit(false)
		return "", false
	}
	if c.mem != nil {
		c.mem.Add(key, e.Content)
	}
	c.hit(true)
	return e.Content, true
}

func (c *ContentCache) Put(ctx context.Context, ctr Container, frame int, content string) error {
	err := c.store.Put(ctx, ctr, Entry{
		ContainerID:   ctr.ID,
		ContainerPath: ctr.Path,
		Frame:         frame,
		Content:       content,
		ResolvedAt:    c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("caching frame %d of %s: %w", frame, ctr.Namespace(), err)
	}
	if c.mem != nil {
		c.mem.Add(memKey{ctr.ID, frame}, content)
	}
	return nil
}

// GetOrResolve returns cached content, or runs resolve once per key across
// concurrent callers and caches its result. A failed write-back is logged;
// the resolved content is still returned.
func (c *ContentCache) GetOrResolve(ctx context.Context, ctr Container, frame int, resolve func(ctx context.Context) (string, error)) (string, bool, error) {
	if content, ok := c.Get(ctx, ctr, frame); ok {
		return content, true, nil
	}
	key := fmt.Sprintf("%s:%d", ctr.ID, frame)
	v, err, _ := c.group.Do(key, func() (any, error) {
		content, err := resolve(ctx)
		if err != nil {
			return "", err
		}
		if err := c.Put(ctx, ctr, frame, content); err != nil {
			c.logger.Error("cache write-back failed", "error", err)
		}
		return content, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

// Clear drops every entry of one container.
func (c *ContentCache) Clear(ctx context.Context, ctr Container) (int, error) {
	if c.mem != nil {
		for _, k := range c.mem.Keys() {
			if k.container == ctr.ID {
				c.mem.Remove(k)
			}
		}
	}
	n, err := c.store.Clear(ctx, ctr)
	if err != nil {
		return n, fmt.Errorf("clearing cache for %s: %w", ctr.Namespace(), err)
	}
	c.logger.Info("cache cleared", "container", ctr.Namespace(), "entries", n)
	return n, nil
}

func (c *ContentCache) ClearAll(ctx context.Context) (int, error) {
	if c.mem != nil {
		c.mem.Purge()
	}
	n, err := c.store.ClearAll(ctx)
	if err != nil {
		return n, fmt.Errorf("clearing cache: %w", err)
	}
	c.logger.Info("cache cleared", "entries", n)
	return n, nil
}

// Stats covers one container, or the whole store when ctr is nil.
func (c *ContentCache) Stats(ctx context.Context, ctr *Container) (Stats, error) {
	st, err := c.store.Stats(ctx, ctr)
	if err != nil {
		return Stats{}, err
	}
	return Stats{StoreStats: st, Hits: c.hits.Load(), Misses: c.misses.Load()}, nil
}

func (c *ContentCache) hit(ok bool) {
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.CacheLookup(ok)
}
