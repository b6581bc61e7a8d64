package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	pkgredis "github.com/sga-jerrylin/DKR-SGA/pkg/redis"
)

func container(t *testing.T, name string) Container {
	t.Helper()
	c, err := ContainerFor(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	return c
}

func newFileCache(t *testing.T, memEntries int) (*ContentCache, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "ocr_cache"))
	require.NoError(t, err)
	c, err := New(store, memEntries, nil)
	require.NoError(t, err)
	return c, store
}

func TestContainerFor(t *testing.T) {
	dir := t.TempDir()
	a, err := ContainerFor(filepath.Join(dir, "annual report.mkv"))
	require.NoError(t, err)
	b, err := ContainerFor(filepath.Join(dir, ".", "annual report.mkv"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "identity is stable across path spellings")
	assert.Len(t, a.ID, 64)
	assert.Equal(t, "annual_report-"+a.ID[:8], a.Namespace())

	other, err := ContainerFor(filepath.Join(dir, "other.mkv"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)
}

func TestBind_PerEncodeIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "document.mkv")
	first, err := Bind(path, NewContainerID())
	require.NoError(t, err)
	second, err := Bind(path, NewContainerID())
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.Namespace(), second.Namespace())

	_, err = Bind(path, "abc")
	assert.Error(t, err)
}

func TestCache_ReboundContainerMisses(t *testing.T) {
	ctx := context.Background()
	c, _ := newFileCache(t, 16)
	path := filepath.Join(t.TempDir(), "document.mkv")
	v1, err := Bind(path, NewContainerID())
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, v1, 0, "old text"))

	v2, err := Bind(path, NewContainerID())
	require.NoError(t, err)
	_, ok := c.Get(ctx, v2, 0)
	assert.False(t, ok, "a new encoding at the same path starts empty")

	got, ok := c.Get(ctx, v1, 0)
	require.True(t, ok)
	assert.Equal(t, "old text", got)
}

func TestFileStore_PutGetClear(t *testing.T) {
	ctx := context.Background()
	c, store := newFileCache(t, 0)
	doc := container(t, "doc.mkv")
	other := container(t, "other.mkv")

	_, ok := c.Get(ctx, doc, 3)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, doc, 3, "page four"))
	require.NoError(t, c.Put(ctx, doc, 4, "page five"))
	require.NoError(t, c.Put(ctx, other, 0, "other cover"))
	assert.FileExists(t, filepath.Join(store.Dir(), doc.Namespace(), "3.json"))

	content, ok := c.Get(ctx, doc, 3)
	require.True(t, ok)
	assert.Equal(t, "page four", content)

	st, err := c.Stats(ctx, &doc)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entries)
	assert.Positive(t, st.Bytes)

	st, err = c.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Containers)
	assert.Equal(t, 3, st.Entries)

	n, err := c.Clear(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok = c.Get(ctx, doc, 3)
	assert.False(t, ok)
	_, ok = c.Get(ctx, other, 0)
	assert.True(t, ok, "clearing one container leaves others")

	n, err = c.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st, err = c.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
}

func TestFileStore_CorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	c, store := newFileCache(t, 0)
	doc := container(t, "doc.mkv")
	path := filepath.Join(store.Dir(), doc.Namespace(), "0.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, ok := c.Get(ctx, doc, 0)
	assert.False(t, ok)
	require.NoError(t, c.Put(ctx, doc, 0, "fixed"))
	content, ok := c.Get(ctx, doc, 0)
	require.True(t, ok)
	assert.Equal(t, "fixed", content)
}

func TestMemoryTierIsClearedWithStore(t *testing.T) {
	ctx := context.Background()
	c, _ := newFileCache(t, 16)
	doc := container(t, "doc.mkv")
	require.NoError(t, c.Put(ctx, doc, 1, "cached"))
	_, err := c.Clear(ctx, doc)
	require.NoError(t, err)
	_, ok := c.Get(ctx, doc, 1)
	assert.False(t, ok, "memory tier must not outlive a clear")
}

func TestGetOrResolve_SecondCallHitsCache(t *testing.T) {
	ctx := context.Background()
	c, _ := newFileCache(t, 0)
	doc := container(t, "doc.mkv")
	var calls atomic.Int32
	resolve := func(context.Context) (string, error) {
		calls.Add(1)
		return "resolved text", nil
	}

	content, fromCache, err := c.GetOrResolve(ctx, doc, 7, resolve)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "resolved text", content)

	content, fromCache, err = c.GetOrResolve(ctx, doc, 7, resolve)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, "resolved text", content)
	assert.Equal(t, int32(1), calls.Load())

	st, err := c.Stats(ctx, &doc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Hits)
}

func TestGetOrResolve_FailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	c, _ := newFileCache(t, 8)
	doc := container(t, "doc.mkv")
	_, _, err := c.GetOrResolve(ctx, doc, 0, func(context.Context) (string, error) {
		return "", errors.New("ocr down")
	})
	require.Error(t, err)
	_, ok := c.Get(ctx, doc, 0)
	assert.False(t, ok)
}

func TestGetOrResolve_CollapsesConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	c, _ := newFileCache(t, 0)
	doc := container(t, "doc.mkv")
	var calls atomic.Int32
	release := make(chan struct{})
	resolve := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "slow page", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content, _, err := c.GetOrResolve(ctx, doc, 2, resolve)
			assert.NoError(t, err)
			results[i] = content
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "slow page", r)
	}
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestFileStore_ConcurrentWritersAndClear(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	doc := container(t, "doc.mkv")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for frame := 0; frame < 10; frame++ {
				err := store.Put(ctx, doc, Entry{ContainerID: doc.ID, Frame: frame, Content: fmt.Sprintf("frame %d", frame)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := store.Clear(ctx, doc)
		assert.NoError(t, err)
	}()
	wg.Wait()

	for frame := 0; frame < 10; frame++ {
		e, ok, err := store.Get(ctx, doc, frame)
		require.NoError(t, err)
		if ok {
			assert.Equal(t, fmt.Sprintf("frame %d", frame), e.Content)
		}
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("DKR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DKR_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	cfg := config.Default().Redis
	cfg.Addr = addr
	client, err := pkgredis.NewClient(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisStore(client, fmt.Sprintf("dkr:test:%d:", time.Now().UnixNano()))
	c, err := New(store, 0, nil)
	require.NoError(t, err)
	doc := container(t, "doc.mkv")
	defer c.ClearAll(ctx)

	require.NoError(t, c.Put(ctx, doc, 0, "cover"))
	require.NoError(t, c.Put(ctx, doc, 1, "intro"))
	content, ok := c.Get(ctx, doc, 1)
	require.True(t, ok)
	assert.Equal(t, "intro", content)

	st, err := c.Stats(ctx, &doc)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Entries)

	n, err := c.Clear(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, ok = c.Get(ctx, doc, 0)
	assert.False(t, ok)
}
