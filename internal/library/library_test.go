package library

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/DKR-SGA/internal/cache"
	"github.com/sga-jerrylin/DKR-SGA/internal/catalog"
	"github.com/sga-jerrylin/DKR-SGA/internal/container"
	"github.com/sga-jerrylin/DKR-SGA/internal/index"
	"github.com/sga-jerrylin/DKR-SGA/internal/resolver"
	"github.com/sga-jerrylin/DKR-SGA/internal/source"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
	"github.com/sga-jerrylin/DKR-SGA/pkg/kafka"
)

// filePacker writes the frame count into the output file instead of
// running ffmpeg.
type filePacker struct {
	fail error
}

func (p *filePacker) Pack(_ context.Context, frameDir string, frames int, outputPath, codec string) (container.Stats, error) {
	if p.fail != nil {
		return container.Stats{}, p.fail
	}
	geo, err := container.ValidateFrames(frameDir, frames)
	if err != nil {
		return container.Stats{}, err
	}
	body := []byte(fmt.Sprintf("frames=%d", frames))
	if err := os.WriteFile(outputPath, body, 0o644); err != nil {
		return container.Stats{}, err
	}
	return container.Stats{
		Path:      outputPath,
		Frames:    frames,
		Codec:     codec,
		Encoder:   "fake",
		Width:     geo.Width,
		Height:    geo.Height,
		SizeBytes: int64(len(body)),
	}, nil
}

type frameExtractor struct{}

func (frameExtractor) Extract(_ context.Context, _ string, frame int) ([]byte, error) {
	return []byte(fmt.Sprintf("frame:%d", frame)), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Value.(DocumentEvent).Type)
	}
	return out
}

type fixture struct {
	lib      *Library
	cfg      *config.Config
	events   *recordingPublisher
	packer   *filePacker
	mu       sync.Mutex
	resolved int
	prefix   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureAt(t, t.TempDir())
}

// newFixtureAt builds a library over root. Two fixtures on the same root
// share the data directory, catalog and file cache but not the in-memory
// cache tier, like two dkr processes on one host.
func newFixtureAt(t *testing.T, root string) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = filepath.Join(root, "data")
	cfg.Encoder.FramesDir = root

	cat, err := catalog.OpenSQLite(context.Background(), filepath.Join(root, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	store, err := cache.NewFileStore(filepath.Join(root, "ocr_cache"))
	require.NoError(t, err)
	cc, err := cache.New(store, 16, nil)
	require.NoError(t, err)

	f := &fixture{cfg: cfg, events: &recordingPublisher{}, packer: &filePacker{}}
	resolve := resolver.Func(func(_ context.Context, img resolver.Image) (resolver.Resolution, error) {
		f.mu.Lock()
		f.resolved++
		prefix := f.prefix
		f.mu.Unlock()
		return resolver.Resolution{Success: true, Text: prefix + "text of " + string(img.PNG)}, nil
	})
	f.lib, err = New(cfg, Deps{
		Packer:        f.packer,
		Extractor:     frameExtractor{},
		Resolver:      resolve,
		Cache:         cc,
		Catalog:       cat,
		Events:        f.events,
		Invalidations: f.events,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) setPrefix(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix = p
}

func (f *fixture) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// pageDir writes one 10x8 PNG plus text sidecar per entry.
func pageDir(t *testing.T, texts ...string) *source.Dir {
	t.Helper()
	dir := t.TempDir()
	for i, text := range texts {
		img := image.NewRGBA(image.Rect(0, 0, 10, 8))
		img.Set(1, 1, color.Black)
		name := fmt.Sprintf("page_%03d", i+1)
		fh, err := os.Create(filepath.Join(dir, name+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(fh, img))
		require.NoError(t, fh.Close())
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".txt"), []byte(text), 0o644))
	}
	src, err := source.OpenDir(dir)
	require.NoError(t, err)
	return src
}

func report(t *testing.T) *source.Dir {
	return pageDir(t,
		"Quarterly report\nRevenue grew in the northern region.",
		"Headcount stayed flat across all teams.",
		"Outlook\nRevenue is expected to grow again next year.",
		"Appendix with office addresses.",
	)
}

func TestEncode_PublishesArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	art, err := f.lib.Encode(ctx, report(t), "q3-report")
	require.NoError(t, err)

	assert.Equal(t, 4, art.PageCount)
	assert.Equal(t, "h265", art.Codec)
	assert.Equal(t, 10, art.Width)
	assert.Equal(t, 8, art.Height)
	assert.NotEmpty(t, art.ContainerID)
	assert.FileExists(t, art.ContainerPath)
	assert.FileExists(t, filepath.Join(art.IndexPath, index.MetadataFile))

	manifest, err := ReadManifest(filepath.Dir(art.ContainerPath))
	require.NoError(t, err)
	assert.Equal(t, art.ContainerID, manifest.ContainerID)
	assert.Equal(t, art.PageCount, manifest.PageCount)

	doc, err := f.lib.Document(ctx, "q3-report")
	require.NoError(t, err)
	assert.Equal(t, art.ContainerPath, doc.ContainerPath)
	assert.Equal(t, art.IndexPath, doc.IndexPath)

	assert.Equal(t, []string{EventDocumentEncoded}, f.events.types())
	ev := f.events.events[0]
	assert.Equal(t, "q3-report", ev.Key)
	assert.Equal(t, art.ContainerID, ev.Value.(DocumentEvent).ContainerID)

	// no staging leftovers next to the document
	entries, err := os.ReadDir(filepath.Dir(filepath.Dir(art.ContainerPath)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "q3-report", entries[0].Name())
}

func TestEncode_InvalidDocID(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", "../escape", ".hidden", "a b", strings.Repeat("x", 129)} {
		_, err := f.lib.Encode(context.Background(), report(t), id)
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput, id)
	}
}

func TestEncode_FailureKeepsPreviousVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.lib.Encode(ctx, report(t), "doc")
	require.NoError(t, err)

	f.packer.fail = &apperrors.EncodeError{Stage: "pack", ExitCode: 1}
	_, err = f.lib.Encode(ctx, pageDir(t, "replacement page"), "doc")
	require.ErrorIs(t, err, apperrors.ErrEncodeFailure)

	doc, err := f.lib.Document(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 4, doc.PageCount)
	assert.FileExists(t, first.ContainerPath)

	pages, err := f.lib.Search(ctx, "doc", "revenue", 1, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, pages)
}

func TestEncode_EmptySource(t *testing.T) {
	f := newFixture(t)
	_, err := f.lib.Encode(context.Background(), pageDir(t), "empty")
	require.ErrorIs(t, err, apperrors.ErrEmptyCorpus)

	_, err = f.lib.Document(context.Background(), "empty")
	assert.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
}

func TestSearch_ResolvesAndCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.lib.Encode(ctx, report(t), "q3")
	require.NoError(t, err)

	pages, err := f.lib.Search(ctx, "q3", "revenue", 2, 1)
	require.NoError(t, err)
	require.NotEmpty(t, pages)

	var core int
	for i, p := range pages {
		if i > 0 {
			assert.Less(t, pages[i-1].PageNum, p.PageNum)
		}
		if p.IsCore {
			core++
			assert.Contains(t, []int{1, 3}, p.PageNum)
		}
		assert.True(t, p.Success, "page %d: %s", p.PageNum, p.Error)
		assert.Equal(t, fmt.Sprintf("text of frame:%d", p.FrameNum), p.Content)
		assert.False(t, p.FromCache)
	}
	assert.Equal(t, 2, core)
	first := f.resolveCount()
	assert.Equal(t, len(pages), first)

	again, err := f.lib.Search(ctx, "q3", "revenue", 2, 1)
	require.NoError(t, err)
	for _, p := range again {
		assert.True(t, p.FromCache, "page %d", p.PageNum)
	}
	assert.Equal(t, first, f.resolveCount())

	stats, err := f.lib.CacheStats(ctx, "q3")
	require.NoError(t, err)
	assert.Equal(t, len(pages), stats.Entries)
}

func TestSearch_NoMatchIsEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.lib.Encode(ctx, report(t), "q3")
	require.NoError(t, err)

	pages, err := f.lib.Search(ctx, "q3", "zeppelin", 3, 1)
	require.NoError(t, err)
	assert.Empty(t, pages)
	assert.Zero(t, f.resolveCount())
}

func TestSearch_UnknownDocument(t *testing.T) {
	f := newFixture(t)
	_, err := f.lib.Search(context.Background(), "missing", "revenue", 3, 1)
	assert.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
}

func TestGetPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.lib.Encode(ctx, report(t), "q3")
	require.NoError(t, err)

	p, err := f.lib.GetPage(ctx, "q3", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.PageNum)
	assert.True(t, p.Success)
	assert.Equal(t, "text of frame:1", p.Content)

	_, err = f.lib.GetPage(ctx, "q3", 5)
	assert.ErrorIs(t, err, apperrors.ErrPageOutOfRange)
	_, err = f.lib.GetPage(ctx, "q3", 0)
	assert.ErrorIs(t, err, apperrors.ErrPageOutOfRange)
}

func TestReencode_DropsCachedPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.lib.Encode(ctx, report(t), "q3")
	require.NoError(t, err)
	_, err = f.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)

	_, err = f.lib.Encode(ctx, report(t), "q3")
	require.NoError(t, err)

	stats, err := f.lib.CacheStats(ctx, "q3")
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	all, err := f.lib.CacheStats(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, all.Entries, "entries of the superseded encoding are removed")

	p, err := f.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	assert.False(t, p.FromCache)
}

func TestReencode_NewContainerIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.lib.Encode(ctx, report(t), "q3")
	require.NoError(t, err)
	second, err := f.lib.Encode(ctx, report(t), "q3")
	require.NoError(t, err)

	assert.Equal(t, first.ContainerPath, second.ContainerPath)
	assert.NotEqual(t, first.ContainerID, second.ContainerID)

	doc, err := f.lib.Document(ctx, "q3")
	require.NoError(t, err)
	assert.Equal(t, second.ContainerID, doc.ContainerID)

	evs := f.events.events
	require.Len(t, evs, 2)
	assert.Empty(t, evs[0].Value.(DocumentEvent).PreviousContainerID)
	assert.Equal(t, first.ContainerID, evs[1].Value.(DocumentEvent).PreviousContainerID)
}

func TestReencode_OtherProcessDoesNotServeStaleContent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	server := newFixtureAt(t, root)
	cli := newFixtureAt(t, root)

	_, err := cli.lib.Encode(ctx, pageDir(t, "first edition"), "q3")
	require.NoError(t, err)

	server.setPrefix("v1 ")
	p, err := server.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	assert.Equal(t, "v1 text of frame:0", p.Content)
	p, err = server.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	require.True(t, p.FromCache)

	_, err = cli.lib.Encode(ctx, pageDir(t, "second edition", "appendix"), "q3")
	require.NoError(t, err)

	server.setPrefix("v2 ")
	p, err = server.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	assert.False(t, p.FromCache)
	assert.Equal(t, "v2 text of frame:0", p.Content)
}

func TestClearCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := f.lib.Encode(ctx, report(t), id)
		require.NoError(t, err)
		_, err = f.lib.GetPage(ctx, id, 1)
		require.NoError(t, err)
	}

	n, err := f.lib.ClearCache(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, f.events.types(), EventCacheInvalidate)

	stats, err := f.lib.CacheStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)

	n, err = f.lib.ClearCache(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHandleInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	art, err := f.lib.Encode(ctx, report(t), "q3")
	require.NoError(t, err)

	_, err = f.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	firstEncode, err := json.Marshal(DocumentEvent{Type: EventDocumentEncoded, DocID: "q3", ContainerPath: art.ContainerPath, ContainerID: art.ContainerID})
	require.NoError(t, err)
	require.NoError(t, f.lib.HandleInvalidation(ctx, []byte("q3"), firstEncode))
	p, err := f.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	assert.True(t, p.FromCache, "a first encode supersedes nothing")

	superseded, err := json.Marshal(DocumentEvent{
		Type:                EventDocumentEncoded,
		DocID:               "q3",
		ContainerPath:       art.ContainerPath,
		ContainerID:         "f00dfeedf00dfeedf00dfeedf00dfeed",
		PreviousContainerID: art.ContainerID,
	})
	require.NoError(t, err)
	require.NoError(t, f.lib.HandleInvalidation(ctx, []byte("q3"), superseded))
	p, err = f.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	assert.False(t, p.FromCache)

	byPath, err := json.Marshal(DocumentEvent{Type: EventCacheInvalidate, ContainerPath: art.ContainerPath, ContainerID: art.ContainerID})
	require.NoError(t, err)
	require.NoError(t, f.lib.HandleInvalidation(ctx, nil, byPath))
	p, err = f.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	assert.False(t, p.FromCache)

	byDoc, err := json.Marshal(DocumentEvent{Type: EventCacheInvalidate, DocID: "q3"})
	require.NoError(t, err)
	require.NoError(t, f.lib.HandleInvalidation(ctx, nil, byDoc))
	p, err = f.lib.GetPage(ctx, "q3", 1)
	require.NoError(t, err)
	assert.False(t, p.FromCache)

	assert.ErrorIs(t, f.lib.HandleInvalidation(ctx, nil, []byte(`{"type":"cache.invalidate"}`)), apperrors.ErrInvalidInput)
	assert.Error(t, f.lib.HandleInvalidation(ctx, nil, []byte("not json")))
}

func TestEncode_ConcurrentSameDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	srcs := []*source.Dir{report(t), report(t), report(t)}
	var wg sync.WaitGroup
	errs := make([]error, len(srcs))
	for i, src := range srcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.lib.Encode(ctx, src, "shared")
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	doc, err := f.lib.Document(ctx, "shared")
	require.NoError(t, err)
	manifest, err := ReadManifest(filepath.Dir(doc.ContainerPath))
	require.NoError(t, err)
	assert.Equal(t, doc.ContainerID, manifest.ContainerID)
}
