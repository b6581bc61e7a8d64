package index

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/DKR-SGA/internal/tokenizer"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

func buildIndex(t testing.TB, texts ...string) *Index {
	t.Helper()
	idx := New(tokenizer.DefaultOptions())
	for i, text := range texts {
		require.NoError(t, idx.AddPage(PageRecord{
			PageNum:  i + 1,
			FrameNum: i,
			Title:    fmt.Sprintf("Page %d", i+1),
			Text:     text,
		}))
	}
	require.NoError(t, idx.Build())
	return idx
}

var corpus = []string{
	"Quarterly revenue grew in 2023 across every region.",
	"The encoder packs rendered pages into a video container.",
	"Revenue recognition policy and revenue forecasts for 2024.",
	"检索系统使用词法索引定位相关页面。",
	"Appendix: glossary of container and frame terminology.",
	"Revenue",
}

func assertWellFormed(t *testing.T, results []SearchResult, k int) {
	t.Helper()
	assert.LessOrEqual(t, len(results), k)
	for i, r := range results {
		assert.Greater(t, r.Score, 0.0)
		assert.Equal(t, i+1, r.Rank)
		assert.Equal(t, r.FrameNum+1, r.PageNum)
		if i > 0 {
			assert.LessOrEqual(t, r.Score, results[i-1].Score)
		}
		assert.InDelta(t, r.Score/results[0].Score, r.ScoreRatio, 1e-12)
		assert.Equal(t, bandFor(r.ScoreRatio), r.Relevance)
	}
}

func TestSearch_AtMostKPositiveNonIncreasing(t *testing.T) {
	idx := buildIndex(t, corpus...)
	queries := []string{"revenue", "revenue 2024", "container frame", "检索系统", "glossary", "nothing matches this"}
	for _, q := range queries {
		for _, k := range []int{1, 2, 3, 10} {
			results, err := idx.Search(q, k)
			require.NoError(t, err)
			assertWellFormed(t, results, k)
		}
	}
}

func TestSearch_FindsExpectedPages(t *testing.T) {
	idx := buildIndex(t, corpus...)

	results, err := idx.Search("revenue", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	frames := make([]int, 0, len(results))
	for _, r := range results {
		frames = append(frames, r.FrameNum)
	}
	assert.ElementsMatch(t, []int{0, 2, 5}, frames)
	assert.Equal(t, RelevanceHigh, results[0].Relevance)
	assert.Equal(t, 1.0, results[0].ScoreRatio)

	results, err = idx.Search("系统", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].FrameNum)

	results, err = idx.Search("2024", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].FrameNum)
}

func TestSearch_NoMatchAndNoTerms(t *testing.T) {
	idx := buildIndex(t, corpus...)

	results, err := idx.Search("zeppelin", 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search("the of is", 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search("revenue", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_TiesKeepPageOrder(t *testing.T) {
	idx := buildIndex(t, "video frame", "other words", "video frame", "video frame")
	results, err := idx.Search("video", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []int{0, 2, 3}, []int{results[0].FrameNum, results[1].FrameNum, results[2].FrameNum})
	for _, r := range results {
		assert.Equal(t, RelevanceHigh, r.Relevance)
	}
}

func TestSearch_BandsAreRelativeToResultSet(t *testing.T) {
	small := buildIndex(t,
		"apple pie",
		"apple banana cherry date elderberry fig grape honeydew",
	)
	before, err := small.Search("apple", 5)
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, 0, before[0].FrameNum)
	assert.Equal(t, 1.0, before[0].ScoreRatio)

	superset := buildIndex(t,
		"apple pie",
		"apple banana cherry date elderberry fig grape honeydew",
		"apple apple apple apple",
	)
	after, err := superset.Search("apple", 5)
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, 2, after[0].FrameNum)
	assertWellFormed(t, after, 5)

	for _, r := range after {
		if r.FrameNum == 0 {
			assert.Less(t, r.ScoreRatio, 1.0)
		}
	}
}

func TestSearch_CombinesTerms(t *testing.T) {
	idx := buildIndex(t, corpus...)
	one, err := idx.Search("revenue", 10)
	require.NoError(t, err)
	both, err := idx.Search("revenue 2024", 10)
	require.NoError(t, err)
	require.NotEmpty(t, both)
	assert.Equal(t, 2, both[0].FrameNum)
	assert.GreaterOrEqual(t, len(both), len(one))
}

func TestSearch_DuplicateQueryTermsCountOnce(t *testing.T) {
	idx := buildIndex(t, corpus...)
	once, err := idx.Search("revenue", 3)
	require.NoError(t, err)
	twice, err := idx.Search("revenue revenue revenue", 3)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestBuild_Errors(t *testing.T) {
	idx := New(tokenizer.DefaultOptions())
	assert.ErrorIs(t, idx.Build(), apperrors.ErrEmptyCorpus)

	_, err := idx.Search("x", 1)
	assert.ErrorIs(t, err, apperrors.ErrIndexNotBuilt)

	built := buildIndex(t, "one page")
	assert.ErrorIs(t, built.Build(), apperrors.ErrIndexSealed)
	assert.ErrorIs(t, built.AddPage(PageRecord{PageNum: 2, FrameNum: 1}), apperrors.ErrIndexSealed)
}

func TestAddPage_Validation(t *testing.T) {
	idx := New(tokenizer.DefaultOptions())
	assert.ErrorIs(t, idx.AddPage(PageRecord{PageNum: 0, FrameNum: -1}), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, idx.AddPage(PageRecord{PageNum: 1, FrameNum: 1}), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, idx.AddPage(PageRecord{PageNum: 2, FrameNum: 1}), apperrors.ErrInvalidInput)
	assert.ErrorIs(t, idx.AddPage(PageRecord{
		PageNum: 1, FrameNum: 0, Extensions: map[string]string{"Bad Key": "x"},
	}), apperrors.ErrInvalidInput)
	require.NoError(t, idx.AddPage(PageRecord{
		PageNum: 1, FrameNum: 0, Extensions: map[string]string{"source.width": "3308"},
	}))
}

func TestPageInfo(t *testing.T) {
	idx := buildIndex(t, corpus...)
	rec, ok := idx.PageInfo(2)
	require.True(t, ok)
	assert.Equal(t, 3, rec.PageNum)
	assert.Equal(t, "Page 3", rec.Title)

	_, ok = idx.PageInfo(-1)
	assert.False(t, ok)
	_, ok = idx.PageInfo(len(corpus))
	assert.False(t, ok)
	assert.Equal(t, len(corpus), idx.TotalPages())
}

func TestSaveLoad_SearchEquivalence(t *testing.T) {
	idx := New(tokenizer.DefaultOptions())
	chapters := []string{"Intro", "Intro", "Finance", "Finance", "Appendix", "Appendix"}
	for i, text := range corpus {
		require.NoError(t, idx.AddPage(PageRecord{PageNum: i + 1, FrameNum: i, Text: text, Chapter: chapters[i]}))
	}
	require.NoError(t, idx.Build())

	dir := t.TempDir()
	require.NoError(t, idx.Save(dir))

	queries := []string{"revenue", "revenue 2024", "container", "检索", "glossary frame", "absent"}
	for _, mmap := range []bool{false, true} {
		t.Run(fmt.Sprintf("mmap=%v", mmap), func(t *testing.T) {
			loaded, err := Load(dir, LoadOptions{Mmap: mmap})
			require.NoError(t, err)
			defer loaded.Close()

			assert.Equal(t, idx.Stats(), loaded.Stats())
			assert.Equal(t, idx.TOC(), loaded.TOC())
			assert.Equal(t, idx.TotalPages(), loaded.TotalPages())
			assert.Equal(t, idx.TokenizerOptions(), loaded.TokenizerOptions())
			for _, q := range queries {
				for _, k := range []int{1, 3, 10} {
					want, err := idx.Search(q, k)
					require.NoError(t, err)
					got, err := loaded.Search(q, k)
					require.NoError(t, err)
					assert.Equal(t, want, got, "query %q k=%d", q, k)
				}
			}
			pages, ok := loaded.ChapterPages("Finance")
			require.True(t, ok)
			assert.Equal(t, []int{3, 4}, pages)
		})
	}
}

func TestLoad_ClosedIndexRejectsSearch(t *testing.T) {
	idx := buildIndex(t, corpus...)
	dir := t.TempDir()
	require.NoError(t, idx.Save(dir))

	loaded, err := Load(dir, LoadOptions{Mmap: true})
	require.NoError(t, err)
	require.NoError(t, loaded.Close())
	require.NoError(t, loaded.Close())
	_, err = loaded.Search("revenue", 3)
	assert.ErrorIs(t, err, apperrors.ErrIndexNotBuilt)
}

func TestLoad_Corruption(t *testing.T) {
	idx := buildIndex(t, corpus...)
	dir := t.TempDir()
	require.NoError(t, idx.Save(dir))

	_, err := Load(t.TempDir(), LoadOptions{})
	assert.ErrorIs(t, err, apperrors.ErrDocumentNotFound)

	postings := filepath.Join(dir, PostingsFile)
	data, err := os.ReadFile(postings)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(postings, flipped, 0o644))
	_, err = Load(dir, LoadOptions{Mmap: false})
	assert.ErrorIs(t, err, apperrors.ErrIndexCorrupt)

	require.NoError(t, os.WriteFile(postings, data[:10], 0o644))
	_, err = Load(dir, LoadOptions{Mmap: true})
	assert.ErrorIs(t, err, apperrors.ErrIndexCorrupt)

	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("{"), 0o644))
	_, err = Load(dir, LoadOptions{})
	assert.ErrorIs(t, err, apperrors.ErrIndexCorrupt)
}

// corruptDict rewrites the term length of the first dictionary entry. With
// resum the header checksum is recomputed so only the structural checks can
// catch it.
func corruptDict(t *testing.T, dir string, resum bool) {
	t.Helper()
	path := filepath.Join(dir, PostingsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	le := binary.LittleEndian
	docCount := int(le.Uint32(data[8:12]))
	entry := headerSize + 4*docCount
	le.PutUint32(data[entry+4:], 1<<20)
	if resum {
		le.PutUint32(data[20:24], crc32.ChecksumIEEE(data[headerSize:]))
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestLoad_CorruptDictionary(t *testing.T) {
	for _, mmap := range []bool{true, false} {
		for _, resum := range []bool{false, true} {
			t.Run(fmt.Sprintf("mmap=%v/resum=%v", mmap, resum), func(t *testing.T) {
				idx := buildIndex(t, corpus...)
				dir := t.TempDir()
				require.NoError(t, idx.Save(dir))
				corruptDict(t, dir, resum)

				var loaded *Index
				var err error
				require.NotPanics(t, func() {
					loaded, err = Load(dir, LoadOptions{Mmap: mmap})
					if err == nil {
						_, err = loaded.Search("flat", 3)
						loaded.Close()
					}
				})
				assert.ErrorIs(t, err, apperrors.ErrIndexCorrupt)
			})
		}
	}
}

func TestLoad_CorruptPostingRangeWithValidChecksum(t *testing.T) {
	idx := buildIndex(t, corpus...)
	dir := t.TempDir()
	require.NoError(t, idx.Save(dir))

	path := filepath.Join(dir, PostingsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	le := binary.LittleEndian
	entry := headerSize + 4*int(le.Uint32(data[8:12]))
	le.PutUint32(data[entry+12:], 1<<30)
	le.PutUint32(data[20:24], crc32.ChecksumIEEE(data[headerSize:]))
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(dir, LoadOptions{Mmap: true})
	assert.ErrorIs(t, err, apperrors.ErrIndexCorrupt)
}

func TestSave_RequiresBuild(t *testing.T) {
	idx := New(tokenizer.DefaultOptions())
	assert.ErrorIs(t, idx.Save(t.TempDir()), apperrors.ErrIndexNotBuilt)
}
