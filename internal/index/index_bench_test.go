package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sga-jerrylin/DKR-SGA/internal/tokenizer"
)

func syntheticPages(n int) []string {
	words := []string{"revenue", "forecast", "container", "frame", "region", "policy", "glossary", "检索", "页面", "索引"}
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("Page %d discusses %s and %s with notes on %s.",
			i, words[i%len(words)], words[(i*7)%len(words)], words[(i*3+1)%len(words)])
	}
	return texts
}

func BenchmarkBuild(b *testing.B) {
	for _, n := range []int{100, 1000} {
		texts := syntheticPages(n)
		b.Run(fmt.Sprintf("pages_%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				idx := New(tokenizer.DefaultOptions())
				for i, text := range texts {
					if err := idx.AddPage(PageRecord{PageNum: i + 1, FrameNum: i, Text: text}); err != nil {
						b.Fatal(err)
					}
				}
				if err := idx.Build(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkSearch(b *testing.B) {
	idx := buildIndex(b, syntheticPages(5000)...)
	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		_, err := idx.Search("revenue forecast 检索", 5)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSearchParallel(b *testing.B) {
	idx := buildIndex(b, syntheticPages(5000)...)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = idx.Search("container frame", 3)
		}
	})
}

func BenchmarkLoad(b *testing.B) {
	idx := buildIndex(b, syntheticPages(2000)...)
	dir := b.TempDir()
	require.NoError(b, idx.Save(dir))
	for _, mmap := range []bool{false, true} {
		b.Run(fmt.Sprintf("mmap_%t", mmap), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				loaded, err := Load(dir, LoadOptions{Mmap: mmap})
				if err != nil {
					b.Fatal(err)
				}
				loaded.Close()
			}
		})
	}
}
