package tokenizer

import (
	"fmt"
	"strings"
	"testing"
)

var sampleTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"mixed": `第三章 财务报告 Revenue grew 12% in the northern region while operating
        costs stayed flat. 本季度营业收入同比增长百分之十二，主要来自新产品线。
        Headcount remained at 1,204 employees across all offices.`,
	"long": strings.Repeat(`Visual document memory stores every page as a frame of a
        video container. The index maps each term to the pages containing it and
        ranks them with BM25, considering term frequency, page length normalization
        and inverse document frequency. 检索时只解析命中的页面及其相邻页面。 `, 20),
}

func BenchmarkTokenize(b *testing.B) {
	tok := New(DefaultOptions())
	for name, text := range sampleTexts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for b.Loop() {
				_ = tok.Tokenize(text)
			}
		})
	}
}

func BenchmarkTokenizeParallel(b *testing.B) {
	tok := New(DefaultOptions())
	text := sampleTexts["mixed"]
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = tok.Tokenize(text)
		}
	})
}

func BenchmarkTokenizeVaryingSize(b *testing.B) {
	tok := New(DefaultOptions())
	base := "document memory 页面 retrieval indexing "
	for _, size := range []int{10, 100, 1000, 5000} {
		text := strings.Repeat(base, size/len(base)+1)
		b.Run(fmt.Sprintf("bytes_%d", size), func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for b.Loop() {
				_ = tok.Terms(text)
			}
		})
	}
}
