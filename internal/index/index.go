// Package index is the ranked lexical index over page text. It is written
// once (AddPage, then Build) and read many times (Search), either straight
// after Build or from a snapshot loaded with or without memory mapping.
package index

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/sga-jerrylin/DKR-SGA/internal/tokenizer"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// Stats describes the fitted ranking statistics.
type Stats struct {
	Pages        int     `json:"pages"`
	Vocabulary   int     `json:"vocabulary"`
	TotalTokens  uint64  `json:"total_tokens"`
	AvgDocLength float64 `json:"avg_doc_length"`
	K1           float64 `json:"k1"`
	B            float64 `json:"b"`
}

// Index is not safe for concurrent AddPage/Build. Once built or loaded it is
// immutable and Search may be called from any number of goroutines.
type Index struct {
	tok    *tokenizer.Tokenizer
	logger *slog.Logger

	pages []PageRecord
	toc   TableOfContents
	built bool

	mu     sync.RWMutex
	seg    *segment
	stats  Stats
	closer func() error
	closed bool
}

func New(opts tokenizer.Options) *Index {
	return &Index{
		tok:    tokenizer.New(opts),
		logger: slog.Default().With("component", "index"),
	}
}

// AddPage appends the next page. Pages must arrive in frame order.
func (idx *Index) AddPage(rec PageRecord) error {
	if idx.built {
		return apperrors.ErrIndexSealed
	}
	if err := rec.validate(len(idx.pages)); err != nil {
		return err
	}
	idx.pages = append(idx.pages, rec)
	return nil
}

// SetTOC installs a document-native table of contents. Without one, Build
// derives it from the pages' Chapter fields.
func (idx *Index) SetTOC(toc TableOfContents) error {
	if idx.built {
		return apperrors.ErrIndexSealed
	}
	idx.toc = toc
	return nil
}

// Build tokenizes every page and fits the ranking statistics.
func (idx *Index) Build() error {
	if idx.built {
		return apperrors.ErrIndexSealed
	}
	if len(idx.pages) == 0 {
		return apperrors.ErrEmptyCorpus
	}
	if idx.toc.Empty() {
		idx.toc = tocFromPages(idx.pages)
	} else {
		idx.toc = idx.toc.clip(len(idx.pages))
	}

	inverted := make(map[string][]posting)
	docLens := make([]uint32, len(idx.pages))
	var total uint64
	for doc, page := range idx.pages {
		tokens := idx.tok.Tokenize(page.Text)
		docLens[doc] = uint32(len(tokens))
		total += uint64(len(tokens))

		freq := make(map[string]uint32, len(tokens))
		for _, t := range tokens {
			freq[t.Term]++
		}
		for term, tf := range freq {
			inverted[term] = append(inverted[term], posting{doc: uint32(doc), tf: tf})
		}
	}

	entries := make([]termPostings, 0, len(inverted))
	for term, ps := range inverted {
		entries = append(entries, termPostings{term: term, postings: ps})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].term < entries[j].term })

	h := segmentHeader{
		AvgDocLen:   float64(total) / float64(len(idx.pages)),
		K1:          DefaultK1,
		B:           DefaultB,
		TotalTokens: total,
	}
	seg, err := openSegment(encodeSegment(h, docLens, entries), false)
	if err != nil {
		return err
	}
	idx.install(seg)
	idx.built = true
	idx.logger.Info("index built",
		"pages", len(idx.pages),
		"vocabulary", len(entries),
		"avg_doc_length", h.AvgDocLen,
	)
	return nil
}

func (idx *Index) install(seg *segment) {
	idx.seg = seg
	idx.stats = Stats{
		Pages:        len(idx.pages),
		Vocabulary:   int(seg.header.TermCount),
		TotalTokens:  seg.header.TotalTokens,
		AvgDocLength: seg.header.AvgDocLen,
		K1:           seg.header.K1,
		B:            seg.header.B,
	}
}

func (idx *Index) Built() bool { return idx.built }

// TotalPages is the number of pages, which equals the number of frames.
func (idx *Index) TotalPages() int { return len(idx.pages) }

// PageInfo returns the record for a 0-based frame number.
func (idx *Index) PageInfo(frameNum int) (PageRecord, bool) {
	if frameNum < 0 || frameNum >= len(idx.pages) {
		return PageRecord{}, false
	}
	return idx.pages[frameNum], true
}

func (idx *Index) TOC() TableOfContents { return idx.toc }

func (idx *Index) ChapterPages(name string) ([]int, bool) {
	return idx.toc.Pages(name)
}

func (idx *Index) Stats() Stats { return idx.stats }

func (idx *Index) TokenizerOptions() tokenizer.Options { return idx.tok.Options() }

// Close releases the memory map of a loaded index. Search fails afterwards.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.closed {
		return nil
	}
	idx.closed = true
	idx.seg = nil
	if idx.closer != nil {
		return idx.closer()
	}
	return nil
}
