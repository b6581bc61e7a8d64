// Package tokenizer turns page text and queries into index terms. Latin text
// is split on Unicode word boundaries, lower-cased and optionally stemmed;
// runs of CJK ideographs become overlapping bigrams so Chinese and Japanese
// text is searchable without a dictionary segmenter.
package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	bleveunicode "github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"golang.org/x/text/unicode/norm"
)

// Options are persisted with an index so that queries are tokenized exactly
// like the pages were.
type Options struct {
	MinTermLength int  `json:"min_term_length" yaml:"minTermLength"`
	Stem          bool `json:"stem" yaml:"stem"`
	StopWords     bool `json:"stop_words" yaml:"stopWords"`
}

func DefaultOptions() Options {
	return Options{MinTermLength: 2, Stem: true, StopWords: true}
}

// Token is a normalised term and its ordinal among the kept terms.
type Token struct {
	Term     string
	Position int
}

// Tokenizer is safe for concurrent use.
type Tokenizer struct {
	opts      Options
	splitter  analysis.Tokenizer
	lowercase analysis.TokenFilter
	bigrams   analysis.TokenFilter
}

func New(opts Options) *Tokenizer {
	if opts.MinTermLength < 1 {
		opts.MinTermLength = 1
	}
	return &Tokenizer{
		opts:      opts,
		splitter:  bleveunicode.NewUnicodeTokenizer(),
		lowercase: lowercase.NewLowerCaseFilter(),
		bigrams:   cjk.NewCJKBigramFilter(false),
	}
}

func (t *Tokenizer) Options() Options { return t.opts }

// Tokenize returns the kept tokens of text in order. Repeated terms appear
// once per occurrence.
func (t *Tokenizer) Tokenize(text string) []Token {
	if text == "" {
		return nil
	}
	stream := t.splitter.Tokenize([]byte(norm.NFKC.String(text)))
	stream = t.lowercase.Filter(stream)
	stream = t.bigrams.Filter(stream)

	tokens := make([]Token, 0, len(stream))
	for _, tok := range stream {
		term := strings.TrimSpace(string(tok.Term))
		if term == "" {
			continue
		}
		numeric := tok.Type == analysis.Numeric || isDigits(term)
		if !numeric && utf8.RuneCountInString(term) < t.opts.MinTermLength {
			continue
		}
		if t.opts.StopWords && isStopWord(term) {
			continue
		}
		if t.opts.Stem && !numeric && isLatin(term) {
			term = stem(term)
		}
		tokens = append(tokens, Token{Term: term, Position: len(tokens)})
	}
	return tokens
}

// Terms returns just the term strings of Tokenize.
func (t *Tokenizer) Terms(text string) []string {
	tokens := t.Tokenize(text)
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Term
	}
	return out
}

// UniqueTerms returns each distinct term once, in first-seen order.
func (t *Tokenizer) UniqueTerms(text string) []string {
	tokens := t.Tokenize(text)
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok.Term]; ok {
			continue
		}
		seen[tok.Term] = struct{}{}
		out = append(out, tok.Term)
	}
	return out
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func isLatin(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
