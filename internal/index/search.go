package index

import (
	"math"
	"sort"

	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

type Relevance string

const (
	RelevanceHigh   Relevance = "high"
	RelevanceMedium Relevance = "medium"
	RelevanceLow    Relevance = "low"
)

// Band thresholds on ScoreRatio.
const (
	HighRatio   = 0.7
	MediumRatio = 0.4
)

// SearchResult is one ranked page. ScoreRatio and Relevance are relative to
// the highest score in the same result set.
type SearchResult struct {
	FrameNum   int       `json:"frame_num"`
	PageNum    int       `json:"page_num"`
	Score      float64   `json:"score"`
	ScoreRatio float64   `json:"score_ratio"`
	Relevance  Relevance `json:"relevance"`
	Rank       int       `json:"rank"`
}

func bandFor(ratio float64) Relevance {
	switch {
	case ratio >= HighRatio:
		return RelevanceHigh
	case ratio >= MediumRatio:
		return RelevanceMedium
	default:
		return RelevanceLow
	}
}

func idf(n, df int) float64 {
	return math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
}

func tfNorm(tf, dl, avgdl, k1, b float64) float64 {
	if avgdl == 0 {
		return 0
	}
	return tf / (tf + k1*(1-b+b*dl/avgdl))
}

// Search returns at most topK pages with a positive BM25 score, best first,
// ties in page order. No match is an empty result, not an error.
func (idx *Index) Search(query string, topK int) ([]SearchResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if !idx.built || idx.seg == nil {
		return nil, apperrors.ErrIndexNotBuilt
	}
	if topK <= 0 {
		return nil, nil
	}

	terms := idx.tok.UniqueTerms(query)
	if len(terms) == 0 {
		idx.logger.Info("query has no index terms", "query", query)
		return nil, nil
	}

	n := len(idx.pages)
	k1, b, avgdl := idx.stats.K1, idx.stats.B, idx.stats.AvgDocLength
	scores := make([]float64, n)
	matchedTerms := 0
	for _, term := range terms {
		view, ok, err := idx.seg.lookup(term)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matchedTerms++
		w := idf(n, view.len())
		for i := 0; i < view.len(); i++ {
			doc, tf := view.at(i)
			if int(doc) >= n {
				return nil, apperrors.Newf(apperrors.ErrIndexCorrupt, "posting for %q references page %d of %d", term, doc, n)
			}
			scores[doc] += w * tfNorm(float64(tf), float64(idx.seg.docLen(doc)), avgdl, k1, b)
		}
	}

	results := make([]SearchResult, 0, min(topK, n))
	for frame, s := range scores {
		if s > 0 {
			results = append(results, SearchResult{FrameNum: frame, PageNum: frame + 1, Score: s})
		}
	}
	if len(results) == 0 {
		idx.logger.Info("query matched no pages", "query", query, "terms", len(terms), "known_terms", matchedTerms)
		return nil, nil
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}

	top := results[0].Score
	for i := range results {
		results[i].Rank = i + 1
		results[i].ScoreRatio = results[i].Score / top
		results[i].Relevance = bandFor(results[i].ScoreRatio)
	}
	idx.logger.Debug("search complete", "query", query, "results", len(results), "top_score", top)
	return results, nil
}
