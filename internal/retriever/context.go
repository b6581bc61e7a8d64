package retriever

import (
	"sort"

	"github.com/sga-jerrylin/DKR-SGA/internal/index"
)

type PageType string

const (
	PagePrev PageType = "prev"
	PageCore PageType = "core"
	PageNext PageType = "next"
)

// slot is one frame of an expanded result set. hit is set for core frames.
type slot struct {
	frame int
	typ   PageType
	hit   *index.SearchResult
}

// expandContext adds window neighbours on each side of every core hit,
// clipped to [0, total). A frame that is a core hit is always tagged core;
// a frame that is only a neighbour keeps the tag of the first hit that
// reached it. The result is in frame order.
func expandContext(hits []index.SearchResult, window, total int) []slot {
	byFrame := make(map[int]*slot, len(hits)*(2*window+1))
	for i := range hits {
		h := &hits[i]
		byFrame[h.FrameNum] = &slot{frame: h.FrameNum, typ: PageCore, hit: h}
	}
	for _, h := range hits {
		for d := 1; d <= window; d++ {
			if f := h.FrameNum - d; f >= 0 {
				if _, ok := byFrame[f]; !ok {
					byFrame[f] = &slot{frame: f, typ: PagePrev}
				}
			}
			if f := h.FrameNum + d; f < total {
				if _, ok := byFrame[f]; !ok {
					byFrame[f] = &slot{frame: f, typ: PageNext}
				}
			}
		}
	}
	out := make([]slot, 0, len(byFrame))
	for _, s := range byFrame {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].frame < out[j].frame })
	return out
}
