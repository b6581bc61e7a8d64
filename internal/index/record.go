package index

import (
	"regexp"

	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// PageRecord is one document page. FrameNum addresses the container and is
// always PageNum-1. Text feeds the index only.
type PageRecord struct {
	PageNum    int               `json:"page_num"`
	FrameNum   int               `json:"frame_num"`
	Title      string            `json:"title,omitempty"`
	Chapter    string            `json:"chapter,omitempty"`
	Text       string            `json:"text"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

var extensionKey = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

func (r PageRecord) validate(wantFrame int) error {
	if r.PageNum < 1 {
		return apperrors.Newf(apperrors.ErrInvalidInput, "page number %d must be >= 1", r.PageNum)
	}
	if r.FrameNum != r.PageNum-1 {
		return apperrors.Newf(apperrors.ErrInvalidInput, "page %d has frame %d, want %d", r.PageNum, r.FrameNum, r.PageNum-1)
	}
	if r.FrameNum != wantFrame {
		return apperrors.Newf(apperrors.ErrInvalidInput, "page %d added out of order, next frame is %d", r.PageNum, wantFrame)
	}
	for k := range r.Extensions {
		if !extensionKey.MatchString(k) {
			return apperrors.Newf(apperrors.ErrInvalidInput, "page %d: invalid extension key %q", r.PageNum, k)
		}
	}
	return nil
}

// Chapter lists the pages that belong to one named section.
type Chapter struct {
	Name  string `json:"name"`
	Pages []int  `json:"pages"`
}

// TableOfContents is ordered by first appearance in the document.
type TableOfContents struct {
	Chapters []Chapter `json:"chapters"`
}

// OutlineEntry is one bookmark from a document outline.
type OutlineEntry struct {
	Level int
	Title string
	Page  int
}

// BuildTOC turns an outline into chapters: level-1 entries start a chapter
// at their page and level-2 entries add their page to the current chapter.
// Deeper levels are ignored.
func BuildTOC(outline []OutlineEntry) TableOfContents {
	var toc TableOfContents
	for _, e := range outline {
		if e.Page < 1 {
			continue
		}
		switch e.Level {
		case 1:
			if e.Title == "" {
				continue
			}
			toc.Chapters = append(toc.Chapters, Chapter{Name: e.Title, Pages: []int{e.Page}})
		case 2:
			if n := len(toc.Chapters); n > 0 {
				toc.Chapters[n-1].addPage(e.Page)
			}
		}
	}
	return toc
}

func (c *Chapter) addPage(page int) {
	for _, p := range c.Pages {
		if p == page {
			return
		}
	}
	c.Pages = append(c.Pages, page)
}

func (t TableOfContents) Empty() bool { return len(t.Chapters) == 0 }

// Pages returns the pages listed for a chapter.
func (t TableOfContents) Pages(name string) ([]int, bool) {
	for _, c := range t.Chapters {
		if c.Name == name {
			return append([]int(nil), c.Pages...), true
		}
	}
	return nil, false
}

// ChapterFor resolves the chapter a page belongs to. A page belongs to a
// chapter when it is listed or lies between the chapter's lowest and
// highest listed page; otherwise it belongs to the closest chapter that
// starts before it. Returns "" when no chapter precedes the page.
func (t TableOfContents) ChapterFor(page int) string {
	for _, c := range t.Chapters {
		if len(c.Pages) == 0 {
			continue
		}
		lo, hi := c.Pages[0], c.Pages[0]
		for _, p := range c.Pages {
			if p == page {
				return c.Name
			}
			lo, hi = min(lo, p), max(hi, p)
		}
		if page >= lo && page <= hi {
			return c.Name
		}
	}
	best, bestStart := "", 0
	for _, c := range t.Chapters {
		if len(c.Pages) == 0 {
			continue
		}
		start := c.Pages[0]
		if start <= page && start > bestStart {
			best, bestStart = c.Name, start
		}
	}
	return best
}

// tocFromPages groups pages by their Chapter field in page order.
func tocFromPages(pages []PageRecord) TableOfContents {
	var toc TableOfContents
	pos := make(map[string]int)
	for _, p := range pages {
		if p.Chapter == "" {
			continue
		}
		i, ok := pos[p.Chapter]
		if !ok {
			i = len(toc.Chapters)
			pos[p.Chapter] = i
			toc.Chapters = append(toc.Chapters, Chapter{Name: p.Chapter})
		}
		toc.Chapters[i].addPage(p.PageNum)
	}
	return toc
}

// clip drops pages outside 1..totalPages and chapters left empty.
func (t TableOfContents) clip(totalPages int) TableOfContents {
	var out TableOfContents
	for _, c := range t.Chapters {
		kept := Chapter{Name: c.Name}
		for _, p := range c.Pages {
			if p >= 1 && p <= totalPages {
				kept.Pages = append(kept.Pages, p)
			}
		}
		if len(kept.Pages) > 0 {
			out.Chapters = append(out.Chapters, kept)
		}
	}
	return out
}
