package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/internal/index"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// PopplerTools names the poppler binaries. Empty fields use the defaults
// found on PATH.
type PopplerTools struct {
	PDFInfo   string
	PDFToPPM  string
	PDFToText string
	PDFToHTML string
	Timeout   time.Duration
}

func (t PopplerTools) withDefaults() PopplerTools {
	if t.PDFInfo == "" {
		t.PDFInfo = "pdfinfo"
	}
	if t.PDFToPPM == "" {
		t.PDFToPPM = "pdftoppm"
	}
	if t.PDFToText == "" {
		t.PDFToText = "pdftotext"
	}
	if t.PDFToHTML == "" {
		t.PDFToHTML = "pdftohtml"
	}
	if t.Timeout <= 0 {
		t.Timeout = 2 * time.Minute
	}
	return t
}

// PDF renders pages of a PDF file.
type PDF struct {
	path    string
	tools   PopplerTools
	workDir string
	logger  *slog.Logger
}

func OpenPDF(path string, tools PopplerTools) (*PDF, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "pdf %s: %v", path, err)
	}
	if info.IsDir() {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, "pdf %s is a directory", path)
	}
	work, err := os.MkdirTemp("", "dkr-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("creating render directory: %w", err)
	}
	return &PDF{
		path:    path,
		tools:   tools.withDefaults(),
		workDir: work,
		logger:  slog.Default().With("component", "pdf-source", "file", filepath.Base(path)),
	}, nil
}

func (p *PDF) Name() string { return p.path }

func (p *PDF) exec(ctx context.Context, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.tools.Timeout)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Newf(apperrors.ErrTimeout, "%s exceeded %v", bin, p.tools.Timeout)
		}
		return nil, fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (p *PDF) PageCount(ctx context.Context) (int, error) {
	out, err := p.exec(ctx, p.tools.PDFInfo, p.path)
	if err != nil {
		return 0, err
	}
	return parsePageCount(out)
}

func parsePageCount(pdfinfo []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(pdfinfo))
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "Pages:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, fmt.Errorf("parsing page count %q: %w", line, err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("pdfinfo output has no page count")
}

func (p *PDF) Render(ctx context.Context, page, dpi int) (image.Image, error) {
	prefix := filepath.Join(p.workDir, fmt.Sprintf("render-%d", page))
	_, err := p.exec(ctx, p.tools.PDFToPPM,
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-png", "-singlefile",
		p.path, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("rendering page %d: %w", page, err)
	}
	file := prefix + ".png"
	defer os.Remove(file)
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening rendered page %d: %w", page, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding rendered page %d: %w", page, err)
	}
	return img, nil
}

func (p *PDF) Text(ctx context.Context, page int) (string, error) {
	out, err := p.exec(ctx, p.tools.PDFToText,
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-enc", "UTF-8",
		p.path, "-",
	)
	if err != nil {
		return "", fmt.Errorf("extracting text of page %d: %w", page, err)
	}
	return strings.TrimSpace(strings.ReplaceAll(string(out), "\f", "")), nil
}

// Outline reads bookmarks from pdftohtml's XML output. A PDF without an
// outline, or a missing pdftohtml, yields no entries.
func (p *PDF) Outline(ctx context.Context) ([]index.OutlineEntry, error) {
	out, err := p.exec(ctx, p.tools.PDFToHTML, "-xml", "-i", "-q", "-stdout", "-f", "1", "-l", "1", p.path)
	if err != nil {
		p.logger.Warn("outline unavailable", "error", err)
		return nil, nil
	}
	return parseOutline(out)
}

// parseOutline walks <outline> elements in document order; nesting depth is
// the bookmark level.
func parseOutline(doc []byte) ([]index.OutlineEntry, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	dec.Strict = false
	var (
		entries []index.OutlineEntry
		depth   int
		inItem  bool
		item    index.OutlineEntry
		text    strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("parsing outline: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "outline":
				depth++
			case "item":
				if depth == 0 {
					continue
				}
				inItem = true
				text.Reset()
				item = index.OutlineEntry{Level: depth}
				for _, a := range t.Attr {
					if a.Name.Local == "page" {
						item.Page, _ = strconv.Atoi(a.Value)
					}
				}
			}
		case xml.CharData:
			if inItem {
				text.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "outline":
				depth--
			case "item":
				if inItem {
					item.Title = strings.TrimSpace(text.String())
					entries = append(entries, item)
					inItem = false
				}
			}
		}
	}
	return entries, nil
}

func (p *PDF) Close() error {
	return os.RemoveAll(p.workDir)
}
