// Package encoder turns a page source into a frame directory, a built index
// and finally one packed container. An Encoder handles one document.
package encoder

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/internal/container"
	"github.com/sga-jerrylin/DKR-SGA/internal/index"
	"github.com/sga-jerrylin/DKR-SGA/internal/source"
	"github.com/sga-jerrylin/DKR-SGA/internal/tokenizer"
	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// ContainerPacker packs a directory of page_%06d.png frames into one
// container. Failures wrap apperrors.ErrEncodeFailure.
type ContainerPacker interface {
	Pack(ctx context.Context, frameDir string, frames int, outputPath, codec string) (container.Stats, error)
}

type State int

const (
	StateCreated State = iota
	StatePagesAdded
	StateBuilt
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePagesAdded:
		return "pages-added"
	case StateBuilt:
		return "built"
	default:
		return "unknown"
	}
}

type Encoder struct {
	cfg      config.EncoderConfig
	opts     tokenizer.Options
	packer   ContainerPacker
	observer Observer
	logger   *slog.Logger

	state    State
	idx      *index.Index
	frameDir string
	frames   int
	canvas   image.Point
	uniform  bool
}

// New returns an encoder in the Created state. A nil observer discards
// progress events.
func New(cfg config.EncoderConfig, opts tokenizer.Options, packer ContainerPacker, observer Observer) *Encoder {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Encoder{
		cfg:      cfg,
		opts:     opts,
		packer:   packer,
		observer: observer,
		logger:   slog.Default().With("component", "encoder"),
		idx:      index.New(opts),
		uniform:  true,
	}
}

func (e *Encoder) State() State { return e.state }

func (e *Encoder) FrameDir() string { return e.frameDir }

func (e *Encoder) Index() *index.Index { return e.idx }

// AddDocument renders every page of src into the frame directory and feeds
// its text to the index. On failure the frame directory is removed and the
// encoder stays in the Created state.
func (e *Encoder) AddDocument(ctx context.Context, src source.Source) (string, *index.Index, error) {
	if e.state != StateCreated {
		return "", nil, apperrors.Newf(apperrors.ErrInvalidInput, "encoder is %s, documents can only be added once", e.state)
	}
	total, err := src.PageCount(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("counting pages of %s: %w", src.Name(), err)
	}
	if total == 0 {
		return "", nil, apperrors.Newf(apperrors.ErrEmptyCorpus, "%s has no pages", src.Name())
	}

	outline, err := src.Outline(ctx)
	if err != nil {
		e.logger.Warn("outline unavailable", "source", src.Name(), "error", err)
		outline = nil
	}
	toc := index.BuildTOC(outline)
	if err := e.idx.SetTOC(toc); err != nil {
		return "", nil, err
	}

	dir, err := os.MkdirTemp(e.cfg.FramesDir, "dkr-frames-")
	if err != nil {
		return "", nil, fmt.Errorf("creating frame directory: %w", err)
	}
	e.frameDir = dir
	e.logger.Info("encoding document",
		"source", src.Name(),
		"pages", total,
		"chapters", len(toc.Chapters),
		"dpi", e.cfg.DPI,
		"frame_dir", dir,
	)

	start := time.Now()
	for page := 1; page <= total; page++ {
		if err := ctx.Err(); err != nil {
			e.abort()
			return "", nil, err
		}
		if err := e.addPage(ctx, src, page, total, toc); err != nil {
			e.abort()
			e.observer.StageFinished(StageEvent{Stage: StageRender, Duration: time.Since(start), Err: err})
			return "", nil, fmt.Errorf("page %d of %s: %w", page, src.Name(), err)
		}
	}
	e.observer.StageFinished(StageEvent{Stage: StageRender, Duration: time.Since(start)})
	e.state = StatePagesAdded
	return e.frameDir, e.idx, nil
}

func (e *Encoder) addPage(ctx context.Context, src source.Source, page, total int, toc index.TableOfContents) error {
	pageStart := time.Now()
	img, err := src.Render(ctx, page, e.cfg.DPI)
	if err != nil {
		return err
	}
	img = padEven(img)
	b := img.Bounds()
	if e.frames == 0 {
		e.canvas = image.Pt(b.Dx(), b.Dy())
	} else if b.Dx() != e.canvas.X || b.Dy() != e.canvas.Y {
		e.uniform = false
		e.canvas = image.Pt(max(e.canvas.X, b.Dx()), max(e.canvas.Y, b.Dy()))
	}
	frame := page - 1
	if err := writePNG(container.FramePath(e.frameDir, frame), img); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	e.frames++

	text, err := src.Text(ctx, page)
	if err != nil {
		e.logger.Warn("page text unavailable", "page", page, "error", err)
		text = ""
	}
	text = preview(text, e.cfg.PreviewChars)
	chapter := toc.ChapterFor(page)
	if err := e.idx.AddPage(index.PageRecord{
		PageNum:  page,
		FrameNum: frame,
		Title:    titleOf(text),
		Chapter:  chapter,
		Text:     text,
	}); err != nil {
		return err
	}
	e.observer.PageEncoded(PageEvent{
		PageNum:  page,
		Total:    total,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Chapter:  chapter,
		Duration: time.Since(pageStart),
	})
	return nil
}

// BuildContainer seals the index and packs the frames into outputPath.
func (e *Encoder) BuildContainer(ctx context.Context, outputPath, codec string) (container.Stats, error) {
	switch e.state {
	case StateCreated:
		return container.Stats{}, apperrors.ErrNoFrames
	case StateBuilt:
		return container.Stats{}, apperrors.ErrIndexSealed
	}

	if !e.idx.Built() {
		start := time.Now()
		err := e.idx.Build()
		e.observer.StageFinished(StageEvent{Stage: StageIndex, Duration: time.Since(start), Err: err})
		if err != nil {
			return container.Stats{}, err
		}
	}

	if !e.uniform {
		if err := e.normalizeCanvas(); err != nil {
			return container.Stats{}, &apperrors.EncodeError{Stage: "normalize", Cause: err}
		}
	}

	start := time.Now()
	stats, err := e.packer.Pack(ctx, e.frameDir, e.frames, outputPath, codec)
	e.observer.StageFinished(StageEvent{Stage: StagePack, Duration: time.Since(start), Err: err})
	if err != nil {
		return container.Stats{}, err
	}
	e.state = StateBuilt
	return stats, nil
}

// normalizeCanvas pads every frame to the largest page so the sequence has
// one resolution. Mixed page sizes would otherwise be rescaled by the packer.
func (e *Encoder) normalizeCanvas() error {
	e.logger.Info("pages differ in size, padding to common canvas",
		"width", e.canvas.X,
		"height", e.canvas.Y,
	)
	for frame := 0; frame < e.frames; frame++ {
		path := container.FramePath(e.frameDir, frame)
		img, err := readPNG(path)
		if err != nil {
			return fmt.Errorf("reading frame %d: %w", frame, err)
		}
		b := img.Bounds()
		if b.Dx() == e.canvas.X && b.Dy() == e.canvas.Y {
			continue
		}
		if err := writePNG(path, padTo(img, e.canvas.X, e.canvas.Y)); err != nil {
			return fmt.Errorf("writing frame %d: %w", frame, err)
		}
	}
	e.uniform = true
	return nil
}

// SaveIndex writes the built index snapshot to dir.
func (e *Encoder) SaveIndex(dir string) error {
	if e.state != StateBuilt {
		return apperrors.ErrIndexNotBuilt
	}
	start := time.Now()
	err := e.idx.Save(dir)
	e.observer.StageFinished(StageEvent{Stage: StageSave, Duration: time.Since(start), Err: err})
	return err
}

// Cleanup removes the frame directory unless the encoder is configured to
// keep frames.
func (e *Encoder) Cleanup() error {
	if e.frameDir == "" || e.cfg.KeepFrames {
		return nil
	}
	err := os.RemoveAll(e.frameDir)
	e.frameDir = ""
	return err
}

func (e *Encoder) abort() {
	if e.frameDir != "" {
		if err := os.RemoveAll(e.frameDir); err != nil {
			e.logger.Warn("removing frame directory", "dir", e.frameDir, "error", err)
		}
	}
	e.frameDir = ""
	e.frames = 0
	e.uniform = true
	e.idx = index.New(e.opts)
}
