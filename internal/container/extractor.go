package container

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// FFmpegExtractor decodes single frames from a container as PNG.
type FFmpegExtractor struct {
	bin    string
	fps    int
	logger *slog.Logger
}

func NewFFmpegExtractor(cfg config.VideoConfig) *FFmpegExtractor {
	bin := cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	return &FFmpegExtractor{
		bin:    bin,
		fps:    fps,
		logger: slog.Default().With("component", "ffmpeg-extractor"),
	}
}

// SeekTime is half a frame before the frame's timestamp, so container
// timestamp rounding cannot land the seek on the following frame.
func SeekTime(frame, fps int) float64 {
	return math.Max(0, (float64(frame)-0.5)/float64(fps))
}

// Extract returns frame as PNG bytes. Every frame is a keyframe, so the
// seek decodes only the requested frame.
func (e *FFmpegExtractor) Extract(ctx context.Context, containerPath string, frame int) ([]byte, error) {
	if frame < 0 {
		return nil, apperrors.Newf(apperrors.ErrPageOutOfRange, "frame %d", frame)
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(SeekTime(frame, e.fps), 'f', 6, 64),
		"-i", containerPath,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	}
	var out bytes.Buffer
	start := time.Now()
	res, err := run(ctx, e.logger, e.bin, args, &out)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrTimeout) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("extracting frame %d (exit code %d): %w: %s", frame, res.ExitCode, err, res.Stderr)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("extracting frame %d: no image decoded from %s", frame, containerPath)
	}
	e.logger.Debug("frame extracted", "frame", frame, "bytes", out.Len(), "elapsed", time.Since(start))
	return out.Bytes(), nil
}
