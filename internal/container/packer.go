package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// Stats describes a packed container.
type Stats struct {
	Path      string        `json:"path"`
	Frames    int           `json:"frames"`
	Codec     string        `json:"codec"`
	Encoder   string        `json:"encoder"`
	FPS       int           `json:"fps"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	SizeBytes int64         `json:"size_bytes"`
	Elapsed   time.Duration `json:"elapsed"`
}

// FFmpegPacker packs a frame directory into one container file.
type FFmpegPacker struct {
	bin     string
	video   config.VideoConfig
	timeout time.Duration
	logger  *slog.Logger
}

func NewFFmpegPacker(cfg config.VideoConfig) *FFmpegPacker {
	bin := cfg.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegPacker{
		bin:     bin,
		video:   cfg,
		timeout: cfg.Timeout,
		logger:  slog.Default().With("component", "ffmpeg-packer"),
	}
}

// Pack validates the frames and encodes them at their native resolution.
// The output appears at outputPath only when ffmpeg succeeded and wrote a
// non-empty file.
func (p *FFmpegPacker) Pack(ctx context.Context, frameDir string, frames int, outputPath, codec string) (Stats, error) {
	geom, err := ValidateFrames(frameDir, frames)
	if err != nil {
		return Stats{}, err
	}
	profile := ResolveProfile(codec, p.video)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return Stats{}, &apperrors.EncodeError{Stage: "prepare", Cause: err}
	}
	tmp := filepath.Join(filepath.Dir(outputPath), ".partial-"+filepath.Base(outputPath))
	defer os.Remove(tmp)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := p.args(profile, frameDir, frames, tmp)
	p.logger.Info("packing container",
		"frames", frames,
		"profile", profile.String(),
		"width", geom.Width,
		"height", geom.Height,
		"output", outputPath,
	)
	start := time.Now()
	res, err := run(ctx, p.logger, p.bin, args, io.Discard)
	elapsed := time.Since(start)
	if err != nil {
		return Stats{}, &apperrors.EncodeError{Stage: "pack", ExitCode: res.ExitCode, Output: res.Stderr, Cause: err}
	}

	info, err := os.Stat(tmp)
	if err != nil || info.Size() == 0 {
		cause := err
		if cause == nil {
			cause = fmt.Errorf("output %s is empty", filepath.Base(outputPath))
		}
		return Stats{}, &apperrors.EncodeError{Stage: "verify", Output: res.Stderr, Cause: cause}
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return Stats{}, &apperrors.EncodeError{Stage: "finalize", Cause: err}
	}

	stats := Stats{
		Path:      outputPath,
		Frames:    frames,
		Codec:     profile.Codec,
		Encoder:   profile.Encoder,
		FPS:       profile.FPS,
		Width:     geom.Width,
		Height:    geom.Height,
		SizeBytes: info.Size(),
		Elapsed:   elapsed,
	}
	p.logger.Info("container packed",
		"output", outputPath,
		"size_bytes", stats.SizeBytes,
		"bytes_per_page", stats.SizeBytes/int64(frames),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return stats, nil
}

func (p *FFmpegPacker) args(profile Profile, frameDir string, frames int, output string) []string {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-framerate", strconv.Itoa(profile.FPS),
		"-start_number", "0",
		"-i", filepath.Join(frameDir, FramePattern),
		"-frames:v", strconv.Itoa(frames),
		"-c:v", profile.Encoder,
		"-crf", strconv.Itoa(profile.CRF),
		"-pix_fmt", profile.PixFmt,
	}
	if profile.Preset != "" {
		args = append(args, "-preset", profile.Preset)
	}
	args = append(args, profile.Args...)
	switch strings.ToLower(filepath.Ext(output)) {
	case ".mp4", ".mov":
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, "-avoid_negative_ts", "make_zero", output)
	return args
}

// Available reports whether the ffmpeg binary can be executed.
func (p *FFmpegPacker) Available(ctx context.Context) error {
	_, err := run(ctx, p.logger, p.bin, []string{"-hide_banner", "-version"}, io.Discard)
	return err
}
