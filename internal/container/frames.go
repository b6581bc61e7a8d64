package container

import (
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"

	apperrors "github.com/sga-jerrylin/DKR-SGA/pkg/errors"
)

// FramePattern names frame files by their 0-based frame number.
const FramePattern = "page_%06d.png"

func FrameName(frame int) string {
	return fmt.Sprintf(FramePattern, frame)
}

func FramePath(dir string, frame int) string {
	return filepath.Join(dir, FrameName(frame))
}

// Geometry is the shared frame size of a sequence.
type Geometry struct {
	Width  int
	Height int
}

// ValidateFrames checks that frames 0..count-1 exist, that there are no
// extra frames after them, and that all share one even width and height.
func ValidateFrames(dir string, count int) (Geometry, error) {
	if count <= 0 {
		return Geometry{}, apperrors.ErrNoFrames
	}
	var g Geometry
	for frame := 0; frame < count; frame++ {
		cfg, err := decodeConfig(FramePath(dir, frame))
		if err != nil {
			return Geometry{}, &apperrors.EncodeError{Stage: "validate", Cause: err}
		}
		if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
			return Geometry{}, &apperrors.EncodeError{
				Stage: "validate",
				Cause: fmt.Errorf("frame %d is %dx%d, dimensions must be even", frame, cfg.Width, cfg.Height),
			}
		}
		if frame == 0 {
			g = Geometry{Width: cfg.Width, Height: cfg.Height}
			continue
		}
		if cfg.Width != g.Width || cfg.Height != g.Height {
			return Geometry{}, &apperrors.EncodeError{
				Stage: "validate",
				Cause: fmt.Errorf("frame %d is %dx%d, sequence is %dx%d", frame, cfg.Width, cfg.Height, g.Width, g.Height),
			}
		}
	}
	if _, err := os.Stat(FramePath(dir, count)); err == nil {
		return Geometry{}, &apperrors.EncodeError{
			Stage: "validate",
			Cause: fmt.Errorf("unexpected frame %d after %d frames", count, count),
		}
	}
	return g, nil
}

func decodeConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, fmt.Errorf("opening frame: %w", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}
