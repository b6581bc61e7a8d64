// Package container packs page frames into a video container and pulls
// single frames back out, by running ffmpeg as a subprocess.
package container

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/sga-jerrylin/DKR-SGA/pkg/config"
)

// Profile is a fully resolved codec configuration. Every profile encodes
// each frame as a keyframe so any page can be decoded without its
// neighbours.
type Profile struct {
	Codec   string
	Encoder string
	FPS     int
	CRF     int
	Preset  string
	PixFmt  string
	Args    []string
}

var encoders = map[string]string{
	"h265": "libx265",
	"hevc": "libx265",
	"h264": "libx264",
	"avc":  "libx264",
	"av1":  "libaom-av1",
	"vp9":  "libvpx-vp9",
}

// ResolveProfile maps a codec name to a profile tuned for still,
// non-panning page sequences. Unknown names fall back to h265.
func ResolveProfile(codec string, cfg config.VideoConfig) Profile {
	name := strings.ToLower(strings.TrimSpace(codec))
	if name == "" {
		name = strings.ToLower(cfg.Codec)
	}
	enc, ok := encoders[name]
	if !ok {
		slog.Warn("unknown codec, using h265", "codec", codec)
		name, enc = "h265", encoders["h265"]
	}
	p := Profile{
		Codec:   name,
		Encoder: enc,
		FPS:     cfg.FPS,
		CRF:     cfg.CRF,
		Preset:  cfg.Preset,
		PixFmt:  cfg.PixFmt,
	}
	if p.FPS <= 0 {
		p.FPS = 30
	}
	if p.PixFmt == "" {
		p.PixFmt = "yuv420p"
	}
	switch enc {
	case "libx265":
		p.Args = []string{"-x265-params", "keyint=1:min-keyint=1:scenecut=0:strong-intra-smoothing=1:log-level=error"}
	case "libx264":
		p.Args = []string{"-tune", "stillimage", "-g", "1", "-keyint_min", "1", "-sc_threshold", "0"}
	case "libaom-av1":
		p.Args = []string{"-g", "1", "-b:v", "0", "-cpu-used", "4", "-row-mt", "1"}
		p.Preset = ""
	case "libvpx-vp9":
		p.Args = []string{"-g", "1", "-b:v", "0", "-row-mt", "1"}
		p.Preset = ""
	}
	return p
}

func (p Profile) String() string {
	return fmt.Sprintf("%s(%s crf=%d fps=%d)", p.Codec, p.Encoder, p.CRF, p.FPS)
}
