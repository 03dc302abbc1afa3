package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// EncoderConfigFile is the per-batch configuration file name. Every source
// must live inside a batch folder (the first path element under a watched
// root) that contains one.
const EncoderConfigFile = "encoder.txt"

// SmartCrop requests a computed crop rectangle instead of a literal one.
const SmartCrop = "Smart"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var x26xPresets = map[string]bool{
	"ultrafast": true,
	"superfast": true,
	"veryfast":  true,
	"faster":    true,
	"fast":      true,
	"medium":    true,
	"slow":      true,
	"slower":    true,
	"veryslow":  true,
	"placebo":   true,
}

// EncoderConfig controls how every file in one batch folder is encoded.
type EncoderConfig struct {
	// Encoder is always "handbrake".
	Encoder string
	// VideoEncoder is "x264", "x265" or "av1". Higher bit-depth variants are
	// chosen automatically from the source metadata.
	VideoEncoder       string
	VideoEncoderPreset string
	// Quality is the constant quality factor; lower is better.
	Quality int
	// HandbrakeCrop is "top:bottom:left:right" in pixels, or "Smart".
	HandbrakeCrop          string
	AudioTrackSelection    AudioTrackSelection
	SubtitleTrackSelection SubtitleTrackSelection

	LimitedRange     bool
	StartTimeSeconds int
	DurationSeconds  int

	KeepInputForDebuggingAfterward bool

	// ExtraArgs is appended to the generated encoder arguments after being
	// shell-split and sanitized.
	ExtraArgs string `json:",omitempty"`
}

// AudioTrackSelection widens the default audio track choice.
type AudioTrackSelection struct {
	AllTracks              bool
	AllTracksNoCommentary  bool
	AllEnglish             bool
	AllEnglishNoCommentary bool
}

// SubtitleTrackSelection widens the default subtitle track choice.
type SubtitleTrackSelection struct {
	AllTracks bool
}

// DefaultEncoderConfig returns the configuration written to
// encoder-default.txt as a template for new batch folders.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Encoder:            "handbrake",
		VideoEncoder:       "x265",
		VideoEncoderPreset: "medium",
		Quality:            23,
		HandbrakeCrop:      "0:0:0:0",
	}
}

// Validate reports the first problem with the configuration, or nil.
func (c *EncoderConfig) Validate() error {
	if c.LimitedRange {
		if c.StartTimeSeconds < 0 {
			return errors.New("StartTimeSeconds must be > -1")
		}
		if c.DurationSeconds < 1 {
			return errors.New("DurationSeconds must be > 0")
		}
	}
	if c.Encoder != "handbrake" {
		return errors.New("Encoder must be handbrake")
	}
	switch c.VideoEncoder {
	case "x264", "x265":
		if !x26xPresets[c.VideoEncoderPreset] {
			return fmt.Errorf("unsupported VideoEncoderPreset %q", c.VideoEncoderPreset)
		}
		if c.Quality < 0 || c.Quality > 51 {
			return errors.New("unsupported Quality (range must be [0-51])")
		}
	case "av1":
		preset, err := strconv.Atoi(c.VideoEncoderPreset)
		if err != nil || preset < 1 || preset > 13 {
			return errors.New("unsupported VideoEncoderPreset. Accepted AV1 presets are integers from 1 to 13")
		}
		if c.Quality < 0 || c.Quality > 63 {
			return errors.New("unsupported Quality (range must be [0-63])")
		}
	default:
		return errors.New("VideoEncoder must be x265 or x264 or av1")
	}
	return nil
}

// LoadEncoderConfig reads and validates an encoder.txt file. Fields missing
// from the file keep their DefaultEncoderConfig values. The raw bytes are
// returned so callers can keep an exact copy next to staged files.
func LoadEncoderConfig(path string) (*EncoderConfig, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	cfg := DefaultEncoderConfig()
	if err := json.Unmarshal(bytes.TrimPrefix(raw, utf8BOM), &cfg); err != nil {
		return nil, raw, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, raw, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, raw, nil
}

// WriteDefaultEncoderConfig writes the default configuration as indented JSON.
func WriteDefaultEncoderConfig(path string) error {
	data, err := json.MarshalIndent(DefaultEncoderConfig(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
