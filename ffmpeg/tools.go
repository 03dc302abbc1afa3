// Package ffmpeg wraps the ffprobe and ffmpeg command line tools used to
// sample frames for crop detection.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrToolMissing means a required binary could not be found.
var ErrToolMissing = errors.New("required tool not found")

// ImageFormat selects the still image codec used for snapshots.
type ImageFormat string

const (
	PNG   ImageFormat = "png"
	MJPEG ImageFormat = "mjpeg"
)

type Tools struct {
	ffmpeg  string
	ffprobe string
}

// NewTools resolves both binaries. Either may be a bare name looked up in
// PATH or a path to an executable.
func NewTools(ffmpegBin, ffprobeBin string) (*Tools, error) {
	ff, err := exec.LookPath(ffmpegBin)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg binary %q: %v", ErrToolMissing, ffmpegBin, err)
	}
	fp, err := exec.LookPath(ffprobeBin)
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe binary %q: %v", ErrToolMissing, ffprobeBin, err)
	}
	return &Tools{ffmpeg: ff, ffprobe: fp}, nil
}

// ffprobe JSON wire types. Only the format section is read.

type probeOutput struct {
	Format probeFormat `json:"format"`
}

type probeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

// Duration returns the container duration of path in seconds.
func (t *Tools) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, t.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %q: %w", path, err)
	}
	return ParseDuration(out)
}

// ParseDuration extracts the duration from ffprobe -show_format JSON.
func ParseDuration(data []byte) (float64, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("parse ffprobe JSON: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(raw.Format.Duration), 64)
	if err != nil {
		return 0, fmt.Errorf("unable to determine duration %q: %w", raw.Format.Duration, err)
	}
	return d, nil
}

// SnapshotArgs builds the ffmpeg arguments that write one frame at offset
// seconds to standard output.
func SnapshotArgs(path string, offset int, keyframesOnly bool, format ImageFormat) []string {
	args := []string{"-skip_frame", "nokey", "-ss", strconv.Itoa(offset), "-i", path}
	if keyframesOnly {
		args = append(args, "-vf", `select=eq(pict_type\,I)`)
	}
	return append(args, "-c:v", string(format), "-vframes", "1", "-f", "image2pipe", "-")
}

// Snapshot returns the encoded image of one frame near offset.
func (t *Tools) Snapshot(ctx context.Context, path string, offset int, keyframesOnly bool, format ImageFormat) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.ffmpeg, SnapshotArgs(path, offset, keyframesOnly, format)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg snapshot at %ds: %w: %s", offset, err, lastLine(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg snapshot at %ds produced no image", offset)
	}
	return stdout.Bytes(), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
