// Package mediainfo runs the mediainfo CLI and exposes its track listing.
package mediainfo

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

// ErrUnavailable means no mediainfo binary is configured or found. Callers
// fall back to default track selection.
var ErrUnavailable = errors.New("mediainfo unavailable")

type Prober struct {
	bin string
}

// NewProber resolves bin. An empty or unresolvable bin yields a Prober
// whose Probe always returns ErrUnavailable.
func NewProber(bin string) *Prober {
	if bin == "" {
		return &Prober{}
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return &Prober{}
	}
	return &Prober{bin: path}
}

func (p *Prober) Available() bool { return p.bin != "" }

// Probe returns the track listing of path.
func (p *Prober) Probe(ctx context.Context, path string) (*Info, error) {
	if p.bin == "" {
		return nil, ErrUnavailable
	}
	out, err := exec.CommandContext(ctx, p.bin, "--Output=JSON", path).Output()
	if err != nil {
		return nil, fmt.Errorf("mediainfo %q: %w", path, err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, fmt.Errorf("mediainfo %q: empty output", path)
	}
	return ParseJSON(out)
}

// --- mediainfo JSON wire types. Every value is a string. ---

type wrapper struct {
	Media struct {
		Ref    string      `json:"@ref"`
		Tracks []wireTrack `json:"track"`
	} `json:"media"`
}

type wireTrack struct {
	Type          string `json:"@type"`
	Format        string `json:"Format"`
	Title         string `json:"Title"`
	Language      string `json:"Language"`
	BitRate       string `json:"BitRate"`
	Default       string `json:"Default"`
	Forced        string `json:"Forced"`
	Duration      string `json:"Duration"`
	Channels      string `json:"Channels"`
	Width         string `json:"Width"`
	Height        string `json:"Height"`
	BitDepth      string `json:"BitDepth"`
	FileExtension string `json:"FileExtension"`
}

// ParseJSON converts mediainfo --Output=JSON output into an Info.
func ParseJSON(data []byte) (*Info, error) {
	var w wrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse mediainfo JSON: %w", err)
	}

	info := &Info{}
	counters := make(map[Kind]int)
	for i := range w.Media.Tracks {
		t := convertTrack(&w.Media.Tracks[i])
		counters[t.Kind]++
		t.StreamNumber = counters[t.Kind]
		info.Tracks = append(info.Tracks, t)
	}

	var indented bytes.Buffer
	if err := json.Indent(&indented, data, "", "  "); err == nil {
		info.Raw = indented.String()
	} else {
		info.Raw = string(data)
	}
	return info, nil
}

func convertTrack(w *wireTrack) Track {
	t := Track{
		Kind:     kindOf(w.Type),
		Format:   w.Format,
		Title:    w.Title,
		Language: w.Language,
		BitRate:  parseInt64(w.BitRate),
		Default:  parseYes(w.Default),
		Forced:   parseYes(w.Forced),
		Duration: parseFloat(w.Duration),
	}
	switch t.Kind {
	case Audio:
		t.Channels = parseInt(w.Channels)
	case Video:
		t.Width = parseInt(w.Width)
		t.Height = parseInt(w.Height)
		t.BitDepth = parseInt(w.BitDepth)
	case General:
		t.FileExtension = w.FileExtension
	}
	return t
}

func kindOf(s string) Kind {
	switch Kind(s) {
	case General, Video, Audio, Text, Menu:
		return Kind(s)
	}
	return Other
}

func parseYes(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "yes")
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseInt(s string) int {
	// Channels may read "6 / 6" for some formats.
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " /"); i > 0 {
		s = s[:i]
	}
	n, _ := strconv.Atoi(s)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
