package encoder

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	rxEncodingStatus = regexp.MustCompile(`Encoding: task \d+ of \d+, (.+?) % \((.+?) fps, avg (.+?) fps, ETA (.+?)\)`)
	rxETA            = regexp.MustCompile(`(\d\d)h(\d\d)m(\d\d)s`)
)

const (
	muxingMarker  = "Muxing: this may take awhile"
	fullPctNotice = "Note: Handbrake can spend several minutes at 100% progress."
)

// Progress is the state reported by one line of encoder output.
type Progress struct {
	Percent float64
	FPS     float64
	AvgFPS  float64
	// ETA is -1s when the encoder did not give one.
	ETA     time.Duration
	Comment string
	// CommentOnly marks lines that carry a comment but no counters.
	CommentOnly bool
}

// ParseProgress interprets one line of encoder standard output.
func ParseProgress(line string) (Progress, bool) {
	if m := rxEncodingStatus.FindStringSubmatch(line); m != nil {
		p := Progress{
			Percent: parseFloat(m[1]),
			FPS:     parseFloat(m[2]),
			AvgFPS:  parseFloat(m[3]),
			ETA:     -time.Second,
		}
		if eta := rxETA.FindStringSubmatch(m[4]); eta != nil {
			h, _ := strconv.Atoi(eta[1])
			mi, _ := strconv.Atoi(eta[2])
			s, _ := strconv.Atoi(eta[3])
			p.ETA = time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(s)*time.Second
		}
		switch {
		case strings.Contains(line, muxingMarker):
			p.Comment = strings.TrimSpace(line)
		case p.Percent == 100:
			p.Comment = fullPctNotice
		}
		return p, true
	}
	if strings.Contains(line, muxingMarker) {
		return Progress{Comment: strings.TrimSpace(line), CommentOnly: true}, true
	}
	return Progress{}, false
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
