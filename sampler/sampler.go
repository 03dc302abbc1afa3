// Package sampler pulls evenly spaced still frames out of a video using an
// external snapshot tool and a pool of workers.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"encodeagent/ffmpeg"
	"encodeagent/logging"
)

// ErrNoDuration is returned when the probed duration is not positive.
var ErrNoDuration = errors.New("unable to determine duration of video")

// Frame is one sampling result. Data is nil when the snapshot failed or
// for progress-only frames. The last frame has Progress 1.
type Frame struct {
	Progress float64
	Data     []byte
}

type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

type Snapshotter interface {
	Snapshot(ctx context.Context, path string, offset int, keyframesOnly bool, format ffmpeg.ImageFormat) ([]byte, error)
}

type Options struct {
	// Interval is the desired spacing between samples in seconds.
	Interval int
	// MinCaptures overrides Interval when it would yield fewer samples.
	MinCaptures int
	// Lossless selects PNG snapshots instead of JPEG.
	Lossless bool
	Workers  int
	// QueueDepth bounds undelivered frames. Defaults to Workers.
	QueueDepth int
}

type Sampler struct {
	prober DurationProber
	snap   Snapshotter
	opts   Options
}

func New(prober DurationProber, snap Snapshotter, opts Options) *Sampler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = opts.Workers
	}
	return &Sampler{prober: prober, snap: snap, opts: opts}
}

// PlanOffsets returns the effective interval and the sample offsets in
// seconds for a video of the given duration.
func PlanOffsets(duration float64, interval, minimum int) (int, []int) {
	if interval < 1 {
		interval = 1
	}
	if duration/float64(interval) < float64(minimum+1) {
		interval = int(math.Floor(duration / float64(minimum+1)))
	}
	if interval < 1 {
		interval = 1
	}
	var offsets []int
	for o := 0; float64(o) <= duration-float64(interval); o += interval {
		offsets = append(offsets, o)
	}
	return interval, offsets
}

// Frames starts sampling path. Setup problems are returned before any
// work begins. The returned channel must be drained; it always ends with a
// Progress 1 frame, even after ctx is canceled, and is then closed.
func (s *Sampler) Frames(ctx context.Context, path string) (<-chan Frame, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("input file: %w", err)
	}
	duration, err := s.prober.Duration(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probe duration: %w", err)
	}
	if duration <= 0 {
		return nil, ErrNoDuration
	}

	interval, offsets := PlanOffsets(duration, s.opts.Interval, s.opts.MinCaptures)
	logging.Debug("Sampling %d frames from %s every %ds", len(offsets), path, interval)

	out := make(chan Frame, s.opts.QueueDepth)
	go s.run(ctx, path, interval, offsets, out)
	return out, nil
}

func (s *Sampler) run(ctx context.Context, path string, interval int, offsets []int, out chan<- Frame) {
	defer close(out)

	format := ffmpeg.MJPEG
	if s.opts.Lossless {
		format = ffmpeg.PNG
	}
	keyframesOnly := interval >= 10
	total := float64(len(offsets))

	select {
	case out <- Frame{Progress: 0}:
	case <-ctx.Done():
	}

	var next, finished atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				idx := int(next.Add(1)) - 1
				if idx >= len(offsets) {
					return
				}
				data, err := s.snap.Snapshot(ctx, path, offsets[idx], keyframesOnly, format)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logging.Warn("Snapshot of %s at %ds failed: %v", path, offsets[idx], err)
					data = nil
				}
				n := finished.Add(1)
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- Frame{Progress: float64(n) / total, Data: data}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	out <- Frame{Progress: 1}
}
