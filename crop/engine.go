package crop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"encodeagent/logging"
	"encodeagent/sampler"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAborted is returned when Abort was called or the caller's context
	// ended before sampling finished.
	ErrAborted = errors.New("crop calculation aborted")
	// ErrReused is returned by a second call to Calculate on one Engine.
	ErrReused = errors.New("crop engine cannot be reused")
	// ErrInconsistentFrame means a sampled frame differs in size from the
	// first frame of the same video.
	ErrInconsistentFrame = errors.New("inconsistent frame size")
)

// FrameSource delivers sampled frames of a video. The channel ends with a
// frame of progress 1 and is then closed.
type FrameSource interface {
	Frames(ctx context.Context, path string) (<-chan sampler.Frame, error)
}

// State is the lifecycle stage of an Engine.
type State int32

const (
	StateIdle State = iota
	StateSampling
	StateDone
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSampling:
		return "sampling"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type EngineOptions struct {
	// OnFrame is called for every frame consumed. img is nil for frames
	// that carried no picture.
	OnFrame func(progress float64, img image.Image)
	// DebugDir, if set, receives a source and a marked PNG for every frame
	// that expanded the rectangle.
	DebugDir string
	// QueueDepth bounds the frames waiting for analysis. Defaults to 16.
	QueueDepth int
}

// Engine computes the crop rectangle of one video. It is single use.
type Engine struct {
	source FrameSource
	opts   EngineOptions
	pool   *bufferPool

	state atomic.Int32
	used  atomic.Bool

	mu      sync.Mutex
	aborted bool
	cancel  context.CancelFunc

	// Consumer-owned.
	rect     Rect
	frames   int
	debugSeq int
}

func NewEngine(source FrameSource, opts EngineOptions) *Engine {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}
	return &Engine{
		source: source,
		opts:   opts,
		pool:   newBufferPool(),
		rect:   Unset(),
	}
}

func (e *Engine) State() State { return State(e.state.Load()) }

// Abort stops a running calculation. Calculate then returns ErrAborted.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = true
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) wasAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

// Calculate blocks until the crop rectangle of path is known. A nil
// rectangle with a nil error means no frame had any visible content.
func (e *Engine) Calculate(ctx context.Context, path string) (*Rect, error) {
	if !e.used.CompareAndSwap(false, true) {
		return nil, ErrReused
	}
	e.state.Store(int32(StateSampling))

	sampleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	if e.aborted {
		cancel()
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(sampleCtx)
	frames, err := e.source.Frames(gctx, path)
	if err != nil {
		e.state.Store(int32(StateFailed))
		return nil, fmt.Errorf("sample %s: %w", path, err)
	}

	queue := make(chan sampler.Frame, e.opts.QueueDepth)
	g.Go(func() error {
		defer close(queue)
		for f := range frames {
			select {
			case queue <- f:
			case <-gctx.Done():
			}
		}
		return nil
	})
	g.Go(func() error {
		for f := range queue {
			if gctx.Err() != nil {
				continue
			}
			full, err := e.consume(f)
			if err != nil {
				return err
			}
			if full {
				logging.Debug("Crop of %s covers the full frame, stopping early", path)
				cancel()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		e.state.Store(int32(StateFailed))
		return nil, err
	}
	if e.wasAborted() || ctx.Err() != nil {
		e.state.Store(int32(StateAborted))
		return nil, ErrAborted
	}

	e.state.Store(int32(StateDone))
	if !e.rect.Valid() {
		return nil, nil
	}
	r := e.rect
	r.InflateToModulus2()
	return &r, nil
}

// consume analyses one sampled frame and reports whether the rectangle now
// covers the whole frame.
func (e *Engine) consume(f sampler.Frame) (bool, error) {
	if f.Data == nil {
		e.notify(f.Progress, nil)
		return false, nil
	}
	img, err := imaging.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	e.frames++
	if e.frames == 1 {
		e.rect.SourceWidth = w
		e.rect.SourceHeight = h
	} else if w != e.rect.SourceWidth || h != e.rect.SourceHeight {
		return false, fmt.Errorf("%w: frame is %dx%d, expected %dx%d",
			ErrInconsistentFrame, w, h, e.rect.SourceWidth, e.rect.SourceHeight)
	}

	buf := e.pool.Get(w * h * 3)
	defer e.pool.Put(buf)
	frame := &Frame{Pix: buf, Width: w, Height: h, Stride: w * 3}
	fillBGR(frame, img)

	if e.expand(frame) && e.opts.DebugDir != "" {
		e.debugSeq++
		if err := saveDebugFrames(e.opts.DebugDir, e.debugSeq, img, frame, e.rect); err != nil {
			logging.Warn("Could not save crop debug frame: %v", err)
		}
	}

	e.notify(f.Progress, img)
	return e.rect.IsFull(), nil
}

// expand scans inward from each edge, never past the current rectangle, and
// stops each scan at the first meaningful line.
func (e *Engine) expand(f *Frame) bool {
	r := &e.rect
	adjusted := false
	for y := 0; y < f.Height && y < r.Top; y++ {
		if f.ScanRow(y) {
			r.Top = y
			adjusted = true
			break
		}
	}
	for x := 0; x < f.Width && x < r.Left; x++ {
		if f.ScanColumn(x) {
			r.Left = x
			adjusted = true
			break
		}
	}
	for x := f.Width - 1; x >= 0 && x > r.Right; x-- {
		if f.ScanColumn(x) {
			r.Right = x
			adjusted = true
			break
		}
	}
	for y := f.Height - 1; y >= 0 && y > r.Bottom; y-- {
		if f.ScanRow(y) {
			r.Bottom = y
			adjusted = true
			break
		}
	}
	return adjusted
}

func (e *Engine) notify(progress float64, img image.Image) {
	if e.opts.OnFrame != nil {
		e.opts.OnFrame(progress, img)
	}
}

// fillBGR writes img into f as BGR24, compositing any transparency over
// black.
func fillBGR(f *Frame, img image.Image) {
	src := imaging.Clone(img)
	for y := 0; y < f.Height; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+f.Width*4]
		d := f.Pix[y*f.Stride : y*f.Stride+f.Width*3]
		for x := 0; x < f.Width; x++ {
			r, g, b, a := s[x*4], s[x*4+1], s[x*4+2], s[x*4+3]
			if a != 0xff {
				r = byte(uint16(r) * uint16(a) / 0xff)
				g = byte(uint16(g) * uint16(a) / 0xff)
				b = byte(uint16(b) * uint16(a) / 0xff)
			}
			d[x*3], d[x*3+1], d[x*3+2] = b, g, r
		}
	}
}
