package sampler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"encodeagent/ffmpeg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	duration float64
	err      error
}

func (f *fakeProber) Duration(ctx context.Context, path string) (float64, error) {
	return f.duration, f.err
}

type fakeSnapshotter struct {
	mu        sync.Mutex
	offsets   []int
	keyframes []bool
	formats   []ffmpeg.ImageFormat
	fail      map[int]bool
	onCall    func(offset int)
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context, path string, offset int, keyframesOnly bool, format ffmpeg.ImageFormat) ([]byte, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	f.keyframes = append(f.keyframes, keyframesOnly)
	f.formats = append(f.formats, format)
	fail := f.fail[offset]
	cb := f.onCall
	f.mu.Unlock()
	if cb != nil {
		cb(offset)
	}
	if fail {
		return nil, errors.New("no frame")
	}
	return []byte{byte(offset)}, nil
}

func tempVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	return path
}

func drain(ch <-chan Frame) []Frame {
	var frames []Frame
	for f := range ch {
		frames = append(frames, f)
	}
	return frames
}

func TestPlanOffsets(t *testing.T) {
	t.Run("long video keeps interval", func(t *testing.T) {
		interval, offsets := PlanOffsets(3600, 10, 60)
		assert.Equal(t, 10, interval)
		require.Len(t, offsets, 360)
		assert.Equal(t, 0, offsets[0])
		assert.Equal(t, 10, offsets[1])
		assert.Equal(t, 3590, offsets[len(offsets)-1])
	})

	t.Run("short video shrinks interval", func(t *testing.T) {
		interval, offsets := PlanOffsets(300, 60, 60)
		assert.Equal(t, 4, interval)
		assert.Equal(t, 296, offsets[len(offsets)-1])
	})

	t.Run("interval never below one second", func(t *testing.T) {
		interval, offsets := PlanOffsets(30, 20, 60)
		assert.Equal(t, 1, interval)
		assert.Len(t, offsets, 30)
	})

	t.Run("tiny duration yields no offsets", func(t *testing.T) {
		_, offsets := PlanOffsets(0.5, 20, 60)
		assert.Empty(t, offsets)
	})
}

func TestFramesSetupErrors(t *testing.T) {
	snap := &fakeSnapshotter{}

	t.Run("missing file", func(t *testing.T) {
		s := New(&fakeProber{duration: 100}, snap, Options{Interval: 10})
		_, err := s.Frames(context.Background(), filepath.Join(t.TempDir(), "nope.mkv"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("probe failure", func(t *testing.T) {
		s := New(&fakeProber{err: errors.New("ffprobe exited 1")}, snap, Options{Interval: 10})
		_, err := s.Frames(context.Background(), tempVideo(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "probe duration")
	})

	t.Run("zero duration", func(t *testing.T) {
		s := New(&fakeProber{duration: 0}, snap, Options{Interval: 10})
		_, err := s.Frames(context.Background(), tempVideo(t))
		assert.ErrorIs(t, err, ErrNoDuration)
	})

	assert.Empty(t, snap.offsets)
}

func TestFramesDeliversEveryOffset(t *testing.T) {
	snap := &fakeSnapshotter{fail: map[int]bool{40: true}}
	s := New(&fakeProber{duration: 100}, snap, Options{Interval: 20, MinCaptures: 2, Lossless: true, Workers: 3})

	ch, err := s.Frames(context.Background(), tempVideo(t))
	require.NoError(t, err)
	frames := drain(ch)

	// start marker + 5 offsets (0..80) + terminal marker
	require.Len(t, frames, 7)
	assert.Equal(t, 0.0, frames[0].Progress)
	assert.Nil(t, frames[0].Data)
	last := frames[len(frames)-1]
	assert.Equal(t, 1.0, last.Progress)
	assert.Nil(t, last.Data)

	nilFrames := 0
	for _, f := range frames[1 : len(frames)-1] {
		assert.Greater(t, f.Progress, 0.0)
		assert.LessOrEqual(t, f.Progress, 1.0)
		if f.Data == nil {
			nilFrames++
		}
	}
	assert.Equal(t, 1, nilFrames)
	assert.ElementsMatch(t, []int{0, 20, 40, 60, 80}, snap.offsets)
	for i := range snap.keyframes {
		assert.True(t, snap.keyframes[i])
		assert.Equal(t, ffmpeg.PNG, snap.formats[i])
	}
}

func TestFramesShortIntervalDisablesKeyframeFilter(t *testing.T) {
	snap := &fakeSnapshotter{}
	s := New(&fakeProber{duration: 50}, snap, Options{Interval: 5, MinCaptures: 1, Workers: 2})

	ch, err := s.Frames(context.Background(), tempVideo(t))
	require.NoError(t, err)
	drain(ch)

	require.NotEmpty(t, snap.keyframes)
	for i := range snap.keyframes {
		assert.False(t, snap.keyframes[i])
		assert.Equal(t, ffmpeg.MJPEG, snap.formats[i])
	}
}

func TestFramesStopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap := &fakeSnapshotter{}
	snap.onCall = func(offset int) {
		if offset >= 30 {
			cancel()
		}
	}
	s := New(&fakeProber{duration: 3600}, snap, Options{Interval: 10, MinCaptures: 1, Workers: 1})

	ch, err := s.Frames(ctx, tempVideo(t))
	require.NoError(t, err)
	frames := drain(ch)

	require.NotEmpty(t, frames)
	assert.Equal(t, 1.0, frames[len(frames)-1].Progress)
	for _, f := range frames {
		if f.Data != nil {
			assert.Less(t, int(f.Data[0]), 30)
		}
	}
	assert.LessOrEqual(t, len(snap.offsets), 4)
}
