package task

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"encodeagent/config"
	"encodeagent/encoder"

	"github.com/stretchr/testify/require"
)

const validBatchConfig = `{"Encoder":"handbrake","VideoEncoder":"x265","VideoEncoderPreset":"medium","Quality":22,"HandbrakeCrop":"0:0:0:0"}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		StorageDir:       filepath.Join(dir, "storage"),
		WorkDir:          filepath.Join(dir, "work"),
		StageTimeout:     200 * time.Millisecond,
		StagePoll:        10 * time.Millisecond,
		ScanMin:          20 * time.Millisecond,
		ScanMax:          50 * time.Millisecond,
		ScanPerFile:      10 * time.Millisecond,
		ScanErrorBackoff: 50 * time.Millisecond,
		RecentLimit:      10,
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// fakeEncoder records its invocations. By default it writes the output file
// and reports success.
type fakeEncoder struct {
	mu    sync.Mutex
	calls [][]string
	run   func(ctx context.Context, args []string, h encoder.Handlers) (encoder.Result, error)
}

func (f *fakeEncoder) Run(ctx context.Context, args []string, h encoder.Handlers) (encoder.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, args, h)
	}
	return encodeOK(ctx, args, h)
}

func (f *fakeEncoder) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func encodeOK(_ context.Context, args []string, h encoder.Handlers) (encoder.Result, error) {
	if h.OnProgress != nil {
		h.OnProgress(encoder.Progress{Percent: 50, FPS: 30, AvgFPS: 29, ETA: time.Minute})
	}
	if err := os.WriteFile(argAfter(args, "-o"), []byte("encoded"), 0644); err != nil {
		return encoder.Result{}, err
	}
	return encoder.Result{SentinelSeen: true}, nil
}

func encodeBlocking(ctx context.Context, _ []string, _ encoder.Handlers) (encoder.Result, error) {
	<-ctx.Done()
	return encoder.Result{ExitCode: -1}, encoder.ErrCanceled
}

// recordingQueue captures what the supervisor reports back.
type recordingQueue struct {
	mu       sync.Mutex
	requeued []*Task
	released []string
}

func (q *recordingQueue) Requeue(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued = append(q.requeued, t)
}

func (q *recordingQueue) Release(rel string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, rel)
}
