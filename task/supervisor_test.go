package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"encodeagent/config"
	"encodeagent/encoder"
	"encodeagent/lock"
	"encodeagent/mediainfo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cfg    *config.Config
	queue  *recordingQueue
	enc    *fakeEncoder
	status *Publisher
	sup    *Supervisor
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	cfg := testConfig(t)
	f := &fixture{cfg: cfg, queue: &recordingQueue{}, enc: &fakeEncoder{}, status: NewPublisher(nil)}
	if deps.Locks == nil {
		locks, err := lock.NewFileCoordinator(0, 0)
		require.NoError(t, err)
		deps.Locks = locks
	}
	if deps.Encoder == nil {
		deps.Encoder = f.enc
	}
	f.sup = NewSupervisor(cfg, f.queue, f.status, deps)
	f.sup.writable = func(string) bool { return true }
	return f
}

// sharedTask puts a source and batch config in the shared input tree.
func (f *fixture) sharedTask(t *testing.T, rel, batchConfig string) *Task {
	t.Helper()
	root := Roots(f.cfg)[1]
	writeFile(t, filepath.Join(root.Dir, filepath.FromSlash(rel)), "source")
	if batchConfig != "" {
		writeFile(t, filepath.Join(root.Dir, strings.Split(rel, "/")[0], config.EncoderConfigFile), batchConfig)
	}
	return NewTask(f.cfg, root, rel)
}

func TestNewTaskPaths(t *testing.T) {
	cfg := &config.Config{StorageDir: "/storage", WorkDir: "/work"}
	task := NewTask(cfg, Root{Dir: "/storage/in"}, "Movies/Sub/film.M2TS")

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "Movies/Sub/film.M2TS", task.RelativePath)
	assert.Equal(t, "Movies", task.BatchDir)
	assert.False(t, task.Local)
	assert.Equal(t, filepath.FromSlash("/storage/in/Movies/Sub/film.M2TS"), task.SourcePath)
	assert.Equal(t, filepath.FromSlash("/work/in/Movies/Sub/film.M2TS"), task.StagingPath)
	assert.Equal(t, filepath.FromSlash("/storage/out/Movies/Sub/film.mkv"), task.OutputPath)
	assert.Equal(t, filepath.FromSlash("/storage/fail/Movies/Sub/film.M2TS"), task.FailurePath)
	assert.Equal(t, filepath.FromSlash("/storage/in/Movies/encoder.txt"), task.ConfigPath())

	assert.Empty(t, NewTask(cfg, Root{Dir: "/storage/in"}, "loose.ts").BatchDir)
}

func TestSupervisorSuccess(t *testing.T) {
	prober := &fakeProber{info: &mediainfo.Info{Raw: `{"media":"probe"}`}}
	f := newFixture(t, Deps{Prober: prober})
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	res := f.sup.Process(context.Background(), task)
	require.Equal(t, OutcomeSucceeded, res.Outcome, "err: %v", res.Err)
	assert.NoError(t, res.Err)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	assert.Equal(t, "encoded", readFile(t, task.OutputPath))
	assert.False(t, fileExists(task.SourcePath))
	assert.False(t, fileExists(task.StagingPath))
	assert.False(t, fileExists(task.SourcePath+lock.Suffix))
	assert.Equal(t, validBatchConfig, readFile(t, filepath.Join(f.cfg.LocalInDir(), "batch", config.EncoderConfigFile)))

	calls := f.enc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, task.StagingPath, argAfter(calls[0], "-i"))
	assert.Equal(t, filepath.Join(f.cfg.WorkDir, "movie.mkv"), argAfter(calls[0], "-o"))
	assert.Equal(t, "22", argAfter(calls[0], "-q"))

	records, err := os.ReadDir(f.cfg.RecordDir())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, strings.HasPrefix(records[0].Name(), "movie.ts "))
	assert.True(t, strings.HasSuffix(records[0].Name(), ".info"))
	record := readFile(t, filepath.Join(f.cfg.RecordDir(), records[0].Name()))
	assert.Contains(t, record, `configuration "batch"`)
	assert.Contains(t, record, `{"media":"probe"}`)

	assert.Equal(t, []string{"batch/movie.ts"}, f.queue.released)
	st := f.status.Snapshot()
	assert.Nil(t, st.CurrentTask)
	assert.Zero(t, st.Percent)
	assert.Equal(t, -time.Second, st.ETA)
}

func TestSupervisorKeepsInputForDebugging(t *testing.T) {
	f := newFixture(t, Deps{})
	task := f.sharedTask(t, "batch/movie.ts", `{"Encoder":"handbrake","VideoEncoder":"x264","VideoEncoderPreset":"fast","Quality":20,"KeepInputForDebuggingAfterward":true}`)

	res := f.sup.Process(context.Background(), task)
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.True(t, fileExists(task.StagingPath))
	assert.True(t, fileExists(task.OutputPath))
}

func TestSupervisorEncodeFailure(t *testing.T) {
	f := newFixture(t, Deps{})
	f.enc.run = func(context.Context, []string, encoder.Handlers) (encoder.Result, error) {
		return encoder.Result{ExitCode: 3, Stderr: "x265 [error]: corrupt stream\n"}, encoder.ErrNoSentinel
	}
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	res := f.sup.Process(context.Background(), task)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, encoder.ErrNoSentinel)

	assert.True(t, fileExists(task.FailurePath))
	assert.False(t, fileExists(task.StagingPath))
	assert.False(t, fileExists(task.OutputPath))

	note := readFile(t, filepath.Join(filepath.Dir(task.OutputPath), "ENCODER-LOG-movie.mkv.txt"))
	assert.Contains(t, note, "corrupt stream")
	assert.Contains(t, note, task.FailurePath)
	assert.Equal(t, []string{"batch/movie.ts"}, f.queue.released)
}

func TestSupervisorExitZeroWithoutSentinelIsFailure(t *testing.T) {
	f := newFixture(t, Deps{})
	f.enc.run = func(_ context.Context, args []string, _ encoder.Handlers) (encoder.Result, error) {
		// Output written and a clean exit code, but no confirmation.
		require.NoError(t, os.WriteFile(argAfter(args, "-o"), []byte("partial"), 0644))
		return encoder.Result{ExitCode: 0, Stderr: "Encoding stopped\n"}, fmt.Errorf("%w (exit code 0)", encoder.ErrNoSentinel)
	}
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	res := f.sup.Process(context.Background(), task)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, encoder.ErrNoSentinel)
	assert.True(t, fileExists(task.FailurePath))
	assert.False(t, fileExists(task.OutputPath))
	assert.False(t, fileExists(filepath.Join(f.cfg.WorkDir, "movie.mkv")))
	assert.Contains(t, readFile(t, filepath.Join(filepath.Dir(task.OutputPath), "ENCODER-LOG-movie.mkv.txt")), "Encoding stopped")
}

func TestSupervisorFailureKeepsEarlierFailedInput(t *testing.T) {
	f := newFixture(t, Deps{})
	f.enc.run = func(context.Context, []string, encoder.Handlers) (encoder.Result, error) {
		return encoder.Result{ExitCode: 1}, encoder.ErrNoSentinel
	}
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)
	writeFile(t, task.FailurePath, "earlier failure")

	res := f.sup.Process(context.Background(), task)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "earlier failure", readFile(t, task.FailurePath))
	assert.Equal(t, "source", readFile(t, filepath.Join(f.cfg.FailDir(), "batch", "movie (2).ts")))
	assert.False(t, fileExists(task.StagingPath))

	// Nothing is left in the local root to pick up again.
	again := NewTask(f.cfg, Roots(f.cfg)[0], "batch/movie.ts")
	res = f.sup.Process(context.Background(), again)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Len(t, f.enc.Calls(), 1)
}

func TestSupervisorFailedInputLeftInPlaceIsNotRetried(t *testing.T) {
	f := newFixture(t, Deps{})
	f.enc.run = func(context.Context, []string, encoder.Handlers) (encoder.Result, error) {
		return encoder.Result{ExitCode: 1}, encoder.ErrNoSentinel
	}
	task := f.sharedTask(t, "batch/movie.ts", `{"Encoder":"handbrake","VideoEncoder":"x264","VideoEncoderPreset":"fast","Quality":20,"KeepInputForDebuggingAfterward":true}`)

	res := f.sup.Process(context.Background(), task)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.True(t, fileExists(task.StagingPath))

	again := NewTask(f.cfg, Roots(f.cfg)[0], "batch/movie.ts")
	res = f.sup.Process(context.Background(), again)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Len(t, f.enc.Calls(), 1, "a failed encode is not retried")

	// A replaced file is a new source.
	writeFile(t, task.StagingPath, "replacement")
	later := time.Now().Add(-30 * time.Minute)
	require.NoError(t, os.Chtimes(task.StagingPath, later, later))
	res = f.sup.Process(context.Background(), NewTask(f.cfg, Roots(f.cfg)[0], "batch/movie.ts"))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Len(t, f.enc.Calls(), 2)
}

func TestSupervisorMissingOutputIsFailure(t *testing.T) {
	f := newFixture(t, Deps{})
	f.enc.run = func(context.Context, []string, encoder.Handlers) (encoder.Result, error) {
		return encoder.Result{SentinelSeen: true}, nil
	}
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, fileExists(task.FailurePath))
}

func TestSupervisorCanceledEncode(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.enc.run = func(ctx context.Context, args []string, h encoder.Handlers) (encoder.Result, error) {
		cancel()
		return encodeBlocking(ctx, args, h)
	}
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	res := f.sup.Process(ctx, task)

	assert.Equal(t, OutcomeCanceled, res.Outcome)
	assert.True(t, fileExists(task.StagingPath), "staged input stays for rediscovery")
	assert.False(t, fileExists(task.FailurePath))
	assert.False(t, fileExists(task.OutputPath))
	assert.Equal(t, []string{"batch/movie.ts"}, f.queue.released)
}

func TestSupervisorBlockedBatch(t *testing.T) {
	f := newFixture(t, Deps{})
	task := f.sharedTask(t, "batch/movie.ts", `{"Encoder":"ffmpeg"}`)

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Contains(t, res.Err.Error(), "Encoder must be handbrake")
	assert.True(t, fileExists(task.SourcePath))

	// Unchanged config is not read again.
	res = f.sup.Process(context.Background(), NewTask(f.cfg, Roots(f.cfg)[1], "batch/movie.ts"))
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Contains(t, res.Err.Error(), "blocked")

	// Fixing the file unblocks the batch.
	cfgPath := task.ConfigPath()
	require.NoError(t, os.WriteFile(cfgPath, []byte(validBatchConfig), 0644))
	now := time.Now()
	require.NoError(t, os.Chtimes(cfgPath, now, now))

	res = f.sup.Process(context.Background(), NewTask(f.cfg, Roots(f.cfg)[1], "batch/movie.ts"))
	assert.Equal(t, OutcomeSucceeded, res.Outcome, "err: %v", res.Err)
	assert.Empty(t, f.sup.blocked)
	assert.Len(t, f.enc.Calls(), 1)
}

func TestSupervisorMissingConfig(t *testing.T) {
	f := newFixture(t, Deps{})
	task := f.sharedTask(t, "batch/movie.ts", "")

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Len(t, f.sup.blocked, 1)
	assert.Empty(t, f.enc.Calls())
}

func TestSupervisorRejectsUnsafeExtraArgs(t *testing.T) {
	f := newFixture(t, Deps{})
	task := f.sharedTask(t, "batch/movie.ts", `{"Encoder":"handbrake","VideoEncoder":"x265","VideoEncoderPreset":"slow","Quality":22,"ExtraArgs":"-o /tmp/elsewhere.mkv"}`)

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Contains(t, res.Err.Error(), "ExtraArgs")
	assert.Empty(t, f.enc.Calls())
}

func TestSupervisorFileOutsideBatch(t *testing.T) {
	f := newFixture(t, Deps{})
	task := f.sharedTask(t, "loose.ts", "")

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.True(t, fileExists(task.SourcePath))
}

func TestSupervisorVanishedSource(t *testing.T) {
	f := newFixture(t, Deps{})
	task := NewTask(f.cfg, Roots(f.cfg)[1], "batch/gone.ts")

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.Equal(t, []string{"batch/gone.ts"}, f.queue.released)
}

func TestSupervisorDestinationExists(t *testing.T) {
	f := newFixture(t, Deps{})
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)
	writeFile(t, task.OutputPath, "previous")

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.ErrorIs(t, res.Err, errDestExists)
	assert.True(t, fileExists(task.SourcePath))
	assert.Equal(t, "previous", readFile(t, task.OutputPath))
}

func TestSupervisorAlreadyLocked(t *testing.T) {
	f := newFixture(t, Deps{})
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)
	foreign, err := json.Marshal(lock.Record{MachineName: "other-host", Timestamp: time.Now().Format(time.RFC3339)})
	require.NoError(t, err)
	writeFile(t, task.SourcePath+lock.Suffix, string(foreign))

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeAbandoned, res.Outcome)
	assert.NoError(t, res.Err)
	assert.True(t, fileExists(task.SourcePath))
	assert.True(t, fileExists(task.SourcePath+lock.Suffix))
	assert.Empty(t, f.enc.Calls())
}

func TestSupervisorStageTimeout(t *testing.T) {
	f := newFixture(t, Deps{})
	f.sup.writable = func(string) bool { return false }
	f.sup.stage.Timeout = 30 * time.Millisecond
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	res := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeRequeued, res.Outcome)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, []*Task{task}, f.queue.requeued)
	assert.Empty(t, f.queue.released)
	assert.False(t, fileExists(task.SourcePath+lock.Suffix), "lock is released on requeue")

	res = f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeRequeued, res.Outcome)
	assert.Equal(t, 2, task.Attempts)
}

func TestSupervisorStageRetryLimit(t *testing.T) {
	f := newFixture(t, Deps{})
	f.cfg.MaxStageRetries = 2
	f.sup.writable = func(string) bool { return false }
	f.sup.stage.Timeout = 20 * time.Millisecond
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	assert.Equal(t, OutcomeRequeued, f.sup.Process(context.Background(), task).Outcome)
	assert.Equal(t, OutcomeAbandoned, f.sup.Process(context.Background(), task).Outcome)
	assert.Equal(t, []string{"batch/movie.ts"}, f.queue.released)
}

func TestSupervisorWaitsForSettle(t *testing.T) {
	f := newFixture(t, Deps{})
	f.sup.stage.Settle = time.Hour * 2
	f.sup.stage.Timeout = 20 * time.Millisecond
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	assert.Equal(t, OutcomeRequeued, f.sup.Process(context.Background(), task).Outcome)
}

func TestSupervisorLocalTask(t *testing.T) {
	f := newFixture(t, Deps{Locks: lockFunc(func(context.Context, string) (*lock.Claim, error) {
		return nil, errors.New("local files must not be locked")
	})})
	root := Roots(f.cfg)[0]
	writeFile(t, filepath.Join(root.Dir, "batch", "movie.mkv"), "source")
	writeFile(t, filepath.Join(root.Dir, "batch", config.EncoderConfigFile), validBatchConfig)
	task := NewTask(f.cfg, root, "batch/movie.mkv")

	res := f.sup.Process(context.Background(), task)
	require.Equal(t, OutcomeSucceeded, res.Outcome, "err: %v", res.Err)
	assert.False(t, fileExists(task.SourcePath))
	assert.True(t, fileExists(task.OutputPath))
}

func TestSupervisorSmartCrop(t *testing.T) {
	smart := `{"Encoder":"handbrake","VideoEncoder":"x265","VideoEncoderPreset":"medium","Quality":22,"HandbrakeCrop":"Smart"}`

	t.Run("Computed crop is used", func(t *testing.T) {
		cropper := &fakeCropper{crop: "140:140:0:0"}
		f := newFixture(t, Deps{Cropper: cropper})
		task := f.sharedTask(t, "batch/movie.ts", smart)

		res := f.sup.Process(context.Background(), task)
		require.Equal(t, OutcomeSucceeded, res.Outcome)
		assert.Equal(t, task.StagingPath, cropper.path)
		assert.Equal(t, "140:140:0:0", argAfter(f.enc.Calls()[0], "--crop"))
	})

	t.Run("Crop failure encodes uncropped", func(t *testing.T) {
		f := newFixture(t, Deps{Cropper: &fakeCropper{err: errors.New("no frames")}})
		task := f.sharedTask(t, "batch/movie.ts", smart)

		res := f.sup.Process(context.Background(), task)
		require.Equal(t, OutcomeSucceeded, res.Outcome)
		assert.NotContains(t, f.enc.Calls()[0], "--crop")
	})
}

func TestSupervisorWaitsForResources(t *testing.T) {
	res := &fakeResources{failures: 2}
	f := newFixture(t, Deps{Resources: res})
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	out := f.sup.Process(context.Background(), task)
	assert.Equal(t, OutcomeSucceeded, out.Outcome)
	assert.Equal(t, 3, res.checks)
}

func TestSupervisorPublishesProgress(t *testing.T) {
	f := newFixture(t, Deps{})
	var seen AgentStatus
	f.enc.run = func(ctx context.Context, args []string, h encoder.Handlers) (encoder.Result, error) {
		h.OnProgress(encoder.Progress{Percent: 42, FPS: 30, AvgFPS: 31, ETA: 90 * time.Second})
		seen = f.status.Snapshot()
		return encodeOK(ctx, args, h)
	}
	task := f.sharedTask(t, "batch/movie.ts", validBatchConfig)

	f.sup.Process(context.Background(), task)
	assert.True(t, seen.EncoderActive)
	assert.Equal(t, 42.0, seen.Percent)
	assert.Equal(t, int64(90), seen.ETASeconds)
	require.NotNil(t, seen.CurrentTask)
	assert.Equal(t, task.ID, seen.CurrentTask.ID)
}

type lockFunc func(ctx context.Context, path string) (*lock.Claim, error)

func (f lockFunc) TryClaim(ctx context.Context, path string) (*lock.Claim, error) {
	return f(ctx, path)
}

type fakeProber struct {
	info *mediainfo.Info
	err  error
}

func (p *fakeProber) Probe(context.Context, string) (*mediainfo.Info, error) {
	return p.info, p.err
}

type fakeCropper struct {
	crop string
	err  error
	path string
}

func (c *fakeCropper) Crop(_ context.Context, path string) (string, error) {
	c.path = path
	return c.crop, c.err
}

type fakeResources struct {
	failures int
	checks   int
}

func (r *fakeResources) Check() error {
	r.checks++
	if r.checks <= r.failures {
		return errors.New("busy")
	}
	return nil
}
