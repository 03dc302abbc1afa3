package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"encodeagent/config"
	"encodeagent/encoder"
	"encodeagent/lock"
	"encodeagent/logging"
	"encodeagent/mediainfo"
	"encodeagent/metrics"
)

// Cropper computes a "top:bottom:left:right" crop for a file. An empty
// string means no crop.
type Cropper interface {
	Crop(ctx context.Context, path string) (string, error)
}

type MediaProber interface {
	Probe(ctx context.Context, path string) (*mediainfo.Info, error)
}

type Encoder interface {
	Run(ctx context.Context, args []string, h encoder.Handlers) (encoder.Result, error)
}

// Queue is the part of the scheduler the supervisor reports back to.
type Queue interface {
	Requeue(t *Task)
	Release(rel string)
}

// Result is the terminal state of one task.
type Result struct {
	Outcome    Outcome
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
	// Fatal means the local work area is unusable and the agent must stop.
	Fatal bool
}

// Supervisor takes one task at a time from dequeue to a terminal outcome.
type Supervisor struct {
	cfg       *config.Config
	queue     Queue
	locks     lock.Coordinator
	cropper   Cropper
	prober    MediaProber
	encoder   Encoder
	resources encoder.ResourceChecker
	status    *Publisher

	stage    StageOptions
	writable func(string) bool

	// blocked maps a batch config path to the mtime it had when it was
	// found missing or invalid. Only the encoding loop touches it.
	blocked map[string]time.Time
	// kept maps staged inputs left behind by a failed encode to their
	// mtime, so a rescan of the local root does not encode them again.
	kept map[string]time.Time
}

// Deps are the collaborators of a Supervisor. Cropper and Resources may be
// nil.
type Deps struct {
	Locks     lock.Coordinator
	Cropper   Cropper
	Prober    MediaProber
	Encoder   Encoder
	Resources encoder.ResourceChecker
}

func NewSupervisor(cfg *config.Config, queue Queue, status *Publisher, deps Deps) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		queue:     queue,
		locks:     deps.Locks,
		cropper:   deps.Cropper,
		prober:    deps.Prober,
		encoder:   deps.Encoder,
		resources: deps.Resources,
		status:    status,
		stage: StageOptions{
			Timeout: cfg.StageTimeout,
			Poll:    cfg.StagePoll,
			Settle:  cfg.StageSettle,
		},
		writable: exclusivelyWritable,
		blocked:  make(map[string]time.Time),
		kept:     make(map[string]time.Time),
	}
}

// Process runs t to completion. Canceling ctx kills a running encode and
// yields OutcomeCanceled.
func (s *Supervisor) Process(ctx context.Context, t *Task) (res Result) {
	res.StartedAt = time.Now()
	s.status.Update(func(st *AgentStatus) {
		st.CurrentTask = &CurrentTask{ID: t.ID, RelativePath: t.RelativePath}
		st.Comment = ""
	})
	defer func() {
		res.FinishedAt = time.Now()
		s.status.Reset()
		if res.Outcome != OutcomeRequeued {
			s.queue.Release(t.RelativePath)
		}
		metrics.TaskOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	}()

	logging.Info("Initializing job %s [%s]", t.RelativePath, t.ID)
	if _, err := os.Stat(t.SourcePath); err != nil {
		logging.Debug("Input file %s is missing. It may have been processed by another agent.", t.RelativePath)
		return abandoned(err)
	}

	if t.Local && s.keptAfterFailure(t.SourcePath) {
		logging.Debug("Skipping %s: it failed to encode before and was left in place", t.RelativePath)
		return abandoned(fmt.Errorf("%s already failed", t.RelativePath))
	}

	ecfg, extra, err := s.resolveConfig(t)
	if err != nil {
		return abandoned(err)
	}

	if _, err := os.Stat(t.OutputPath); err == nil {
		logging.Error("Output file already exists; please deal with this! %s", t.OutputPath)
		return abandoned(fmt.Errorf("%w: %s", errDestExists, t.OutputPath))
	}

	if !t.Local {
		if r := s.stageTask(ctx, t); r != nil {
			return *r
		}
	}

	return s.encode(ctx, t, ecfg, extra)
}

func abandoned(err error) Result {
	return Result{Outcome: OutcomeAbandoned, Err: err}
}

// resolveConfig loads the batch config and keeps a copy next to the staged
// files. A missing or invalid config blocks the batch until the file's mtime
// changes.
func (s *Supervisor) resolveConfig(t *Task) (*config.EncoderConfig, []string, error) {
	if t.BatchDir == "" {
		logging.Debug("File %s needs to be in a batch folder containing %s", t.RelativePath, config.EncoderConfigFile)
		return nil, nil, fmt.Errorf("%s is not in a batch folder", t.RelativePath)
	}

	path := t.ConfigPath()
	var mtime time.Time
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime()
	}
	if was, ok := s.blocked[path]; ok && was.Equal(mtime) {
		return nil, nil, fmt.Errorf("batch %s is blocked", t.BatchDir)
	}

	ecfg, raw, err := config.LoadEncoderConfig(path)
	var extra []string
	if err == nil {
		extra, err = encoder.ExtraArgs(ecfg.ExtraArgs)
		if err != nil {
			err = fmt.Errorf("invalid ExtraArgs in %s: %w", path, err)
		}
	}
	if err != nil {
		s.blocked[path] = mtime
		logging.Error("Batch %s is blocked until %s is fixed: %v", t.BatchDir, path, err)
		return nil, nil, err
	}
	delete(s.blocked, path)

	local := filepath.Join(s.cfg.LocalInDir(), t.BatchDir, config.EncoderConfigFile)
	if local != path {
		if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
			return nil, nil, err
		}
		if err := os.WriteFile(local, raw, 0644); err != nil {
			return nil, nil, err
		}
	}
	return ecfg, extra, nil
}

// stageTask claims the shared source and moves it into local staging. It
// returns nil once the file is staged.
func (s *Supervisor) stageTask(ctx context.Context, t *Task) *Result {
	logging.Info("Obtaining exclusive access to %s", t.RelativePath)
	claim, err := s.locks.TryClaim(ctx, t.SourcePath)
	if err == nil && claim.Status == lock.Claimed {
		defer claim.Release()
	}
	switch {
	case ctx.Err() != nil:
		return &Result{Outcome: OutcomeCanceled, Err: ctx.Err()}
	case err != nil:
		logging.Warn("Unable to lock %s: %v", t.RelativePath, err)
		r := abandoned(err)
		return &r
	case claim.Status == lock.AlreadyLocked:
		if claim.Record != nil {
			logging.Debug("Unable to lock %s because %s claimed it at %s", t.RelativePath, claim.Record.MachineName, claim.Record.Timestamp)
		}
		r := abandoned(nil)
		return &r
	case claim.Status != lock.Claimed:
		r := abandoned(fmt.Errorf("lock %s: %s", t.RelativePath, claim.Status))
		return &r
	}

	err = waitStageable(ctx, t.SourcePath, s.stage, s.writable)
	switch {
	case err == nil:
	case errors.Is(err, errVanished):
		logging.Debug("Input file %s is missing. It may have been processed by another agent.", t.RelativePath)
		r := abandoned(err)
		return &r
	case errors.Is(err, errStageTimeout):
		t.Attempts++
		if limit := s.cfg.MaxStageRetries; limit > 0 && t.Attempts >= limit {
			logging.Warn("Input file %s stayed busy after %d attempts; giving up until it is rediscovered", t.RelativePath, t.Attempts)
			r := abandoned(err)
			return &r
		}
		logging.Info("Input file %s is not writable within %s. Moving it to the back of the schedule.", t.RelativePath, s.stage.Timeout)
		s.queue.Requeue(t)
		return &Result{Outcome: OutcomeRequeued, Err: err}
	case ctx.Err() != nil:
		return &Result{Outcome: OutcomeCanceled, Err: err}
	default:
		r := abandoned(err)
		return &r
	}

	logging.Info("Moving %s to local staging", t.RelativePath)
	if err := moveFile(t.SourcePath, t.StagingPath); err != nil {
		logging.Warn("Could not stage %s: %v", t.RelativePath, err)
		s.queue.Requeue(t)
		return &Result{Outcome: OutcomeRequeued, Err: err}
	}
	return nil
}

func (s *Supervisor) encode(ctx context.Context, t *Task, ecfg *config.EncoderConfig, extra []string) Result {
	logging.Info("Preparing to encode %s", t.RelativePath)
	tempOut := filepath.Join(s.cfg.WorkDir, filepath.Base(t.OutputPath))
	if err := os.Remove(tempOut); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Result{Outcome: OutcomeAbandoned, Err: err, Fatal: true}
	}

	smartCrop := ""
	if encoder.IsSmartCrop(ecfg) && s.cropper != nil {
		s.status.Update(func(st *AgentStatus) { st.Comment = "Calculating smart crop" })
		started := time.Now()
		crop, err := s.cropper.Crop(ctx, t.StagingPath)
		metrics.CropDuration.Observe(time.Since(started).Seconds())
		switch {
		case ctx.Err() != nil:
			return Result{Outcome: OutcomeCanceled, Err: ctx.Err()}
		case err != nil:
			logging.Warn("Smart crop failed for %s, encoding without crop: %v", t.RelativePath, err)
		default:
			smartCrop = crop
		}
		s.status.Update(func(st *AgentStatus) { st.Comment = "" })
	}

	var media *mediainfo.Info
	if s.prober != nil {
		info, err := s.prober.Probe(ctx, t.StagingPath)
		switch {
		case err == nil:
			media = info
		case errors.Is(err, mediainfo.ErrUnavailable):
		default:
			logging.Warn("Could not read metadata of %s: %v", t.RelativePath, err)
		}
	}

	args := encoder.BuildArgs(encoder.Plan{
		Input:     t.StagingPath,
		Output:    tempOut,
		Config:    ecfg,
		Media:     media,
		SmartCrop: smartCrop,
		Extra:     extra,
	})

	if err := s.writeRecord(t, args, media); err != nil {
		logging.Error("Could not write processing record: %v", err)
		return Result{Outcome: OutcomeAbandoned, Err: err, Fatal: true}
	}

	if s.resources != nil {
		if err := encoder.WaitForResources(ctx, s.resources, s.cfg.StagePoll); err != nil {
			return Result{Outcome: OutcomeCanceled, Err: err}
		}
	}

	logging.Info("Beginning to encode %s\nArgs: %s", filepath.Base(t.StagingPath), displayArgs(args))
	s.status.Update(func(st *AgentStatus) { st.EncoderActive = true })
	started := time.Now()
	run, err := s.encoder.Run(ctx, args, encoder.Handlers{OnProgress: s.onProgress})
	metrics.EncodeDuration.Observe(time.Since(started).Seconds())
	s.status.Update(func(st *AgentStatus) { st.EncoderActive = false })

	if errors.Is(err, encoder.ErrCanceled) {
		logging.Info("Encode of %s was canceled", t.RelativePath)
		os.Remove(tempOut)
		return Result{Outcome: OutcomeCanceled, Err: err}
	}

	_, statErr := os.Stat(tempOut)
	if err == nil && statErr != nil {
		logging.Error("Expected output file %s does not exist! The encoder wrote %d lines to standard output and %d lines to standard error; see %s",
			tempOut, run.StdoutLines, run.StderrLines, s.cfg.StderrLogPath())
		err = fmt.Errorf("output missing: %w", statErr)
	}
	if err != nil {
		return s.fail(t, ecfg, tempOut, run, err)
	}

	logging.Info("Moving %s to %s", tempOut, t.OutputPath)
	if err := moveFile(tempOut, t.OutputPath); err != nil {
		logging.Error("Could not file output: %v", err)
		return Result{Outcome: OutcomeAbandoned, Err: err}
	}
	if !ecfg.KeepInputForDebuggingAfterward {
		logging.Info("Deleting %s", t.StagingPath)
		if err := os.Remove(t.StagingPath); err != nil {
			logging.Warn("Could not delete staged input: %v", err)
		}
	}
	logging.Info("Done with %s", t.RelativePath)
	return Result{Outcome: OutcomeSucceeded}
}

func (s *Supervisor) onProgress(p encoder.Progress) {
	s.status.Update(func(st *AgentStatus) {
		if !p.CommentOnly {
			st.Percent = p.Percent
			st.FPS = p.FPS
			st.AvgFPS = p.AvgFPS
			st.ETA = p.ETA
		}
		st.Comment = p.Comment
	})
}

// fail routes the staged input to the failure tree and leaves a note beside
// the expected output.
func (s *Supervisor) fail(t *Task, ecfg *config.EncoderConfig, tempOut string, run encoder.Result, cause error) Result {
	logging.Info("Encoder did not indicate successful completion for %s: %v", t.RelativePath, cause)
	os.Remove(tempOut)

	moved := false
	failurePath := freePath(t.FailurePath)
	if !ecfg.KeepInputForDebuggingAfterward {
		logging.Info("Moving %s to FAILED directory %s", t.StagingPath, failurePath)
		if err := moveFile(t.StagingPath, failurePath); err != nil {
			logging.Error("Could not move failed input: %v", err)
		} else {
			moved = true
		}
	}
	if !moved {
		if info, err := os.Stat(t.StagingPath); err == nil {
			s.kept[t.StagingPath] = info.ModTime()
		}
	}

	outName := filepath.Base(t.OutputPath)
	var note strings.Builder
	fmt.Fprintf(&note, "There is reason to believe the encoder has failed to encode %q at %s.\n", outName, time.Now().Format(time.RFC1123))
	fmt.Fprintf(&note, "Reason: %v\n", cause)
	if moved {
		fmt.Fprintf(&note, "Likely, the source file was damaged. It has been moved so you can inspect it: %q\n", failurePath)
	}
	note.WriteString("This is the encoder log for the failed encoding process.\n")
	note.WriteString(run.Stderr)

	notePath := filepath.Join(filepath.Dir(t.OutputPath), "ENCODER-LOG-"+outName+".txt")
	if err := appendFile(notePath, note.String()); err != nil {
		logging.Error("Could not write failure note %s: %v", notePath, err)
	}
	return Result{Outcome: OutcomeFailed, Err: cause}
}

func (s *Supervisor) keptAfterFailure(path string) bool {
	was, ok := s.kept[path]
	if !ok {
		return false
	}
	if info, err := os.Stat(path); err == nil && info.ModTime().Equal(was) {
		return true
	}
	delete(s.kept, path)
	return false
}

func (s *Supervisor) writeRecord(t *Task, args []string, media *mediainfo.Info) error {
	dir := s.cfg.RecordDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := filepath.Base(t.StagingPath)
	path := filepath.Join(dir, fmt.Sprintf("%s %d.info", name, time.Now().UnixMilli()))

	raw := "null"
	if media != nil {
		raw = media.Raw
	}
	text := fmt.Sprintf("%s\nEncoding began at [%s] with configuration %q using encoder args:\n%s\n\n\nMediaInfo:\n%s\n",
		name, time.Now().Format(time.DateTime), t.BatchDir, displayArgs(args), raw)
	return os.WriteFile(path, []byte(text), 0644)
}

func appendFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// displayArgs joins args for logs, quoting those with spaces.
func displayArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"") {
			a = fmt.Sprintf("%q", a)
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
