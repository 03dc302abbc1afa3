package task

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"encodeagent/config"
	"encodeagent/history"
	"encodeagent/logging"
)

var (
	ErrAlreadyActive = errors.New("agent is already active")
	ErrStillActive   = errors.New("agent is still active")
)

// HistoryStore persists finished tasks.
type HistoryStore interface {
	Add(ctx context.Context, e history.Entry) error
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Agent runs the scheduling and encoding loops and exposes their controls.
type Agent struct {
	cfg     *config.Config
	deps    Deps
	history HistoryStore
	status  *Publisher

	mu           sync.Mutex
	baseCtx      context.Context
	cancel       context.CancelFunc
	abortCurrent context.CancelFunc
	sched        *Scheduler
	recent       []history.Entry
	wg           sync.WaitGroup

	idle time.Duration
}

// NewAgent wires an agent. hist may be nil.
func NewAgent(cfg *config.Config, deps Deps, hist HistoryStore, status *Publisher) *Agent {
	return &Agent{
		cfg:     cfg,
		deps:    deps,
		history: hist,
		status:  status,
		idle:    time.Second,
	}
}

// Start launches both loops under ctx.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return ErrAlreadyActive
	}

	for _, dir := range []string{a.cfg.LocalInDir(), a.cfg.RecordDir()} {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}

	a.baseCtx = ctx
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.sched = NewScheduler(Roots(a.cfg), ScanOptions{
		Min:          a.cfg.ScanMin,
		Max:          a.cfg.ScanMax,
		PerFile:      a.cfg.ScanPerFile,
		ErrorBackoff: a.cfg.ScanErrorBackoff,
	}, func(root Root, rel string) *Task { return NewTask(a.cfg, root, rel) })
	sup := NewSupervisor(a.cfg, a.sched, a.status, a.deps)
	a.loadRecent(ctx)

	a.status.Update(func(st *AgentStatus) {
		st.AgentActive = true
		st.Error = ""
	})

	a.wg.Add(2)
	go func(s *Scheduler) {
		defer a.wg.Done()
		s.Run(runCtx)
	}(a.sched)
	go func(s *Scheduler) {
		defer a.wg.Done()
		a.encodeLoop(runCtx, s, sup)
	}(a.sched)
	if a.cfg.WatchEvents {
		a.wg.Add(1)
		go func(s *Scheduler) {
			defer a.wg.Done()
			if err := Watch(runCtx, s, 2*time.Second); err != nil {
				logging.Warn("File watching disabled: %v", err)
			}
		}(a.sched)
	}
	logging.Info("Agent started")
	return nil
}

func (a *Agent) loadRecent(ctx context.Context) {
	a.recent = nil
	if a.history == nil {
		return
	}
	recent, err := a.history.Recent(ctx, a.cfg.RecentLimit)
	if err != nil {
		logging.Warn("Could not load task history: %v", err)
		return
	}
	a.recent = recent
}

// Shutdown stops both loops, killing any running encode, and waits for
// them to exit.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	logging.Info("Agent shutting down")
	cancel()
	a.wg.Wait()

	a.mu.Lock()
	a.cancel = nil
	a.mu.Unlock()
}

// Restart starts a stopped agent again with a fresh queue.
func (a *Agent) Restart() error {
	if a.status.Snapshot().AgentActive {
		return ErrStillActive
	}
	a.mu.Lock()
	ctx := a.baseCtx
	a.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	a.Shutdown()
	return a.Start(ctx)
}

func (a *Agent) Pause() {
	logging.Info("Received command \"Pause\"")
	a.status.Update(func(st *AgentStatus) { st.Paused = true })
}

func (a *Agent) Unpause() {
	logging.Info("Received command \"Unpause\"")
	a.status.Update(func(st *AgentStatus) { st.Paused = false })
}

// AbortCurrent kills the task in flight and pauses the agent. It reports
// false when nothing was running.
func (a *Agent) AbortCurrent() bool {
	a.mu.Lock()
	abort := a.abortCurrent
	a.mu.Unlock()
	if abort == nil || a.status.Snapshot().CurrentTask == nil {
		logging.Info("Received command \"Abort\", but no task is running")
		return false
	}
	logging.Info("Received command \"Abort\"")
	a.status.Update(func(st *AgentStatus) { st.Paused = true })
	abort()
	return true
}

func (a *Agent) Status() AgentStatus {
	return a.status.Snapshot()
}

// Queued lists the tasks waiting to be processed.
func (a *Agent) Queued() []Task {
	a.mu.Lock()
	sched := a.sched
	a.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Queued()
}

// RecentlyFinished lists finished tasks, newest first.
func (a *Agent) RecentlyFinished() []history.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]history.Entry(nil), a.recent...)
}

func (a *Agent) encodeLoop(ctx context.Context, sched *Scheduler, sup *Supervisor) {
	defer func() {
		a.status.Update(func(st *AgentStatus) { st.AgentActive = false })
		logging.Info("Encoding loop is now exiting")
	}()

	for ctx.Err() == nil {
		if a.status.Snapshot().Paused {
			sleepCtx(ctx, 250*time.Millisecond)
			continue
		}
		t := sched.Next()
		if t == nil {
			sleepCtx(ctx, a.idle)
			continue
		}

		taskCtx, abort := context.WithCancel(ctx)
		a.mu.Lock()
		a.abortCurrent = abort
		a.mu.Unlock()

		res := sup.Process(taskCtx, t)

		a.mu.Lock()
		a.abortCurrent = nil
		a.mu.Unlock()
		abort()

		a.record(t, res)
		if res.Fatal {
			logging.Error("Agent stopping: %v", res.Err)
			a.status.Update(func(st *AgentStatus) { st.Error = res.Err.Error() })
			a.mu.Lock()
			cancel := a.cancel
			a.mu.Unlock()
			cancel()
			return
		}
	}
}

// record keeps succeeded, failed and canceled tasks in the recent list.
func (a *Agent) record(t *Task, res Result) {
	switch res.Outcome {
	case OutcomeSucceeded, OutcomeFailed, OutcomeCanceled:
	default:
		return
	}
	e := history.Entry{
		ID:           t.ID,
		RelativePath: t.RelativePath,
		Outcome:      string(res.Outcome),
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}
	if res.Outcome == OutcomeSucceeded {
		e.OutputPath = t.OutputPath
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}

	a.mu.Lock()
	a.recent = append([]history.Entry{e}, a.recent...)
	if limit := a.cfg.RecentLimit; limit > 0 && len(a.recent) > limit {
		a.recent = a.recent[:limit]
	}
	a.mu.Unlock()

	if a.history != nil {
		// The run context may already be canceled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.history.Add(ctx, e); err != nil {
			logging.Warn("Could not record task history: %v", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
