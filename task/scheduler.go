package task

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"encodeagent/logging"
	"encodeagent/metrics"
)

// Extensions lists the source file types picked up by a scan.
var Extensions = []string{".ts", ".m2ts", ".mkv", ".mp4", ".avi"}

// ScanOptions controls how often roots are rescanned.
type ScanOptions struct {
	Min          time.Duration
	Max          time.Duration
	PerFile      time.Duration
	ErrorBackoff time.Duration
}

// SleepFor is the pause after a scan that matched the given number of files.
func (o ScanOptions) SleepFor(files int) time.Duration {
	d := time.Duration(files) * o.PerFile
	if d < o.Min {
		d = o.Min
	}
	if d > o.Max {
		d = o.Max
	}
	return d
}

// Scheduler discovers sources and keeps the queue of tasks waiting for the
// encoding loop. A relative path is queued or in flight at most once.
type Scheduler struct {
	roots   []Root
	opts    ScanOptions
	newTask func(Root, string) *Task

	mu    sync.Mutex
	queue []*Task
	known map[string]struct{}

	nudge chan struct{}
}

func NewScheduler(roots []Root, opts ScanOptions, newTask func(Root, string) *Task) *Scheduler {
	return &Scheduler{
		roots:   roots,
		opts:    opts,
		newTask: newTask,
		known:   make(map[string]struct{}),
		nudge:   make(chan struct{}, 1),
	}
}

type found struct {
	rel     string
	modTime time.Time
}

// Scan walks every root and enqueues unknown sources, oldest first. It
// returns the number of matching files, known or not.
func (s *Scheduler) Scan() (int, error) {
	total := 0
	for _, root := range s.roots {
		files, err := scanRoot(root.Dir)
		if err != nil {
			return total, err
		}
		total += len(files)

		s.mu.Lock()
		for _, f := range files {
			if _, ok := s.known[f.rel]; ok {
				continue
			}
			t := s.newTask(root, f.rel)
			s.queue = append(s.queue, t)
			s.known[f.rel] = struct{}{}
			logging.Debug("Scheduled %s [%s]", f.rel, t.ID)
		}
		metrics.QueuedTasks.Set(float64(len(s.queue)))
		s.mu.Unlock()
	}
	return total, nil
}

func scanRoot(dir string) ([]found, error) {
	var files []found
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			if p != dir {
				// A file or subdirectory vanished mid-walk.
				return nil
			}
			return err
		}
		if d.IsDir() || !hasSourceExtension(p) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, found{rel: filepath.ToSlash(rel), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].rel < files[j].rel
	})
	return files, nil
}

func hasSourceExtension(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Next pops the head of the queue, or returns nil.
func (s *Scheduler) Next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	metrics.QueuedTasks.Set(float64(len(s.queue)))
	return t
}

// Requeue puts an in-flight task at the tail. It stays known.
func (s *Scheduler) Requeue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, t)
	s.known[t.RelativePath] = struct{}{}
	metrics.QueuedTasks.Set(float64(len(s.queue)))
}

// Release forgets rel so a later scan may discover it again.
func (s *Scheduler) Release(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.known, rel)
}

// Queued returns copies of the waiting tasks in order.
func (s *Scheduler) Queued() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.queue))
	for i, t := range s.queue {
		out[i] = *t
	}
	return out
}

// Nudge cuts the current pause between scans short.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run scans until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		files, err := s.Scan()
		wait := s.opts.SleepFor(files)
		if err != nil {
			metrics.ScansTotal.WithLabelValues("error").Inc()
			logging.Error("Scan failed, pausing scheduler for %s: %v", s.opts.ErrorBackoff, err)
			wait = s.opts.ErrorBackoff
		} else {
			metrics.ScansTotal.WithLabelValues("success").Inc()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logging.Info("Scheduling loop is now exiting")
			return
		case <-s.nudge:
			timer.Stop()
		case <-timer.C:
		}
	}
}
