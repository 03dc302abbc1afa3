package task

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"encodeagent/config"

	"github.com/lithammer/shortuuid/v4"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeCanceled  Outcome = "canceled"
)

// Task is one discovered source file. RelativePath is its identity.
type Task struct {
	ID           string    `json:"id"`
	RelativePath string    `json:"relativePath"`
	Root         string    `json:"-"`
	Local        bool      `json:"local"`
	SourcePath   string    `json:"-"`
	StagingPath  string    `json:"-"`
	OutputPath   string    `json:"outputPath"`
	FailurePath  string    `json:"-"`
	BatchDir     string    `json:"batch"`
	Attempts     int       `json:"attempts,omitempty"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// Root is a directory scanned for sources. Local roots are already on this
// machine and need no locking or staging.
type Root struct {
	Dir   string
	Local bool
}

// Roots returns the local staging root followed by the shared storage root.
func Roots(cfg *config.Config) []Root {
	return []Root{
		{Dir: cfg.LocalInDir(), Local: true},
		{Dir: cfg.StorageInDir()},
	}
}

// NewTask builds a task for rel, a slash-separated path under root.
func NewTask(cfg *config.Config, root Root, rel string) *Task {
	rel = filepath.ToSlash(rel)
	outRel := strings.TrimSuffix(rel, path.Ext(rel)) + ".mkv"

	batch := ""
	if i := strings.IndexByte(rel, '/'); i > 0 {
		batch = rel[:i]
	}

	return &Task{
		ID:           shortuuid.New(),
		RelativePath: rel,
		Root:         root.Dir,
		Local:        root.Local,
		SourcePath:   filepath.Join(root.Dir, filepath.FromSlash(rel)),
		StagingPath:  filepath.Join(cfg.LocalInDir(), filepath.FromSlash(rel)),
		OutputPath:   filepath.Join(cfg.OutDir(), filepath.FromSlash(outRel)),
		FailurePath:  filepath.Join(cfg.FailDir(), filepath.FromSlash(rel)),
		BatchDir:     batch,
		DiscoveredAt: time.Now(),
	}
}

// ConfigPath is the encoder.txt that governs the task's batch.
func (t *Task) ConfigPath() string {
	return filepath.Join(t.Root, t.BatchDir, config.EncoderConfigFile)
}
