// Package lock implements a best-effort mutex between agents that share a
// storage folder. A claim is a small JSON file next to the claimed file.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"encodeagent/logging"

	"github.com/google/uuid"
)

// Suffix is appended to a path to form its lock file.
const Suffix = ".lock"

type Status int

const (
	Failed Status = iota
	Claimed
	AlreadyLocked
)

func (s Status) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case AlreadyLocked:
		return "already locked"
	default:
		return "failed"
	}
}

// Record is the content of a lock file.
type Record struct {
	MachineName string
	Owner       string `json:",omitempty"`
	Timestamp   string
}

// Valid reports whether the record names a machine and a time.
func (r *Record) Valid() bool {
	return r != nil && r.MachineName != "" && r.Timestamp != ""
}

// Coordinator grants exclusive claims on files.
type Coordinator interface {
	TryClaim(ctx context.Context, path string) (*Claim, error)
}

// Claim is the outcome of one TryClaim. Release must be called once the
// claimed file has been moved away; it is a no-op unless Status is Claimed.
type Claim struct {
	Status Status
	// Record is ours when Claimed and the holder's when AlreadyLocked.
	Record  *Record
	release func() error
}

func (c *Claim) Release() error {
	if c == nil || c.release == nil {
		return nil
	}
	err := c.release()
	c.release = nil
	return err
}

// FileCoordinator claims a file by writing path+Suffix, waiting Grace for
// racing writers to surface and reading the record back.
type FileCoordinator struct {
	Machine string
	Owner   string
	Grace   time.Duration
	// StaleAfter lets a record older than this be taken over. Zero means
	// records never go stale.
	StaleAfter time.Duration

	now func() time.Time
}

func NewFileCoordinator(grace, staleAfter time.Duration) (*FileCoordinator, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}
	return &FileCoordinator{
		Machine:    host,
		Owner:      uuid.NewString(),
		Grace:      grace,
		StaleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

func (c *FileCoordinator) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

func (c *FileCoordinator) newRecord() *Record {
	return &Record{
		MachineName: c.Machine,
		Owner:       c.Owner,
		Timestamp:   c.clock().Format(time.RFC3339),
	}
}

func (c *FileCoordinator) owns(r *Record) bool {
	return r.Valid() && r.MachineName == c.Machine && r.Owner == c.Owner
}

func (c *FileCoordinator) stale(r *Record) bool {
	if c.StaleAfter <= 0 {
		return false
	}
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return false
	}
	return c.clock().Sub(ts) > c.StaleAfter
}

// TryClaim attempts to claim path. The error is non-nil only when Status
// is Failed.
func (c *FileCoordinator) TryClaim(ctx context.Context, path string) (*Claim, error) {
	lockPath := path + Suffix
	mine := c.newRecord()
	data, err := json.MarshalIndent(mine, "", "  ")
	if err != nil {
		return &Claim{Status: Failed}, err
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	switch {
	case err == nil:
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			c.removeIfOwned(lockPath)
			return &Claim{Status: Failed}, fmt.Errorf("write lock %s: %w", lockPath, errors.Join(werr, cerr))
		}
	case errors.Is(err, fs.ErrExist):
		held, rerr := readRecord(lockPath)
		if rerr == nil && !c.stale(held) {
			return &Claim{Status: AlreadyLocked, Record: held}, nil
		}
		if rerr == nil {
			logging.Info("Taking over stale lock on %s held by %s since %s", path, held.MachineName, held.Timestamp)
		}
		if err := writeAtomic(lockPath, data); err != nil {
			return &Claim{Status: Failed}, fmt.Errorf("replace lock %s: %w", lockPath, err)
		}
	default:
		return &Claim{Status: Failed}, fmt.Errorf("create lock %s: %w", lockPath, err)
	}

	timer := time.NewTimer(c.Grace)
	select {
	case <-ctx.Done():
		timer.Stop()
		c.removeIfOwned(lockPath)
		return &Claim{Status: Failed}, ctx.Err()
	case <-timer.C:
	}

	got, err := readRecord(lockPath)
	if err != nil {
		return &Claim{Status: Failed}, fmt.Errorf("confirm lock %s: %w", lockPath, err)
	}
	if !c.owns(got) {
		logging.Debug("Lost the race for %s to %s", path, got.MachineName)
		return &Claim{Status: AlreadyLocked, Record: got}, nil
	}
	return &Claim{
		Status: Claimed,
		Record: got,
		release: func() error {
			return c.removeIfOwned(lockPath)
		},
	}, nil
}

// removeIfOwned deletes lockPath only while it still holds our record.
func (c *FileCoordinator) removeIfOwned(lockPath string) error {
	r, err := readRecord(lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if !c.owns(r) {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

var errInvalidRecord = errors.New("invalid lock record")

func readRecord(lockPath string) (*Record, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	if !r.Valid() {
		return nil, errInvalidRecord
	}
	return &r, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
