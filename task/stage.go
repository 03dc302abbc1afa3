package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	errVanished     = errors.New("source vanished")
	errStageTimeout = errors.New("source not writable in time")
	errDestExists   = errors.New("destination already exists")
)

// StageOptions bounds the wait for a source to become movable.
type StageOptions struct {
	Timeout time.Duration
	Poll    time.Duration
	// Settle is how long the source must be unmodified.
	Settle time.Duration
}

// waitStageable blocks until path is exclusively writable and has settled.
func waitStageable(ctx context.Context, path string, opts StageOptions, writable func(string) bool) error {
	deadline := time.Now().Add(opts.Timeout)
	for {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return errVanished
			}
			return err
		}
		if time.Since(info.ModTime()) >= opts.Settle && writable(path) {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errStageTimeout
		}
		wait := opts.Poll
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// moveFile renames src to dst, copying across devices. It refuses to
// replace an existing dst.
func moveFile(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%w: %s", errDestExists, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil || !crossDevice(err) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return os.Remove(src)
}

// freePath returns path, or the first "name (n).ext" beside it that does
// not exist yet.
func freePath(path string) string {
	if _, err := os.Stat(path); err != nil {
		return path
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if _, err := os.Stat(candidate); err != nil {
			return candidate
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
