// Package encoder launches and supervises the external video encoder and
// translates batch settings into its arguments.
package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"encodeagent/ffmpeg"
	"encodeagent/logging"
)

// Sentinel is the standard error line that confirms a clean encode.
const Sentinel = "Encode done!"

var (
	// ErrNoSentinel means the encoder exited without confirming success.
	ErrNoSentinel = errors.New("encoder did not report success")
	// ErrCanceled means the encode was stopped by the caller.
	ErrCanceled = errors.New("encode canceled")
)

// Handlers receive encoder output as it arrives. Both run on reader
// goroutines and must not block for long.
type Handlers struct {
	OnProgress func(Progress)
	OnStderr   func(line string)
}

type Result struct {
	ExitCode     int
	SentinelSeen bool
	Stderr       string
	StdoutLines  int
	StderrLines  int
}

type Launcher struct {
	bin string
	// ReaderGrace bounds the wait for output readers after the process
	// exits.
	ReaderGrace time.Duration
	// StderrLog, if set, receives every standard error line with a
	// timestamp.
	StderrLog string
}

func NewLauncher(bin string, readerGrace time.Duration, stderrLog string) (*Launcher, error) {
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: encoder binary %q: %v", ffmpeg.ErrToolMissing, bin, err)
	}
	return &Launcher{bin: path, ReaderGrace: readerGrace, StderrLog: stderrLog}, nil
}

// Run executes the encoder at below-normal priority and blocks until it
// exits. Canceling ctx kills the process and yields ErrCanceled. A process
// that exits without printing Sentinel yields ErrNoSentinel.
func (l *Launcher) Run(ctx context.Context, args []string, h Handlers) (Result, error) {
	var res Result

	outR, outW, err := os.Pipe()
	if err != nil {
		return res, err
	}
	defer outR.Close()
	errR, errW, err := os.Pipe()
	if err != nil {
		outW.Close()
		return res, err
	}
	defer errR.Close()

	cmd := exec.CommandContext(ctx, l.bin, args...)
	cmd.Stdout = outW
	cmd.Stderr = errW

	logging.Debug("Executing: %s %s", l.bin, strings.Join(args, " "))
	err = cmd.Start()
	outW.Close()
	errW.Close()
	if err != nil {
		return res, fmt.Errorf("start encoder: %w", err)
	}
	if err := setBelowNormalPriority(cmd.Process.Pid); err != nil {
		logging.Warn("Could not lower encoder priority: %v", err)
	}

	var stderrLog io.Writer = io.Discard
	if l.StderrLog != "" {
		f, err := os.OpenFile(l.StderrLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			logging.Warn("Could not open %s: %v", l.StderrLog, err)
		} else {
			defer f.Close()
			stderrLog = f
		}
	}

	var stderrText strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc := newLineScanner(outR, scanCRLF)
		defer drain(outR, sc)
		for sc.Scan() {
			res.StdoutLines++
			if h.OnProgress == nil {
				continue
			}
			if p, ok := ParseProgress(sc.Text()); ok {
				h.OnProgress(p)
			}
		}
	}()
	go func() {
		defer wg.Done()
		sc := newLineScanner(errR, bufio.ScanLines)
		defer drain(errR, sc)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r")
			res.StderrLines++
			if line == Sentinel {
				res.SentinelSeen = true
			}
			stderrText.WriteString(line)
			stderrText.WriteByte('\n')
			fmt.Fprintf(stderrLog, "%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), line)
			if h.OnStderr != nil {
				h.OnStderr(line)
			}
		}
	}()

	waitErr := cmd.Wait()

	readers := make(chan struct{})
	go func() {
		wg.Wait()
		close(readers)
	}()
	select {
	case <-readers:
	case <-time.After(l.ReaderGrace):
		logging.Warn("Encoder output readers did not finish within %s", l.ReaderGrace)
		outR.Close()
		errR.Close()
		<-readers
	}

	res.Stderr = stderrText.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return res, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}
	if !res.SentinelSeen {
		if waitErr != nil {
			return res, fmt.Errorf("%w: %v", ErrNoSentinel, waitErr)
		}
		return res, fmt.Errorf("%w (exit code %d)", ErrNoSentinel, res.ExitCode)
	}
	return res, nil
}

// maxLine caps a single output line. Longer lines are delivered in pieces.
const maxLine = 1024 * 1024

func newLineScanner(r io.Reader, split bufio.SplitFunc) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	sc.Split(capLines(split, maxLine))
	return sc
}

// capLines wraps split so that a line filling the whole buffer is emitted
// as a token instead of failing with bufio.ErrTooLong.
func capLines(split bufio.SplitFunc, limit int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := split(data, atEOF)
		if err == nil && advance == 0 && token == nil && len(data) >= limit {
			return limit, data[:limit], nil
		}
		return advance, token, err
	}
}

// drain keeps reading r after the scanner gave up, so the encoder never
// blocks on a full pipe.
func drain(r io.Reader, sc *bufio.Scanner) {
	if err := sc.Err(); err != nil {
		logging.Warn("Encoder output unreadable, discarding the rest: %v", err)
		io.Copy(io.Discard, r)
	}
}

// scanCRLF splits on either '\r' or '\n'. Progress lines are rewritten in
// place with carriage returns. Empty tokens are skipped.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}
