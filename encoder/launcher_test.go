package encoder

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"encodeagent/ffmpeg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanCRLF(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("one\rtwo\r\nthree\n\n\rfour"))
	sc.Split(scanCRLF)
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)
}

func TestCapLines(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader(strings.Repeat("x", 25) + "\nend\n"))
	sc.Buffer(make([]byte, 0, 4), 10)
	sc.Split(capLines(bufio.ScanLines, 10))
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx", "end"}, got)
}

func TestNewLauncherMissingBinary(t *testing.T) {
	_, err := NewLauncher("definitely-not-an-encoder-binary", time.Second, "")
	assert.True(t, errors.Is(err, ffmpeg.ErrToolMissing))
}

// fakeEncoder writes a shell script that behaves like the encoder.
func fakeEncoder(t *testing.T, body string) *Launcher {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available")
	}
	path := filepath.Join(t.TempDir(), "encoder.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	l, err := NewLauncher(path, 2*time.Second, filepath.Join(t.TempDir(), "stderr.log"))
	require.NoError(t, err)
	return l
}

func TestLauncherRun(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		l := fakeEncoder(t, `printf 'Encoding: task 1 of 1, 50.00 %% (10.00 fps, avg 11.00 fps, ETA 00h01m00s)\r'
printf 'Encoding: task 1 of 1, 100.00 %% (10.00 fps, avg 11.00 fps, ETA 00h00m00s)\n'
echo "Encode done!" >&2
`)
		var percents []float64
		var stderr []string
		res, err := l.Run(context.Background(), nil, Handlers{
			OnProgress: func(p Progress) { percents = append(percents, p.Percent) },
			OnStderr:   func(line string) { stderr = append(stderr, line) },
		})
		require.NoError(t, err)
		assert.True(t, res.SentinelSeen)
		assert.Equal(t, 2, res.StdoutLines)
		assert.Equal(t, []float64{50, 100}, percents)
		assert.Equal(t, []string{Sentinel}, stderr)

		logged, err := os.ReadFile(l.StderrLog)
		require.NoError(t, err)
		assert.Contains(t, string(logged), "\t"+Sentinel)
	})

	t.Run("No sentinel", func(t *testing.T) {
		l := fakeEncoder(t, "echo 'x265 [error]: bad' >&2\nexit 3\n")
		res, err := l.Run(context.Background(), nil, Handlers{})
		assert.ErrorIs(t, err, ErrNoSentinel)
		assert.Equal(t, 3, res.ExitCode)
		assert.Contains(t, res.Stderr, "x265 [error]: bad")
	})

	t.Run("Exit zero without sentinel", func(t *testing.T) {
		l := fakeEncoder(t, "echo 'Encoding finished early' >&2\nexit 0\n")
		res, err := l.Run(context.Background(), nil, Handlers{})
		assert.ErrorIs(t, err, ErrNoSentinel)
		assert.Equal(t, 0, res.ExitCode)
		assert.False(t, res.SentinelSeen)
	})

	t.Run("Oversized stderr line", func(t *testing.T) {
		l := fakeEncoder(t, `head -c 2097152 /dev/zero | tr '\000' a >&2
echo >&2
echo "Encode done!" >&2
`)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := l.Run(ctx, nil, Handlers{})
		require.NoError(t, err)
		assert.True(t, res.SentinelSeen)
		assert.GreaterOrEqual(t, res.StderrLines, 3)
	})

	t.Run("Canceled", func(t *testing.T) {
		l := fakeEncoder(t, "exec sleep 30\n")
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(100*time.Millisecond, cancel)
		start := time.Now()
		_, err := l.Run(ctx, nil, Handlers{})
		assert.ErrorIs(t, err, ErrCanceled)
		assert.Less(t, time.Since(start), 10*time.Second)
	})
}
