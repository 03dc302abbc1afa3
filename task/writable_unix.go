//go:build unix

package task

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// exclusivelyWritable reports whether path can be opened for writing and
// nobody else holds a lock on it.
func exclusivelyWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	unix.Flock(fd, unix.LOCK_UN)
	return true
}

func crossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
