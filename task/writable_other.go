//go:build !unix

package task

import (
	"errors"
	"os"
)

// exclusivelyWritable reports whether path can be opened for writing. On
// Windows a writer holding the file open denies sharing, so the open fails.
func exclusivelyWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func crossDevice(err error) bool {
	var le *os.LinkError
	return errors.As(err, &le)
}
