//go:build unix

package encoder

import "golang.org/x/sys/unix"

// belowNormalNice matches the scheduling weight of a below-normal priority
// class on Windows.
const belowNormalNice = 10

func setBelowNormalPriority(pid int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, belowNormalNice)
}
