// ABOUTME: Unix process liveness probe using signal 0
// ABOUTME: EPERM still means the process exists

//go:build unix

package supervise

import (
	"errors"

	"golang.org/x/sys/unix"
)

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
