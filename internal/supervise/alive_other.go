// ABOUTME: Process liveness probe for platforms without signal 0
// ABOUTME: Relies on os.FindProcess failing for processes that have exited

//go:build !unix

package supervise

import "os"

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
