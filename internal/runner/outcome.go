// ABOUTME: Cycle outcome statuses and the per-cycle summary
// ABOUTME: Statuses map onto the process exit contract

package runner

import (
	"fmt"
	"time"
)

// Status tells the caller what to do after a cycle.
type Status string

const (
	// StatusContinue means run another cycle after the loop delay.
	StatusContinue Status = "continue"
	// StatusDone means a single-pass run finished or the run was interrupted.
	StatusDone Status = "done"
	// StatusBrowserClosed means the user closed the browser window. Do not restart.
	StatusBrowserClosed Status = "browser_closed"
	// StatusSupervisorLost means the supervising parent exited. Do not restart.
	StatusSupervisorLost Status = "supervisor_lost"
)

// ExitCode returns the process exit status for s.
func (s Status) ExitCode() int {
	switch s {
	case StatusBrowserClosed:
		return 3
	case StatusSupervisorLost:
		return 4
	default:
		return 0
	}
}

// Summary counts what a cycle did.
type Summary struct {
	CycleID         string
	Inserted        int
	Edited          int
	Unchanged       int
	Duplicates      int // skipped by the dedupe cache
	Reactions       int
	Conflicts       int
	Errors          int
	ChannelsTouched int
	ModeChanges     int
	ThreadsResolved int
	LoginPending    []string
	Duration        time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("inserted=%d edited=%d unchanged=%d duplicates=%d reactions=%d conflicts=%d errors=%d channels=%d mode_changes=%d login_pending=%d",
		s.Inserted, s.Edited, s.Unchanged, s.Duplicates, s.Reactions, s.Conflicts, s.Errors,
		s.ChannelsTouched, s.ModeChanges, len(s.LoginPending))
}

// Outcome is the result of one cycle.
type Outcome struct {
	Status  Status
	Summary Summary
	// Err is set when the cycle ended early: the fatal error for
	// browser_closed and supervisor_lost, ctx.Err() for an interrupt.
	Err error
}
