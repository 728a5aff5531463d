// ABOUTME: Liveness check for the process that supervises thoth
// ABOUTME: Resolves the parent PID and reports when it disappears

package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"
)

// EnvParentPID names the environment variable carrying the supervisor's PID.
const EnvParentPID = "THOTH_PARENT_PID"

// DefaultPollInterval is used by Watch when given a non-positive interval.
const DefaultPollInterval = 5 * time.Second

// ResolvePID returns the supervising parent's PID: the flag value when set,
// then THOTH_PARENT_PID, then the config value. Zero means unsupervised.
func ResolvePID(flagValue, configValue int) (int, error) {
	if flagValue > 0 {
		return flagValue, nil
	}
	if env := os.Getenv(EnvParentPID); env != "" {
		pid, err := strconv.Atoi(env)
		if err != nil || pid < 0 {
			return 0, fmt.Errorf("parsing %s %q: invalid pid", EnvParentPID, env)
		}
		return pid, nil
	}
	if configValue < 0 {
		return 0, fmt.Errorf("invalid parent pid %d", configValue)
	}
	return configValue, nil
}

// Parent reports whether the supervising process is still running.
type Parent struct {
	pid    int
	alive  func(pid int) bool
	logger *slog.Logger

	mu   sync.Mutex
	lost bool
}

// NewParent watches pid. A pid of zero disables the check.
func NewParent(pid int) *Parent {
	return &Parent{
		pid:    pid,
		alive:  processAlive,
		logger: slog.Default().With("component", "supervise"),
	}
}

// PID returns the watched process id.
func (p *Parent) PID() int {
	return p.pid
}

// Alive reports whether the parent is still running. Once the parent is
// seen gone, Alive keeps returning false even if the pid is reused.
func (p *Parent) Alive() bool {
	if p == nil || p.pid <= 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lost {
		return false
	}
	if !p.alive(p.pid) {
		p.lost = true
		p.logger.Warn("supervising parent is gone", "pid", p.pid)
	}
	return !p.lost
}

// Watch polls the parent every interval and closes the returned channel
// when it disappears. The channel never closes for an unsupervised process
// or once ctx is done. A non-positive interval means DefaultPollInterval.
func (p *Parent) Watch(ctx context.Context, interval time.Duration) <-chan struct{} {
	gone := make(chan struct{})
	if p == nil || p.pid <= 0 {
		return gone
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !p.Alive() {
					close(gone)
					return
				}
			}
		}
	}()
	return gone
}
