//go:build !windows

package procsup

import (
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
)

// unixSupervisor tracks child PIDs in a mutex-protected set and, on Close,
// sends SIGTERM to every tracked PID, waits 100ms, then sends SIGKILL to
// whatever remains. A process that has already exited (ESRCH) is silently
// ignored at every step.
type unixSupervisor struct {
	mu       sync.Mutex
	children map[int]struct{}
	logger   *slog.Logger
}

// New constructs the platform process supervisor.
func New(logger *slog.Logger) Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &unixSupervisor{
		children: make(map[int]struct{}),
		logger:   logger.With("component", "supervisor"),
	}
}

func (s *unixSupervisor) Register(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[pid] = struct{}{}
	s.logger.Debug("process registered", "pid", pid)
	return nil
}

func (s *unixSupervisor) Unregister(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, pid)
}

func (s *unixSupervisor) Close() error {
	s.mu.Lock()
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	var result *multierror.Error

	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			s.logger.Warn("failed to send SIGTERM", "pid", pid, "error", err)
			result = multierror.Append(result, err)
		}
	}

	time.Sleep(100 * time.Millisecond)

	for _, pid := range pids {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			s.logger.Warn("failed to send SIGKILL", "pid", pid, "error", err)
			result = multierror.Append(result, err)
		}
	}

	s.mu.Lock()
	s.children = make(map[int]struct{})
	s.mu.Unlock()

	return result.ErrorOrNil()
}
