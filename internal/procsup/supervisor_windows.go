//go:build windows

package procsup

import (
	"log/slog"
	"unsafe"

	"golang.org/x/sys/windows"
)

// windowsSupervisor wraps a Windows Job Object created with the
// kill-on-job-close limit. Any process assigned to it is terminated the
// moment the job handle is closed, regardless of how the proxy itself exits.
type windowsSupervisor struct {
	job    windows.Handle
	logger *slog.Logger
}

// New constructs the platform process supervisor.
func New(logger *slog.Logger) Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "supervisor")

	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		logger.Warn("failed to create job object, process cleanup may not work correctly", "error", err)
		return &windowsSupervisor{logger: logger}
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		logger.Warn("failed to set job object limit information, process cleanup may not work correctly", "error", err)
	}

	return &windowsSupervisor{job: job, logger: logger}
}

func (s *windowsSupervisor) Register(pid int) error {
	if s.job == 0 {
		return nil
	}

	handle, err := windows.OpenProcess(windows.PROCESS_TERMINATE|windows.PROCESS_SET_QUOTA, false, uint32(pid))
	if err != nil {
		s.logger.Warn("failed to open process for job assignment", "pid", pid, "error", err)
		return nil
	}
	defer windows.CloseHandle(handle)

	if err := windows.AssignProcessToJobObject(s.job, handle); err != nil {
		s.logger.Warn("failed to assign process to job object (may already be in a job)", "pid", pid, "error", err)
	}
	return nil
}

func (s *windowsSupervisor) Unregister(pid int) {
	// The job object has no per-process unregister; a process that exits on
	// its own simply stops counting against the job. Nothing to do here.
}

func (s *windowsSupervisor) Close() error {
	if s.job == 0 {
		return nil
	}
	return windows.CloseHandle(s.job)
}
