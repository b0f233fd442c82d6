//go:build windows

package backend

import (
	"log/slog"

	"golang.org/x/sys/windows"
)

// applyResourceLimits applies the optional CPU affinity mask and below-normal
// priority class to a freshly spawned backend process. Both are best-effort:
// a failure here never fails the spawn.
func applyResourceLimits(pid int, cpuAffinity uint64, lowPriority bool, logger *slog.Logger) {
	if cpuAffinity == 0 && !lowPriority {
		return
	}

	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION|windows.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		logger.Warn("failed to open process for resource limits", "pid", pid, "error", err)
		return
	}
	defer windows.CloseHandle(handle)

	if cpuAffinity != 0 {
		if err := windows.SetProcessAffinityMask(handle, uintptr(cpuAffinity)); err != nil {
			logger.Warn("failed to set cpu affinity", "pid", pid, "error", err)
		}
	}
	if lowPriority {
		if err := windows.SetPriorityClass(handle, windows.BELOW_NORMAL_PRIORITY_CLASS); err != nil {
			logger.Warn("failed to set priority class", "pid", pid, "error", err)
		}
	}
}
