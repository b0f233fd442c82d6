//go:build !windows

package backend

import "log/slog"

// applyResourceLimits does nothing on Unix beyond a debug log when a CPU
// affinity mask was requested: CPU affinity and priority class are
// Windows-specific knobs; Unix backends inherit normal scheduling.
func applyResourceLimits(pid int, cpuAffinity uint64, lowPriority bool, logger *slog.Logger) {
	if cpuAffinity != 0 {
		logger.Debug("CPU affinity requested but unsupported on this platform", "pid", pid, "mask", cpuAffinity)
	}
}
