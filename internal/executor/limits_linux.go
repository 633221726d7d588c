//go:build linux

package executor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyRlimits sets hard resource limits directly on the build child.
// prlimit acts on an already-started pid, so there is no window where the
// limits apply to this worker process itself.
func applyRlimits(pid int, limits Limits) error {
	if limits.MemoryBytes > 0 {
		lim := unix.Rlimit{Cur: limits.MemoryBytes, Max: limits.MemoryBytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return fmt.Errorf("set RLIMIT_AS: %w", err)
		}
	}
	if limits.CPUSeconds > 0 {
		lim := unix.Rlimit{Cur: limits.CPUSeconds, Max: limits.CPUSeconds}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return fmt.Errorf("set RLIMIT_CPU: %w", err)
		}
	}
	return nil
}
