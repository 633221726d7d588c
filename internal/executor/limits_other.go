//go:build !linux

package executor

// applyRlimits is a no-op off Linux: the timeout and silence watchdog
// still bound the build, but memory/CPU rlimits need prlimit.
func applyRlimits(pid int, limits Limits) error {
	return nil
}
