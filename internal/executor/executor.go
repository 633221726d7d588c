package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Limits bounds one build's resource consumption. Zero values disable the
// corresponding bound.
type Limits struct {
	// MemoryBytes caps the child's address space (RLIMIT_AS).
	MemoryBytes uint64
	// CPUSeconds caps consumed CPU time (RLIMIT_CPU). The kernel kills the
	// process on breach.
	CPUSeconds uint64
	// Timeout caps total wall-clock duration.
	Timeout time.Duration
	// SilenceTimeout kills a build that produces no output for this long.
	SilenceTimeout time.Duration
}

// Result is the outcome of a successful build.
type Result struct {
	// OutputPath is the last non-empty stdout line — with
	// `nix build --no-link --print-out-paths`, the produced store path.
	OutputPath string
	// Log is the tail of the build's combined output.
	Log string
}

// BuildError is a transient build failure: the process exited non-zero on
// its own. Retryable up to the attempt cap.
type BuildError struct {
	Derivation string
	ExitCode   int
	Log        string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build of %s exited with code %d", e.Derivation, e.ExitCode)
}

// LimitError is a build killed by the isolation layer. The retry policy
// treats it exactly like a transient failure; the distinct type exists
// only so the persisted error text names the breached bound.
type LimitError struct {
	Derivation string
	Limit      string // "timeout", "silence", or "cpu"
	Log        string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("build of %s killed: %s limit exceeded", e.Derivation, e.Limit)
}

// logTail keeps the last chunk of build output and the time of the most
// recent write, for the silence watchdog.
const logTailBytes = 64 * 1024

type logTail struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	lastSeen time.Time
}

func (t *logTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = time.Now()
	t.buf.Write(p)
	if t.buf.Len() > logTailBytes {
		trimmed := t.buf.Bytes()[t.buf.Len()-logTailBytes:]
		var nb bytes.Buffer
		nb.Write(trimmed)
		t.buf = nb
	}
	return len(p), nil
}

func (t *logTail) last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

func (t *logTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Run executes argv for one derivation under the given limits.
//
// Stdout and stderr both feed the log tail; stdout additionally feeds the
// output-path capture. Blocks until the child exits; only the limits (or
// ctx cancellation) can terminate a build early — there is no cooperative
// cancellation inside a build.
func Run(ctx context.Context, derivationID string, argv []string, limits Limits) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("run %s: empty build command", derivationID)
	}

	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	tail := &logTail{lastSeen: time.Now()}
	var stdout bytes.Buffer

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = &teeWriter{a: &stdout, b: tail}
	cmd.Stderr = tail
	// Own process group: a limit breach kills the whole build tree, not
	// just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("run %s: start: %w", derivationID, err)
	}

	if err := applyRlimits(cmd.Process.Pid, limits); err != nil {
		killGroup(cmd.Process.Pid)
		cmd.Wait()
		return Result{}, fmt.Errorf("run %s: apply rlimits: %w", derivationID, err)
	}

	// Watchdog: kills the process group on total-timeout expiry or output
	// silence. Records which bound tripped so the error text names it.
	var (
		breachMu sync.Mutex
		breached string
	)
	setBreach := func(reason string) {
		breachMu.Lock()
		if breached == "" {
			breached = reason
		}
		breachMu.Unlock()
	}

	stop := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					setBreach("timeout")
				}
				killGroup(cmd.Process.Pid)
				return
			case <-ticker.C:
				if limits.SilenceTimeout > 0 && time.Since(tail.last()) > limits.SilenceTimeout {
					setBreach("silence")
					killGroup(cmd.Process.Pid)
					return
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	close(stop)
	<-watchdogDone
	breachMu.Lock()
	reason := breached
	breachMu.Unlock()

	if waitErr == nil {
		return Result{
			OutputPath: lastLine(stdout.String()),
			Log:        tail.String(),
		}, nil
	}

	if reason != "" {
		return Result{}, &LimitError{Derivation: derivationID, Limit: reason, Log: tail.String()}
	}
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("run %s: %w", derivationID, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGXCPU {
			return Result{}, &LimitError{Derivation: derivationID, Limit: "cpu", Log: tail.String()}
		}
		return Result{}, &BuildError{
			Derivation: derivationID,
			ExitCode:   exitErr.ExitCode(),
			Log:        tail.String(),
		}
	}

	return Result{}, fmt.Errorf("run %s: %w", derivationID, waitErr)
}

// killGroup kills a child's whole process group. Errors are ignored: the
// group may already be gone.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// teeWriter duplicates writes to two writers, ignoring errors from the
// secondary (the log tail never fails).
type teeWriter struct {
	a *bytes.Buffer
	b *logTail
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.a.Write(p)
	return w.b.Write(p)
}
