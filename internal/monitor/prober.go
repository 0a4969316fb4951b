package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrProbeFailed means the process state could not be determined. The
// monitor never transitions a task on a failed probe.
var ErrProbeFailed = errors.New("monitor probe failed")

// Snapshot is what one probe learned about a process.
type Snapshot struct {
	Alive bool
	// Sleeping is true for interruptible sleep ("S" in /proc/<pid>/stat).
	Sleeping bool
	// StdinTTY is true when fd 0 points at a terminal device.
	StdinTTY bool
	// CPUTime is user plus system time consumed so far.
	CPUTime time.Duration
}

// Prober inspects a process by pid. Implementations must honour ctx.
type Prober interface {
	Probe(ctx context.Context, pid int) (Snapshot, error)
}

// ProcessProber reads process state through gopsutil.
type ProcessProber struct{}

func NewProcessProber() ProcessProber { return ProcessProber{} }

func (ProcessProber) Probe(ctx context.Context, pid int) (Snapshot, error) {
	if pid <= 0 {
		return Snapshot{}, fmt.Errorf("%w: invalid pid %d", ErrProbeFailed, pid)
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return Snapshot{}, probeError("pid_exists", err)
	}
	if !exists {
		return Snapshot{Alive: false}, nil
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return Snapshot{Alive: false}, nil
		}
		return Snapshot{}, probeError("open", err)
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return Snapshot{}, probeError("status", err)
	}
	snap := Snapshot{Alive: true}
	for _, st := range statuses {
		switch st {
		case process.Zombie:
			// Exited but not yet reaped by its parent.
			return Snapshot{Alive: false}, nil
		case process.Sleep:
			snap.Sleeping = true
		}
	}

	times, err := proc.TimesWithContext(ctx)
	if err != nil {
		return Snapshot{}, probeError("cpu_times", err)
	}
	snap.CPUTime = time.Duration((times.User + times.System) * float64(time.Second))

	// Reading another user's fd table fails with EACCES; that only disables
	// the input-wait heuristic for this process.
	if files, err := proc.OpenFilesWithContext(ctx); err == nil {
		for _, f := range files {
			if f.Fd == 0 {
				snap.StdinTTY = isTerminalPath(f.Path)
				break
			}
		}
	}
	return snap, nil
}

func isTerminalPath(p string) bool {
	return strings.HasPrefix(p, "/dev/pts/") || strings.HasPrefix(p, "/dev/tty")
}

func probeError(probe string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: timed out: %v", ErrProbeFailed, probe, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrProbeFailed, probe, err)
}
