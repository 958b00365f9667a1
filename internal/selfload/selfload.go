// Package selfload reports the validator process's own resource usage,
// used by the Verification Scheduler (4.8) as a backpressure signal: a
// loaded validator runs fewer concurrent validation tasks per tick.
package selfload

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time read of the validator's own resource load.
type Snapshot struct {
	CPUPercent    float64
	MemoryPercent float32
	NumGoroutine  int32
	TakenAt       time.Time
}

// Reader samples Snapshots for the current process.
type Reader struct {
	proc *process.Process
}

// NewReader binds a Reader to the current OS process.
func NewReader() (*Reader, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Reader{proc: p}, nil
}

// Sample takes one reading. CPUPercent is measured over a short
// blocking interval; callers on a ticker loop should budget for that.
func (r *Reader) Sample(ctx context.Context) (Snapshot, error) {
	cpuPct, err := r.proc.PercentWithContext(ctx, 200*time.Millisecond)
	if err != nil {
		return Snapshot{}, err
	}
	memPct, err := r.proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	threads, err := r.proc.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	return Snapshot{
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		NumGoroutine:  threads,
		TakenAt:       time.Now(),
	}, nil
}

// SystemCPUPercent samples host-wide CPU utilization, used as a coarse
// fallback when per-process figures are unavailable.
func SystemCPUPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

// ConcurrencyBudget maps a Snapshot to the number of validation tasks
// the scheduler should run this tick, scaling down from max as load
// rises past 70% CPU.
func ConcurrencyBudget(snap Snapshot, max int) int {
	if max < 1 {
		max = 1
	}
	switch {
	case snap.CPUPercent >= 90:
		return 1
	case snap.CPUPercent >= 70:
		budget := max / 2
		if budget < 1 {
			budget = 1
		}
		return budget
	default:
		return max
	}
}
