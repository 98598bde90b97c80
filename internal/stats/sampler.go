// Package stats samples resource usage of supervised subprocesses.
package stats

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one resource usage measurement for a process.
type Sample struct {
	// CPUPercent is the CPU usage since the previous measurement.
	CPUPercent float64

	// RSSBytes is the resident set size.
	RSSBytes uint64
}

// Sampler measures one process repeatedly. CPU percentages are deltas
// between calls, so the first reading after attach is zero.
type Sampler struct {
	proc *process.Process
}

// NewSampler attaches to the given pid.
//
// Parameters:
//   - pid: The process id to sample
//
// Returns:
//   - *Sampler: The attached sampler
//   - error: Error if the process does not exist
func NewSampler(pid int) (*Sampler, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to attach to pid %d: %w", pid, err)
	}
	return &Sampler{proc: p}, nil
}

// Sample takes one measurement.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - Sample: The measurement
//   - error: Error if the process has gone away
func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	cpu, err := s.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	mi, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to sample memory: %w", err)
	}
	return Sample{CPUPercent: cpu, RSSBytes: mi.RSS}, nil
}
