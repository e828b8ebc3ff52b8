package orchestrator

import (
	"github.com/shirou/gopsutil/v4/process"
)

// processStats is a best-effort resource sample of a supervised process.
type processStats struct {
	CPUPercent float64
	RSSBytes   uint64
}

type statsSampler func(pid int) (processStats, error)

func sampleProcess(pid int) (processStats, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return processStats{}, err
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		return processStats{}, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return processStats{}, err
	}
	return processStats{CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}
