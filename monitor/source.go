package monitor

import (
	sigar "github.com/elastic/gosigar"
)

type MemoryStats struct {
	Total     uint64
	Used      uint64
	Available uint64
}

// CPUTimes are cumulative CPU counters since boot, in the units of the source.
type CPUTimes struct {
	Busy  uint64
	Total uint64
}

// Source reads the operating system counters behind a Snapshot.
type Source interface {
	Memory() (MemoryStats, error)
	CPU() (CPUTimes, error)
}

// SigarSource reads system-wide counters through gosigar. Memory used excludes buffers and page cache.
type SigarSource struct{}

func (SigarSource) Memory() (MemoryStats, error) {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		return MemoryStats{}, err
	}
	return MemoryStats{Total: mem.Total, Used: mem.ActualUsed, Available: mem.ActualFree}, nil
}

func (SigarSource) CPU() (CPUTimes, error) {
	cpu := sigar.Cpu{}
	if err := cpu.Get(); err != nil {
		return CPUTimes{}, err
	}
	busy := cpu.User + cpu.Nice + cpu.Sys + cpu.Irq + cpu.SoftIrq + cpu.Stolen
	return CPUTimes{Busy: busy, Total: busy + cpu.Idle + cpu.Wait}, nil
}
