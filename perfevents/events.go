package perfevents

import (
	"fmt"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// HardwareCounter identifies a hardware performance counter the producer
// reads per CPU.
type HardwareCounter int

const (
	// Cycles counts CPU cycles.
	Cycles HardwareCounter = iota
	// Instructions counts retired instructions.
	Instructions
	// LLCMisses counts last-level cache misses.
	LLCMisses
	// CacheReferences counts last-level cache references.
	CacheReferences
)

func (m HardwareCounter) String() string {
	switch m {
	case Cycles:
		return "cycles"
	case Instructions:
		return "instructions"
	case LLCMisses:
		return "llc-misses"
	case CacheReferences:
		return "cache-references"
	}
	return "unknown"
}

func (m HardwareCounter) config() uint64 {
	switch m {
	case Cycles:
		return unix.PERF_COUNT_HW_CPU_CYCLES
	case Instructions:
		return unix.PERF_COUNT_HW_INSTRUCTIONS
	case LLCMisses:
		return unix.PERF_COUNT_HW_CACHE_MISSES
	case CacheReferences:
		return unix.PERF_COUNT_HW_CACHE_REFERENCES
	}
	return 0
}

// openPerfEvents opens one perf event per CPU and returns the file
// descriptors. On failure all already-opened descriptors are closed.
func openPerfEvents(nCPU int, attr *unix.PerfEventAttr) ([]int, error) {
	fds := make([]int, 0, nCPU)

	for cpu := 0; cpu < nCPU; cpu++ {
		fd, err := unix.PerfEventOpen(attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			for _, open := range fds {
				unix.Close(open)
			}
			return nil, fmt.Errorf("failed to open perf event on CPU %d: %w", cpu, err)
		}
		fds = append(fds, fd)
	}

	return fds, nil
}

// updateMapWithFDs installs one file descriptor per CPU into a
// PERF_EVENT_ARRAY map, keyed by CPU id.
func updateMapWithFDs(m *ebpf.Map, fds []int) error {
	for cpu, fd := range fds {
		if err := m.Put(uint32(cpu), uint32(fd)); err != nil {
			return fmt.Errorf("failed to update map for CPU %d: %w", cpu, err)
		}
	}
	return nil
}

// OpenPerfCounter opens the given hardware counter on every CPU tracked by
// the map and installs the descriptors so the producer can read counter
// deltas. The number of CPUs is taken from the map's max entries.
func OpenPerfCounter(m *ebpf.Map, counter HardwareCounter) ([]int, error) {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_HARDWARE,
		Config:      counter.config(),
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	fds, err := openPerfEvents(int(m.MaxEntries()), &attr)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s counter: %w", counter, err)
	}

	if err := updateMapWithFDs(m, fds); err != nil {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, err
	}

	return fds, nil
}

// StartEvents enables every perf event whose descriptor is installed in
// the map.
func StartEvents(m *ebpf.Map) error {
	for cpu := uint32(0); cpu < m.MaxEntries(); cpu++ {
		var fd uint32
		if err := m.Lookup(cpu, &fd); err != nil {
			continue
		}
		if err := unix.IoctlSetInt(int(fd), unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fmt.Errorf("failed to enable perf event for CPU %d: %w", cpu, err)
		}
	}
	return nil
}
