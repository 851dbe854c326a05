// Package timeslot tracks CPU progress through fixed-width time slots and
// computes the minimum slot every CPU has reached. Downstream consumers
// use the minimum to decide when a slot is complete across all CPUs and
// safe to emit.
package timeslot

import "fmt"

// CPUIDOutOfRangeError reports an update for a CPU the tracker does not
// know about.
type CPUIDOutOfRangeError struct {
	CPU int
	Max int
}

func (m *CPUIDOutOfRangeError) Error() string {
	return fmt.Sprintf("CPU ID %d is out of range (max: %d)", m.CPU, m.Max)
}

// NonMonotonicTimestampError reports a timestamp update that would go
// backward in time for a CPU.
type NonMonotonicTimestampError struct {
	CPU  int
	Prev uint64
	New  uint64
}

func (m *NonMonotonicTimestampError) Error() string {
	return fmt.Sprintf("non-monotonic timestamp update for CPU %d: previous=%d, new=%d", m.CPU, m.Prev, m.New)
}

// MinTracker tracks the latest timestamp reported by each CPU and exposes
// the minimum time slot all CPUs have reached. Slots are identified by
// their lower boundary. Until every CPU has reported at least once the
// minimum is undefined.
type MinTracker struct {
	slotSize      uint64
	cpuTimestamps []uint64
	reported      []bool
	slotCounts    map[uint64]int
	uninitialized int
}

// NewMinTracker creates a tracker for numCPUs CPUs with the given slot
// width in nanoseconds.
func NewMinTracker(slotSize uint64, numCPUs int) *MinTracker {
	return &MinTracker{
		slotSize:      slotSize,
		cpuTimestamps: make([]uint64, numCPUs),
		reported:      make([]bool, numCPUs),
		slotCounts:    make(map[uint64]int),
		uninitialized: numCPUs,
	}
}

// Update records a new timestamp for a CPU. Timestamps for a given CPU
// must be non-decreasing; a violation leaves the tracker unchanged.
func (m *MinTracker) Update(cpu int, timestamp uint64) error {
	if cpu >= len(m.cpuTimestamps) || cpu < 0 {
		return &CPUIDOutOfRangeError{CPU: cpu, Max: len(m.cpuTimestamps) - 1}
	}

	newSlot := timestamp / m.slotSize

	if !m.reported[cpu] {
		m.reported[cpu] = true
		m.uninitialized--
		m.slotCounts[newSlot]++
	} else {
		prev := m.cpuTimestamps[cpu]
		if prev > timestamp {
			return &NonMonotonicTimestampError{CPU: cpu, Prev: prev, New: timestamp}
		}

		currentSlot := prev / m.slotSize
		if currentSlot != newSlot {
			if count, ok := m.slotCounts[currentSlot]; ok {
				if count <= 1 {
					delete(m.slotCounts, currentSlot)
				} else {
					m.slotCounts[currentSlot] = count - 1
				}
			}
			m.slotCounts[newSlot]++
		}
	}

	m.cpuTimestamps[cpu] = timestamp
	return nil
}

// GetMin returns the boundary of the minimum slot all CPUs have reached.
// The second return value is false while any CPU has not reported yet.
func (m *MinTracker) GetMin() (uint64, bool) {
	if m.uninitialized > 0 {
		return 0, false
	}

	first := true
	var minSlot uint64
	for slot := range m.slotCounts {
		if first || slot < minSlot {
			minSlot = slot
			first = false
		}
	}
	if first {
		return 0, false
	}
	return minSlot * m.slotSize, true
}
