// Package collector wires the ingestion pipeline: it tracks per-CPU
// timeslot progress, joins perf samples with task metadata, aggregates
// counters per task and timeslot, and supervises the polling thread and
// the writer tasks.
package collector

// Metric holds the additive performance counters collected for a task.
// Counters are zero-initialized and merge by addition.
type Metric struct {
	Cycles          uint64
	Instructions    uint64
	LLCMisses       uint64
	CacheReferences uint64
	TimeNs          uint64
}

// Add merges another metric into this one.
func (m *Metric) Add(other Metric) {
	m.Cycles += other.Cycles
	m.Instructions += other.Instructions
	m.LLCMisses += other.LLCMisses
	m.CacheReferences += other.CacheReferences
	m.TimeNs += other.TimeNs
}

// TaskMetadata is the identity snapshot for one task.
type TaskMetadata struct {
	Pid      uint32
	Comm     [16]byte
	CgroupID uint64
}

// CommString returns the command name with trailing nul padding removed.
func (m *TaskMetadata) CommString() string {
	for i, b := range m.Comm {
		if b == 0 {
			return string(m.Comm[:i])
		}
	}
	return string(m.Comm[:])
}

// TaskData pairs a task's metadata snapshot with its accumulated
// counters. Metadata may be nil for tasks whose announcement was never
// seen, such as kernel threads.
type TaskData struct {
	Metadata *TaskMetadata
	Metrics  Metric
}

// TimeslotData accumulates per-task counters inside one timeslot,
// identified by its start timestamp.
type TimeslotData struct {
	StartTimestamp uint64
	Tasks          map[uint32]*TaskData
}

// NewTimeslotData creates an empty timeslot starting at the given
// boundary.
func NewTimeslotData(startTimestamp uint64) *TimeslotData {
	return &TimeslotData{
		StartTimestamp: startTimestamp,
		Tasks:          map[uint32]*TaskData{},
	}
}

// Update merges a measurement for a pid into the timeslot, inserting a
// new task entry on first sight. The metadata snapshot of the first
// insertion wins for the rest of the slot.
func (m *TimeslotData) Update(pid uint32, metadata *TaskMetadata, metric Metric) {
	if task, ok := m.Tasks[pid]; ok {
		task.Metrics.Add(metric)
		return
	}
	m.Tasks[pid] = &TaskData{
		Metadata: metadata,
		Metrics:  metric,
	}
}

// TaskCount returns the number of tasks seen in this slot.
func (m *TimeslotData) TaskCount() int {
	return len(m.Tasks)
}
