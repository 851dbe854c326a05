// Package parquetout writes record batches to parquet files in object
// storage, with snappy-compressed row groups, size-based file rotation,
// an external rotate signal and an optional total storage quota.
package parquetout

// TimeslotRow is one task's aggregate within one timeslot.
type TimeslotRow struct {
	StartTime       int64   `parquet:"start_time"`
	Pid             int32   `parquet:"pid"`
	ProcessName     *string `parquet:"process_name,optional"`
	CgroupID        int64   `parquet:"cgroup_id"`
	Cycles          int64   `parquet:"cycles"`
	Instructions    int64   `parquet:"instructions"`
	LLCMisses       int64   `parquet:"llc_misses"`
	CacheReferences int64   `parquet:"cache_references"`
	Duration        int64   `parquet:"duration"`
}

// TraceRow is one raw perf sample.
type TraceRow struct {
	Timestamp            int64   `parquet:"timestamp"`
	Pid                  int32   `parquet:"pid"`
	ProcessName          *string `parquet:"process_name,optional"`
	CgroupID             int64   `parquet:"cgroup_id"`
	CPUID                int32   `parquet:"cpu_id"`
	CyclesDelta          int64   `parquet:"cycles_delta"`
	InstructionsDelta    int64   `parquet:"instructions_delta"`
	LLCMissesDelta       int64   `parquet:"llc_misses_delta"`
	CacheReferencesDelta int64   `parquet:"cache_references_delta"`
	IsContextSwitch      bool    `parquet:"is_context_switch"`
}
