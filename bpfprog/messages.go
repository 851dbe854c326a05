// Package bpfprog holds the contract with the kernel-side producer: the
// message kinds and binary layouts it emits into the per-CPU rings, and
// the loader that binds its maps and programs.
package bpfprog

import (
	"encoding/binary"
	"fmt"
)

// Message kinds emitted by the producer. The kind tag sits in the sample
// header after the kernel-injected size field.
const (
	MsgKindTaskMetadata           uint32 = 1
	MsgKindTaskFree               uint32 = 2
	MsgKindPerfMeasurement        uint32 = 3
	MsgKindTimerFinished          uint32 = 4
	MsgKindTimerMigrationDetected uint32 = 5
)

// CommLen is the fixed width of the nul-padded command name in task
// metadata messages.
const CommLen = 16

const sampleHeaderSize = 16

// TaskMetadataMsg announces a task: pid, command name and cgroup id.
type TaskMetadataMsg struct {
	Pid      uint32
	Comm     [CommLen]byte
	CgroupID uint64
}

// TaskMetadataMsgSize is the wire size including the sample header.
const TaskMetadataMsgSize = sampleHeaderSize + 4 + CommLen + 4 + 8

// UnmarshalBinary decodes the message from a full sample payload,
// sample header included.
func (m *TaskMetadataMsg) UnmarshalBinary(data []byte) error {
	if len(data) < TaskMetadataMsgSize {
		return fmt.Errorf("task metadata message too short: %d bytes", len(data))
	}
	m.Pid = binary.LittleEndian.Uint32(data[sampleHeaderSize:])
	copy(m.Comm[:], data[sampleHeaderSize+4:])
	m.CgroupID = binary.LittleEndian.Uint64(data[sampleHeaderSize+24:])
	return nil
}

// TaskFreeMsg announces that a task's kernel structures were released.
type TaskFreeMsg struct {
	Pid uint32
}

// TaskFreeMsgSize is the wire size including the sample header.
const TaskFreeMsgSize = sampleHeaderSize + 8

// UnmarshalBinary decodes the message from a full sample payload.
func (m *TaskFreeMsg) UnmarshalBinary(data []byte) error {
	if len(data) < TaskFreeMsgSize {
		return fmt.Errorf("task free message too short: %d bytes", len(data))
	}
	m.Pid = binary.LittleEndian.Uint32(data[sampleHeaderSize:])
	return nil
}

// PerfMeasurementMsg carries the counter deltas accumulated on one CPU
// since the previous sample there. The producing CPU is implied by the
// ring the message arrives on.
type PerfMeasurementMsg struct {
	Pid                  uint32
	IsContextSwitch      uint32
	CyclesDelta          uint64
	InstructionsDelta    uint64
	LLCMissesDelta       uint64
	CacheReferencesDelta uint64
	TimeDeltaNs          uint64
}

// PerfMeasurementMsgSize is the wire size including the sample header.
const PerfMeasurementMsgSize = sampleHeaderSize + 8 + 5*8

// UnmarshalBinary decodes the message from a full sample payload.
func (m *PerfMeasurementMsg) UnmarshalBinary(data []byte) error {
	if len(data) < PerfMeasurementMsgSize {
		return fmt.Errorf("perf measurement message too short: %d bytes", len(data))
	}
	m.Pid = binary.LittleEndian.Uint32(data[sampleHeaderSize:])
	m.IsContextSwitch = binary.LittleEndian.Uint32(data[sampleHeaderSize+4:])
	m.CyclesDelta = binary.LittleEndian.Uint64(data[sampleHeaderSize+8:])
	m.InstructionsDelta = binary.LittleEndian.Uint64(data[sampleHeaderSize+16:])
	m.LLCMissesDelta = binary.LittleEndian.Uint64(data[sampleHeaderSize+24:])
	m.CacheReferencesDelta = binary.LittleEndian.Uint64(data[sampleHeaderSize+32:])
	m.TimeDeltaNs = binary.LittleEndian.Uint64(data[sampleHeaderSize+40:])
	return nil
}

// TimerMigrationMsg reports that the per-CPU timer fired on a different
// CPU than it was installed on. Receipt is fatal to the collector.
type TimerMigrationMsg struct {
	ExpectedCPU uint32
	ActualCPU   uint32
}

// TimerMigrationMsgSize is the wire size including the sample header.
const TimerMigrationMsgSize = sampleHeaderSize + 8

// UnmarshalBinary decodes the message from a full sample payload.
func (m *TimerMigrationMsg) UnmarshalBinary(data []byte) error {
	if len(data) < TimerMigrationMsgSize {
		return fmt.Errorf("timer migration message too short: %d bytes", len(data))
	}
	m.ExpectedCPU = binary.LittleEndian.Uint32(data[sampleHeaderSize:])
	m.ActualCPU = binary.LittleEndian.Uint32(data[sampleHeaderSize+4:])
	return nil
}

// CommString returns the command name with trailing nul padding removed.
func (m *TaskMetadataMsg) CommString() string {
	for i, b := range m.Comm {
		if b == 0 {
			return string(m.Comm[:i])
		}
	}
	return string(m.Comm[:])
}
