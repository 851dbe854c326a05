package collector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/perfslot/perfslot/bpfprog"
	"github.com/perfslot/perfslot/perfevents"
)

// TaskTracker maintains the pid to metadata mapping with deferred
// removal. A task freed by the kernel stays resolvable until the next
// timeslot boundary: samples for it may still be in flight within the
// slot that was current when the free arrived.
type TaskTracker struct {
	tasks        map[uint32]*TaskMetadata
	removalQueue []uint32
	log          *zap.SugaredLogger
}

// NewTaskTracker creates the tracker and subscribes it to task metadata
// and task free records, and to timeslot advancement for draining the
// removal queue.
func NewTaskTracker(dispatcher *perfevents.Dispatcher, timeslots *TimeslotTracker, log *zap.SugaredLogger) *TaskTracker {
	m := &TaskTracker{
		tasks: map[uint32]*TaskMetadata{},
		log:   log,
	}

	dispatcher.Subscribe(bpfprog.MsgKindTaskMetadata, m.handleTaskMetadata)
	dispatcher.Subscribe(bpfprog.MsgKindTaskFree, m.handleTaskFree)
	timeslots.Subscribe(m.onTimeslotAdvanced)

	return m
}

// Lookup returns the metadata for a pid. The returned pointer is owned by
// the tracker and only valid until the next timeslot advancement.
func (m *TaskTracker) Lookup(pid uint32) (*TaskMetadata, bool) {
	metadata, ok := m.tasks[pid]
	return metadata, ok
}

func (m *TaskTracker) handleTaskMetadata(_ int, data []byte) error {
	var msg bpfprog.TaskMetadataMsg
	if err := msg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to parse task metadata record: %w", err)
	}

	// Last write wins for a pid announced more than once.
	m.tasks[msg.Pid] = &TaskMetadata{
		Pid:      msg.Pid,
		Comm:     msg.Comm,
		CgroupID: msg.CgroupID,
	}
	return nil
}

func (m *TaskTracker) handleTaskFree(_ int, data []byte) error {
	var msg bpfprog.TaskFreeMsg
	if err := msg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to parse task free record: %w", err)
	}

	// Removal is deferred to the next timeslot boundary. Duplicates in
	// the queue are harmless: deletion is idempotent.
	if _, ok := m.tasks[msg.Pid]; ok {
		m.removalQueue = append(m.removalQueue, msg.Pid)
	}
	return nil
}

func (m *TaskTracker) onTimeslotAdvanced(_, _ uint64) {
	for _, pid := range m.removalQueue {
		delete(m.tasks, pid)
	}
	m.removalQueue = m.removalQueue[:0]
}
