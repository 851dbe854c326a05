package collector

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/perfslot/perfslot/bpfprog"
	"github.com/perfslot/perfslot/parquetout"
	"github.com/perfslot/perfslot/perfevents"
)

// DefaultTraceCapacity is the row count that triggers a trace batch
// flush.
const DefaultTraceCapacity = 32 * 1024

// traceFlushInterval bounds how long a partial batch may sit before it is
// flushed regardless of size.
const traceFlushInterval = time.Second

// TraceBuilder is the alternate sink: every perf measurement becomes one
// row. Batches are emitted when the row count reaches capacity or when
// the flush interval elapses; shutdown flushes the partial batch.
type TraceBuilder struct {
	rows      []parquetout.TraceRow
	send      func([]parquetout.TraceRow) bool
	tasks     *TaskTracker
	capacity  int
	lastFlush time.Time
	log       *zap.SugaredLogger
}

// NewTraceBuilder creates the builder and subscribes it to perf
// measurements. send hands a completed batch downstream and reports
// whether it was accepted.
func NewTraceBuilder(
	dispatcher *perfevents.Dispatcher,
	tasks *TaskTracker,
	send func([]parquetout.TraceRow) bool,
	capacity int,
	log *zap.SugaredLogger,
) *TraceBuilder {
	m := &TraceBuilder{
		rows:      make([]parquetout.TraceRow, 0, capacity),
		send:      send,
		tasks:     tasks,
		capacity:  capacity,
		lastFlush: time.Now(),
		log:       log,
	}

	dispatcher.Subscribe(bpfprog.MsgKindPerfMeasurement, m.handlePerfMeasurement)

	return m
}

func (m *TraceBuilder) handlePerfMeasurement(ringIndex int, data []byte) error {
	header, ok := perfevents.ParseSampleHeader(data)
	if !ok {
		return fmt.Errorf("perf measurement record too short: %d bytes", len(data))
	}

	var msg bpfprog.PerfMeasurementMsg
	if err := msg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to parse perf measurement record: %w", err)
	}

	row := parquetout.TraceRow{
		Timestamp:            int64(header.Timestamp),
		Pid:                  int32(msg.Pid),
		CgroupID:             0,
		CPUID:                int32(ringIndex),
		CyclesDelta:          int64(msg.CyclesDelta),
		InstructionsDelta:    int64(msg.InstructionsDelta),
		LLCMissesDelta:       int64(msg.LLCMissesDelta),
		CacheReferencesDelta: int64(msg.CacheReferencesDelta),
		IsContextSwitch:      msg.IsContextSwitch != 0,
	}

	if metadata, ok := m.tasks.Lookup(msg.Pid); ok {
		name := metadata.CommString()
		row.ProcessName = &name
		row.CgroupID = int64(metadata.CgroupID)
	}

	m.rows = append(m.rows, row)

	if len(m.rows) >= m.capacity || time.Since(m.lastFlush) >= traceFlushInterval {
		m.Flush()
	}
	return nil
}

// FlushIfStale emits the pending rows when the flush interval has
// elapsed. The polling thread calls it between polls so a quiet producer
// cannot hold a partial batch indefinitely.
func (m *TraceBuilder) FlushIfStale() {
	if len(m.rows) > 0 && time.Since(m.lastFlush) >= traceFlushInterval {
		m.Flush()
	}
}

// Flush emits the pending rows as one batch. A rejected batch is logged
// and discarded.
func (m *TraceBuilder) Flush() {
	if len(m.rows) == 0 {
		return
	}

	batch := m.rows
	m.rows = make([]parquetout.TraceRow, 0, m.capacity)
	m.lastFlush = time.Now()

	if !m.send(batch) {
		m.log.Errorw("failed to send trace batch: channel full",
			zap.Int("rows", len(batch)))
	}
}
