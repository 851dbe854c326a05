package collector

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/perfslot/perfslot/bpfprog"
	"github.com/perfslot/perfslot/parquetout"
	"github.com/perfslot/perfslot/perfevents"
)

// samplePayload lays out a full sample payload: size field, kind,
// timestamp, then the body.
func samplePayload(kind uint32, timestamp uint64, body []byte) []byte {
	buf := make([]byte, 16+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:], kind)
	binary.LittleEndian.PutUint64(buf[8:], timestamp)
	copy(buf[16:], body)
	return buf
}

func timerFinishedPayload(timestamp uint64) []byte {
	return samplePayload(bpfprog.MsgKindTimerFinished, timestamp, nil)
}

func taskMetadataPayload(pid uint32, comm string, cgroupID uint64) []byte {
	body := make([]byte, 32)
	binary.LittleEndian.PutUint32(body, pid)
	copy(body[4:20], comm)
	binary.LittleEndian.PutUint64(body[24:], cgroupID)
	return samplePayload(bpfprog.MsgKindTaskMetadata, 0, body)
}

func taskFreePayload(pid uint32) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body, pid)
	return samplePayload(bpfprog.MsgKindTaskFree, 0, body)
}

func perfMeasurementPayload(timestamp uint64, pid uint32, contextSwitch bool, metric Metric) []byte {
	body := make([]byte, 48)
	binary.LittleEndian.PutUint32(body, pid)
	if contextSwitch {
		binary.LittleEndian.PutUint32(body[4:], 1)
	}
	binary.LittleEndian.PutUint64(body[8:], metric.Cycles)
	binary.LittleEndian.PutUint64(body[16:], metric.Instructions)
	binary.LittleEndian.PutUint64(body[24:], metric.LLCMisses)
	binary.LittleEndian.PutUint64(body[32:], metric.CacheReferences)
	binary.LittleEndian.PutUint64(body[40:], metric.TimeNs)
	return samplePayload(bpfprog.MsgKindPerfMeasurement, timestamp, body)
}

func TestTimeslotTrackerAdvancement(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	tracker := NewTimeslotTracker(dispatcher, 1_000_000, 2, log)

	type advance struct{ old, new uint64 }
	var advances []advance
	tracker.Subscribe(func(oldSlot, newSlot uint64) {
		advances = append(advances, advance{oldSlot, newSlot})
	})

	// No advancement until every CPU has reported.
	require.NoError(t, tracker.handleTimerFinished(0, timerFinishedPayload(3_000_001)))
	assert.Empty(t, advances)

	// All CPUs reported: the first minimum fires an event from 0.
	require.NoError(t, tracker.handleTimerFinished(1, timerFinishedPayload(3_500_000)))
	require.Len(t, advances, 1)
	assert.Equal(t, advance{0, 3_000_000}, advances[0])

	// CPU 0 advances but CPU 1 is still the minimum: no event.
	require.NoError(t, tracker.handleTimerFinished(0, timerFinishedPayload(4_100_000)))
	assert.Len(t, advances, 1)

	// CPU 1 crosses the boundary: the minimum moves to slot 4.
	require.NoError(t, tracker.handleTimerFinished(1, timerFinishedPayload(4_050_000)))
	require.Len(t, advances, 2)
	assert.Equal(t, advance{3_000_000, 4_000_000}, advances[1])

	assert.NoError(t, tracker.Err())
}

func TestTimeslotTrackerNonMonotonicIsFatal(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	tracker := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)

	require.NoError(t, tracker.handleTimerFinished(0, timerFinishedPayload(5_000_000)))
	require.Error(t, tracker.handleTimerFinished(0, timerFinishedPayload(4_000_000)))

	assert.Error(t, tracker.Err())
}

func TestTimeslotTrackerCPUOutOfRangeIsFatal(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	tracker := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)

	require.Error(t, tracker.handleTimerFinished(5, timerFinishedPayload(1_000_000)))
	assert.Error(t, tracker.Err())
}

func TestTaskTrackerDeferredRemoval(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	timeslots := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)
	tracker := NewTaskTracker(dispatcher, timeslots, log)

	require.NoError(t, tracker.handleTaskMetadata(0, taskMetadataPayload(42, "x", 7)))

	metadata, ok := tracker.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, "x", metadata.CommString())
	assert.Equal(t, uint64(7), metadata.CgroupID)

	// Freed tasks stay resolvable until the next timeslot boundary.
	require.NoError(t, tracker.handleTaskFree(0, taskFreePayload(42)))
	_, ok = tracker.Lookup(42)
	assert.True(t, ok)

	tracker.onTimeslotAdvanced(0, 1_000_000)
	_, ok = tracker.Lookup(42)
	assert.False(t, ok)
}

func TestTaskTrackerLastWriteWins(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	timeslots := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)
	tracker := NewTaskTracker(dispatcher, timeslots, log)

	require.NoError(t, tracker.handleTaskMetadata(0, taskMetadataPayload(42, "old", 1)))
	require.NoError(t, tracker.handleTaskMetadata(0, taskMetadataPayload(42, "new", 2)))

	metadata, ok := tracker.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, "new", metadata.CommString())
	assert.Equal(t, uint64(2), metadata.CgroupID)
}

func TestTaskTrackerFreeUnknownPid(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	timeslots := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)
	tracker := NewTaskTracker(dispatcher, timeslots, log)

	require.NoError(t, tracker.handleTaskFree(0, taskFreePayload(99)))
	tracker.onTimeslotAdvanced(0, 1_000_000)

	_, ok := tracker.Lookup(99)
	assert.False(t, ok)
}

func TestAggregatorJoinsAndAccumulates(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	timeslots := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)
	tasks := NewTaskTracker(dispatcher, timeslots, log)

	out := make(chan *TimeslotData, 1)
	aggregator := NewAggregator(dispatcher, timeslots, tasks, out, log)

	require.NoError(t, tasks.handleTaskMetadata(0, taskMetadataPayload(7, "worker", 11)))

	m1 := Metric{Cycles: 10, Instructions: 20, LLCMisses: 1, CacheReferences: 5, TimeNs: 1000}
	m2 := Metric{Cycles: 30, Instructions: 40, LLCMisses: 2, CacheReferences: 6, TimeNs: 2000}
	require.NoError(t, aggregator.handlePerfMeasurement(0, perfMeasurementPayload(100, 7, false, m1)))
	require.NoError(t, aggregator.handlePerfMeasurement(0, perfMeasurementPayload(200, 7, true, m2)))

	// A pid without metadata still accumulates, with a nil snapshot.
	require.NoError(t, aggregator.handlePerfMeasurement(0, perfMeasurementPayload(300, 8, false, m1)))

	aggregator.onTimeslotAdvanced(0, 1_000_000)

	completed := <-out
	assert.Equal(t, uint64(0), completed.StartTimestamp)
	require.Equal(t, 2, completed.TaskCount())

	worker := completed.Tasks[7]
	require.NotNil(t, worker.Metadata)
	assert.Equal(t, "worker", worker.Metadata.CommString())
	want := Metric{Cycles: 40, Instructions: 60, LLCMisses: 3, CacheReferences: 11, TimeNs: 3000}
	if diff := cmp.Diff(want, worker.Metrics); diff != "" {
		t.Errorf("accumulated metrics mismatch (-want +got):\n%s", diff)
	}

	unknown := completed.Tasks[8]
	assert.Nil(t, unknown.Metadata)
	assert.Equal(t, m1, unknown.Metrics)

	// The new current slot carries the advanced boundary.
	aggregator.onTimeslotAdvanced(1_000_000, 2_000_000)
	next := <-out
	assert.Equal(t, uint64(1_000_000), next.StartTimestamp)
	assert.Equal(t, 0, next.TaskCount())
}

func TestAggregatorMetadataSnapshotSurvivesRemoval(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	timeslots := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)
	tasks := NewTaskTracker(dispatcher, timeslots, log)

	out := make(chan *TimeslotData, 2)
	aggregator := NewAggregator(dispatcher, timeslots, tasks, out, log)

	require.NoError(t, tasks.handleTaskMetadata(0, taskMetadataPayload(7, "doomed", 9)))
	require.NoError(t, aggregator.handlePerfMeasurement(0, perfMeasurementPayload(100, 7, false, Metric{Cycles: 1})))
	require.NoError(t, tasks.handleTaskFree(0, taskFreePayload(7)))

	// The advance drains the removal queue, but the snapshot taken at
	// sample time must still name the task.
	aggregator.onTimeslotAdvanced(0, 1_000_000)
	tasks.onTimeslotAdvanced(0, 1_000_000)

	completed := <-out
	require.NotNil(t, completed.Tasks[7].Metadata)
	assert.Equal(t, "doomed", completed.Tasks[7].Metadata.CommString())

	_, ok := tasks.Lookup(7)
	assert.False(t, ok)
}

func TestAggregatorDropsOnFullChannel(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	timeslots := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)
	tasks := NewTaskTracker(dispatcher, timeslots, log)

	out := make(chan *TimeslotData, 1)
	aggregator := NewAggregator(dispatcher, timeslots, tasks, out, log)

	aggregator.onTimeslotAdvanced(0, 1_000_000)
	// The channel is full now; the next advance must not block.
	aggregator.onTimeslotAdvanced(1_000_000, 2_000_000)

	assert.Equal(t, uint64(1), aggregator.dropped)
	assert.Len(t, out, 1)
}

func TestTraceBuilderRows(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	timeslots := NewTimeslotTracker(dispatcher, 1_000_000, 1, log)
	tasks := NewTaskTracker(dispatcher, timeslots, log)

	var batches [][]parquetout.TraceRow
	send := func(batch []parquetout.TraceRow) bool {
		batches = append(batches, batch)
		return true
	}

	builder := NewTraceBuilder(dispatcher, tasks, send, 2, log)

	require.NoError(t, tasks.handleTaskMetadata(0, taskMetadataPayload(7, "traced", 5)))

	metric := Metric{Cycles: 100, Instructions: 200, LLCMisses: 3, CacheReferences: 50, TimeNs: 999}
	require.NoError(t, builder.handlePerfMeasurement(3, perfMeasurementPayload(1234, 7, true, metric)))
	assert.Empty(t, batches)

	// Second row reaches capacity and flushes.
	require.NoError(t, builder.handlePerfMeasurement(3, perfMeasurementPayload(1235, 8, false, metric)))
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)

	row := batches[0][0]
	assert.Equal(t, int64(1234), row.Timestamp)
	assert.Equal(t, int32(7), row.Pid)
	require.NotNil(t, row.ProcessName)
	assert.Equal(t, "traced", *row.ProcessName)
	assert.Equal(t, int64(5), row.CgroupID)
	assert.Equal(t, int32(3), row.CPUID)
	assert.Equal(t, int64(100), row.CyclesDelta)
	assert.True(t, row.IsContextSwitch)

	anonymous := batches[0][1]
	assert.Nil(t, anonymous.ProcessName)
	assert.Equal(t, int64(0), anonymous.CgroupID)
	assert.False(t, anonymous.IsContextSwitch)

	// Shutdown flushes the partial batch.
	require.NoError(t, builder.handlePerfMeasurement(3, perfMeasurementPayload(1236, 7, false, metric)))
	builder.Flush()
	require.Len(t, batches, 2)
	assert.Len(t, batches[1], 1)
}

func TestErrorHandlerTimerMigrationIsFatal(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	handler := NewErrorHandler(dispatcher, log)

	require.NoError(t, handler.Err())

	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body, 2)
	binary.LittleEndian.PutUint32(body[4:], 5)
	require.NoError(t, handler.handleTimerMigration(0, samplePayload(bpfprog.MsgKindTimerMigrationDetected, 1, body)))

	err := handler.Err()
	require.Error(t, err)

	var migration *TimerMigrationError
	require.ErrorAs(t, err, &migration)
	assert.Equal(t, uint32(2), migration.ExpectedCPU)
	assert.Equal(t, uint32(5), migration.ActualCPU)
}

func TestErrorHandlerCountsLostRecords(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dispatcher := perfevents.NewDispatcher()
	handler := NewErrorHandler(dispatcher, log)

	lost := make([]byte, 16)
	binary.LittleEndian.PutUint64(lost, 1)
	binary.LittleEndian.PutUint64(lost[8:], 42)
	require.NoError(t, handler.handleLost(3, lost))
	require.NoError(t, handler.handleLost(3, lost))

	assert.Equal(t, uint64(84), handler.LostEvents())
	assert.NoError(t, handler.Err())
}

func TestTimeslotToRows(t *testing.T) {
	slot := NewTimeslotData(5_000_000)
	slot.Update(1, &TaskMetadata{Pid: 1, Comm: [16]byte{'a'}, CgroupID: 9},
		Metric{Cycles: 1, Instructions: 2, LLCMisses: 3, CacheReferences: 4, TimeNs: 5})
	slot.Update(2, nil, Metric{Cycles: 10})

	rows := TimeslotToRows(slot)
	require.Len(t, rows, 2)

	byPid := map[int32]parquetout.TimeslotRow{}
	for _, row := range rows {
		assert.Equal(t, int64(5_000_000), row.StartTime)
		byPid[row.Pid] = row
	}

	named := byPid[1]
	require.NotNil(t, named.ProcessName)
	assert.Equal(t, "a", *named.ProcessName)
	assert.Equal(t, int64(9), named.CgroupID)
	assert.Equal(t, int64(1), named.Cycles)
	assert.Equal(t, int64(5), named.Duration)

	anonymous := byPid[2]
	assert.Nil(t, anonymous.ProcessName)
	assert.Equal(t, int64(0), anonymous.CgroupID)
	assert.Equal(t, int64(10), anonymous.Cycles)
}
