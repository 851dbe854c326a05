package collector

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/perfslot/perfslot/bpfprog"
	"github.com/perfslot/perfslot/perfevents"
)

// Aggregator joins perf measurements with task metadata and accumulates
// per-pid counters inside the current timeslot. When the timeslot
// advances, the completed slot is handed to the downstream channel; a
// full channel drops the slot and counts it.
type Aggregator struct {
	current *TimeslotData
	out     chan<- *TimeslotData
	tasks   *TaskTracker

	dropped        uint64
	lastDropReport time.Time

	log *zap.SugaredLogger
}

// NewAggregator creates the aggregator and subscribes it to perf
// measurements and timeslot advancement.
func NewAggregator(
	dispatcher *perfevents.Dispatcher,
	timeslots *TimeslotTracker,
	tasks *TaskTracker,
	out chan<- *TimeslotData,
	log *zap.SugaredLogger,
) *Aggregator {
	m := &Aggregator{
		current:        NewTimeslotData(0),
		out:            out,
		tasks:          tasks,
		lastDropReport: time.Now(),
		log:            log,
	}

	dispatcher.Subscribe(bpfprog.MsgKindPerfMeasurement, m.handlePerfMeasurement)
	timeslots.Subscribe(m.onTimeslotAdvanced)

	return m
}

func (m *Aggregator) handlePerfMeasurement(_ int, data []byte) error {
	var msg bpfprog.PerfMeasurementMsg
	if err := msg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to parse perf measurement record: %w", err)
	}

	metric := Metric{
		Cycles:          msg.CyclesDelta,
		Instructions:    msg.InstructionsDelta,
		LLCMisses:       msg.LLCMissesDelta,
		CacheReferences: msg.CacheReferencesDelta,
		TimeNs:          msg.TimeDeltaNs,
	}

	if task, ok := m.current.Tasks[msg.Pid]; ok {
		task.Metrics.Add(metric)
		return nil
	}

	// First sample for this pid in the slot: snapshot the metadata. The
	// tracker entry may be removed at the next timeslot boundary while
	// the completed slot is still in flight downstream.
	var metadata *TaskMetadata
	if md, ok := m.tasks.Lookup(msg.Pid); ok {
		snapshot := *md
		metadata = &snapshot
	}

	m.current.Update(msg.Pid, metadata, metric)
	return nil
}

func (m *Aggregator) onTimeslotAdvanced(_, newSlot uint64) {
	completed := m.current
	m.current = NewTimeslotData(newSlot)

	select {
	case m.out <- completed:
	default:
		m.dropped++
		if time.Since(m.lastDropReport) >= time.Second {
			m.log.Errorw("dropping completed timeslots: writer channel full",
				zap.Uint64("dropped", m.dropped))
			m.dropped = 0
			m.lastDropReport = time.Now()
		}
	}
}
