package collector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/perfslot/perfslot/bpfprog"
	"github.com/perfslot/perfslot/perfevents"
	"github.com/perfslot/perfslot/timeslot"
)

// TimeslotAdvancedFunc is notified when the minimum timeslot across all
// CPUs advances, with the old and new slot boundaries.
type TimeslotAdvancedFunc func(oldSlot, newSlot uint64)

// TimeslotTracker consumes timer-finished records and publishes timeslot
// advancement to its subscribers. Subscribers are registered once at
// startup and invoked synchronously on the polling thread, so every
// subscriber observes an advancement before any sample of the next slot
// is delivered.
type TimeslotTracker struct {
	minTracker  *timeslot.MinTracker
	lastSlot    uint64
	hasLastSlot bool
	subscribers []TimeslotAdvancedFunc
	fatal       error
	log         *zap.SugaredLogger
}

// NewTimeslotTracker creates the tracker and subscribes it to
// timer-finished records.
func NewTimeslotTracker(dispatcher *perfevents.Dispatcher, slotWidth uint64, numCPUs int, log *zap.SugaredLogger) *TimeslotTracker {
	m := &TimeslotTracker{
		minTracker: timeslot.NewMinTracker(slotWidth, numCPUs),
		log:        log,
	}

	dispatcher.Subscribe(bpfprog.MsgKindTimerFinished, m.handleTimerFinished)

	return m
}

// Subscribe registers a timeslot advancement callback. Must only be
// called during startup wiring.
func (m *TimeslotTracker) Subscribe(cb TimeslotAdvancedFunc) {
	m.subscribers = append(m.subscribers, cb)
}

// Err returns the first fatal tracker error: a non-monotonic timestamp or
// an out-of-range CPU id, both of which indicate a producer bug.
func (m *TimeslotTracker) Err() error {
	return m.fatal
}

func (m *TimeslotTracker) handleTimerFinished(ringIndex int, data []byte) error {
	header, ok := perfevents.ParseSampleHeader(data)
	if !ok {
		return fmt.Errorf("timer finished record too short: %d bytes", len(data))
	}

	if err := m.minTracker.Update(ringIndex, header.Timestamp); err != nil {
		if m.fatal == nil {
			m.fatal = fmt.Errorf("timeslot tracker update failed: %w", err)
		}
		return err
	}

	newMin, ok := m.minTracker.GetMin()
	if !ok {
		return nil
	}

	if !m.hasLastSlot || newMin != m.lastSlot {
		oldSlot := m.lastSlot
		m.lastSlot = newMin
		m.hasLastSlot = true

		for _, cb := range m.subscribers {
			cb(oldSlot, newMin)
		}
	}

	return nil
}
