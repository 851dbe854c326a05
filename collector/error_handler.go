package collector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/perfslot/perfslot/bpfprog"
	"github.com/perfslot/perfslot/perfevents"
)

// TimerMigrationError is the kernel-side declaration that measurements
// are no longer reliable: the per-CPU timer fired on a different CPU than
// it was installed on. It is fatal to the collector.
type TimerMigrationError struct {
	ExpectedCPU uint32
	ActualCPU   uint32
}

func (m *TimerMigrationError) Error() string {
	return fmt.Sprintf("timer migration detected: expected CPU %d, actual CPU %d", m.ExpectedCPU, m.ActualCPU)
}

// ErrorHandler consumes error-class records: timer migration (fatal) and
// lost-record notifications (logged and counted).
type ErrorHandler struct {
	fatal      error
	lostEvents uint64
	log        *zap.SugaredLogger
}

// NewErrorHandler creates the handler and subscribes it to timer
// migration records and lost-record notifications.
func NewErrorHandler(dispatcher *perfevents.Dispatcher, log *zap.SugaredLogger) *ErrorHandler {
	m := &ErrorHandler{log: log}

	dispatcher.Subscribe(bpfprog.MsgKindTimerMigrationDetected, m.handleTimerMigration)
	dispatcher.SubscribeLost(m.handleLost)

	return m
}

// Err returns the fatal error, if any. The supervisor checks it after
// every dispatch round and cancels on non-nil.
func (m *ErrorHandler) Err() error {
	return m.fatal
}

// LostEvents returns the total number of records the producer reported
// dropped.
func (m *ErrorHandler) LostEvents() uint64 {
	return m.lostEvents
}

func (m *ErrorHandler) handleTimerMigration(_ int, data []byte) error {
	var msg bpfprog.TimerMigrationMsg
	if err := msg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("failed to parse timer migration record: %w", err)
	}

	m.log.Errorw("timer migration detected: timer pinning failed and measurements are no longer reliable; "+
		"this requires BPF timer CPU pinning (kernel 6.7+) or a working legacy timer migration control",
		zap.Uint32("expected_cpu", msg.ExpectedCPU),
		zap.Uint32("actual_cpu", msg.ActualCPU),
	)

	if m.fatal == nil {
		m.fatal = &TimerMigrationError{
			ExpectedCPU: msg.ExpectedCPU,
			ActualCPU:   msg.ActualCPU,
		}
	}
	return nil
}

func (m *ErrorHandler) handleLost(ringIndex int, data []byte) error {
	if rec, ok := perfevents.ParseLostRecord(data); ok {
		m.lostEvents += rec.LostCount
		m.log.Warnw("producer dropped records",
			zap.Int("ring", ringIndex),
			zap.Uint64("count", rec.LostCount),
		)
		return nil
	}

	m.log.Warnw("producer dropped records", zap.Int("ring", ringIndex))
	return nil
}
