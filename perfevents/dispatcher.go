package perfevents

import (
	"errors"
	"fmt"

	"github.com/perfslot/perfslot/perfring"
)

// ErrInvalidFormat reports a sample record too short to contain the sample
// header.
var ErrInvalidFormat = errors.New("invalid message format")

// Callback receives one record: the index of the ring it arrived on (the
// producing CPU) and the payload bytes. The payload is a view into the
// dispatcher's scratch buffer and must not be retained across the call.
// Callbacks run synchronously on the polling thread and must not block.
type Callback func(ringIndex int, data []byte) error

// Stats tracks dispatcher counters.
type Stats struct {
	// SamplesProcessed counts sample records delivered to subscribers.
	SamplesProcessed uint64
	// LostEventsProcessed counts lost-record notifications delivered.
	LostEventsProcessed uint64
	// CallbackErrors counts errors returned by subscriber callbacks.
	// Callback errors never stop the pipeline.
	CallbackErrors uint64
	// DroppedMessages counts records with no registered subscriber,
	// records of unhandled types and malformed samples.
	DroppedMessages uint64
}

// Dispatcher routes records from a merge reader to subscribers keyed by
// message kind. Lost-record notifications have their own subscriber list.
// Subscription happens once at startup; Dispatch runs on the polling
// thread and allocates no memory per record.
type Dispatcher struct {
	sampleSubscribers map[uint32][]Callback
	lostSubscribers   []Callback
	stats             Stats
	scratch           []byte
}

// NewDispatcher creates a dispatcher with no subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		sampleSubscribers: map[uint32][]Callback{},
		scratch:           make([]byte, 4096),
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (m *Dispatcher) Stats() Stats {
	return m.stats
}

// Subscribe registers a callback for samples of the given message kind.
// Callbacks for the same kind run in registration order.
func (m *Dispatcher) Subscribe(kind uint32, cb Callback) {
	m.sampleSubscribers[kind] = append(m.sampleSubscribers[kind], cb)
}

// SubscribeLost registers a callback for lost-record notifications.
func (m *Dispatcher) SubscribeLost(cb Callback) {
	m.lostSubscribers = append(m.lostSubscribers, cb)
}

// Dispatch delivers the next record from the reader, if any, and pops it.
func (m *Dispatcher) Dispatch(reader *perfring.Reader) error {
	if reader.Empty() {
		return nil
	}

	ring, ringIndex, err := reader.CurrentRing()
	if err != nil {
		return fmt.Errorf("failed to get current ring: %w", err)
	}

	size, err := ring.PeekSize()
	if err != nil {
		return fmt.Errorf("failed to peek record size: %w", err)
	}
	if size > len(m.scratch) {
		m.scratch = make([]byte, size)
	}
	data := m.scratch[:size]
	if err := ring.PeekCopy(data, 0); err != nil {
		return fmt.Errorf("failed to copy record: %w", err)
	}

	switch ring.PeekType() {
	case perfring.RecordSample:
		header, ok := ParseSampleHeader(data)
		if !ok {
			// Malformed samples are dropped and popped so the pipeline
			// keeps making progress; the caller decides what to log.
			m.stats.DroppedMessages++
			if popErr := reader.Pop(); popErr != nil {
				return popErr
			}
			return fmt.Errorf("%w: sample too small to contain message kind and timestamp", ErrInvalidFormat)
		}

		if subscribers, ok := m.sampleSubscribers[header.Kind]; ok {
			for _, cb := range subscribers {
				if err := cb(ringIndex, data); err != nil {
					m.stats.CallbackErrors++
				}
			}
			m.stats.SamplesProcessed++
		} else {
			m.stats.DroppedMessages++
		}

	case perfring.RecordLost:
		for _, cb := range m.lostSubscribers {
			if err := cb(ringIndex, data); err != nil {
				m.stats.CallbackErrors++
			}
		}
		m.stats.LostEventsProcessed++

	default:
		m.stats.DroppedMessages++
	}

	return reader.Pop()
}

// DispatchAll delivers records until the reader is empty or a fatal error
// arises. Malformed samples are not fatal: they are counted, popped and
// skipped.
func (m *Dispatcher) DispatchAll(reader *perfring.Reader) error {
	for !reader.Empty() {
		if err := m.Dispatch(reader); err != nil {
			if errors.Is(err, ErrInvalidFormat) {
				continue
			}
			return err
		}
	}
	return nil
}
