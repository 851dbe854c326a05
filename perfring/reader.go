package perfring

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNoRings       = errors.New("no rings available")
	ErrNotActive     = errors.New("reader is not active")
	ErrAlreadyActive = errors.New("reader is already active")
)

// Offset of the 64-bit timestamp within a sample payload: past the
// kernel-injected size field and the message kind.
const sampleTimestampOffset = 8

// entry is one ring's head record in the merge heap.
type entry struct {
	timestamp uint64
	ringIndex int
}

// entryHeap is a min-heap over (timestamp, ringIndex). Equal timestamps
// order by ring index ascending; the tie-break is stable and documented so
// tests can rely on it.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return h[i].ringIndex < h[j].ringIndex
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Reader merges records from multiple rings into one stream ordered by
// sample timestamp. It is an explicit two-state machine: rings are added
// while idle, then Start opens a read batch across all rings and the
// consume operations become available until Finish.
type Reader struct {
	rings  []*Ring
	heap   entryHeap
	inHeap []bool
	active bool
}

// NewReader creates an empty merge reader.
func NewReader() *Reader {
	return &Reader{}
}

// AddRing registers a ring with the reader. Rings can only be added while
// no read batch is active.
func (m *Reader) AddRing(ring *Ring) error {
	if m.active {
		return ErrAlreadyActive
	}

	m.rings = append(m.rings, ring)
	m.inHeap = append(m.inHeap, false)
	return nil
}

// Start begins a read batch: every ring snapshots its producer position
// and non-empty rings enter the merge heap.
func (m *Reader) Start() error {
	if len(m.rings) == 0 {
		return ErrNoRings
	}
	if m.active {
		return ErrAlreadyActive
	}

	for i, ring := range m.rings {
		ring.StartReadBatch()

		if !m.inHeap[i] {
			if err := m.maintainHeapEntry(i); err != nil {
				return err
			}
		}
	}

	m.active = true
	return nil
}

// Finish ends the read batch, publishing consumed positions back to the
// producers. Finishing an idle reader is a no-op.
func (m *Reader) Finish() error {
	if !m.active {
		return nil
	}

	m.heap = m.heap[:0]
	for i, ring := range m.rings {
		ring.FinishReadBatch()
		m.inHeap[i] = false
	}

	m.active = false
	return nil
}

// Empty reports whether there are no more records in the current batch.
// An idle reader is always empty.
func (m *Reader) Empty() bool {
	if !m.active {
		return true
	}
	return len(m.heap) == 0
}

// PeekTimestamp returns the merge key of the next record. Lost records and
// malformed samples carry key 0 so they surface ahead of everything else.
func (m *Reader) PeekTimestamp() (uint64, error) {
	if !m.active {
		return 0, ErrNotActive
	}
	if len(m.heap) == 0 {
		return 0, ErrBufferEmpty
	}
	return m.heap[0].timestamp, nil
}

// CurrentRing returns the ring holding the next record and its index.
func (m *Reader) CurrentRing() (*Ring, int, error) {
	if !m.active {
		return nil, 0, ErrNotActive
	}
	if len(m.heap) == 0 {
		return nil, 0, ErrBufferEmpty
	}
	idx := m.heap[0].ringIndex
	return m.rings[idx], idx, nil
}

// Pop consumes the next record and recomputes the source ring's heap
// entry.
func (m *Reader) Pop() error {
	if !m.active {
		return ErrNotActive
	}
	if len(m.heap) == 0 {
		return ErrBufferEmpty
	}

	e := heap.Pop(&m.heap).(entry)
	m.inHeap[e.ringIndex] = false

	if err := m.rings[e.ringIndex].Pop(); err != nil {
		return fmt.Errorf("failed to pop ring %d: %w", e.ringIndex, err)
	}

	return m.maintainHeapEntry(e.ringIndex)
}

// maintainHeapEntry inserts the heap entry for a ring's head record. The
// ring must not currently be in the heap.
//
// The merge key is the 8-byte little-endian timestamp at its fixed offset
// in the sample payload. A key of 0 is assigned to non-sample records
// (lost-record notifications), samples too short to contain the header,
// and failed timestamp reads. This is a policy choice, not an accident:
// such records have no usable timestamp and must be surfaced to the
// consumer as early as possible.
func (m *Reader) maintainHeapEntry(idx int) error {
	ring := m.rings[idx]
	if ring.BytesRemaining() == 0 {
		return nil
	}

	var timestamp uint64
	if ring.PeekType() == RecordSample {
		var buf [8]byte
		if err := ring.PeekCopy(buf[:], sampleTimestampOffset); err == nil {
			timestamp = binary.LittleEndian.Uint64(buf[:])
		}
	}

	heap.Push(&m.heap, entry{timestamp: timestamp, ringIndex: idx})
	m.inHeap[idx] = true
	return nil
}
