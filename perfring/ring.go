// Package perfring implements the shared-memory ring buffer format used by
// the kernel producer: a perf_event mmap metadata page followed by a
// power-of-two data region. One ring is single-producer/single-consumer;
// ordering across the shared page is maintained with acquire/release
// semantics on the head and tail counters.
package perfring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

// Record types in the event header, matching the perf ABI.
const (
	RecordLost   uint32 = 2
	RecordSample uint32 = 9
)

// EventHeader is the fixed 8-byte prefix of every record in the ring.
type EventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const eventHeaderSize = int(unsafe.Sizeof(EventHeader{}))

var (
	ErrInvalidBufferLength = errors.New("buffer length must be a power of 2 and at least 8 bytes")
	ErrNilBuffer           = errors.New("data buffer cannot be nil")
	ErrNoSpace             = errors.New("buffer full")
	ErrBufferEmpty         = errors.New("buffer empty")
	ErrCannotFit           = errors.New("data too large for buffer")
	ErrEmptyWrite          = errors.New("cannot write empty data")
	ErrSizeExceeded        = errors.New("requested read larger than data")
)

// metaPage mirrors the layout of struct perf_event_mmap_page. Only the
// head/tail counters and the data region geometry are used.
type metaPage struct {
	Version       uint32
	CompatVersion uint32
	_             [1024 - 8]byte
	DataHead      uint64
	DataTail      uint64
	DataOffset    uint64
	DataSize      uint64
	AuxOffset     uint64
	AuxSize       uint64
}

// Ring is one producer/consumer ring over a shared metadata page and data
// region. The local head is the consumer position, the local tail the
// producer position; both are published to the shared page only at batch
// boundaries.
type Ring struct {
	meta    *metaPage
	data    []byte
	bufMask uint64
	head    uint64
	tail    uint64
}

// Init lays a Ring over a contiguous buffer holding the metadata page
// followed by nPages data pages. The buffer must outlive the Ring.
func Init(buf []byte, nPages uint32, pageSize uint64) (*Ring, error) {
	if len(buf) == 0 {
		return nil, ErrNilBuffer
	}

	bufLen := uint64(nPages) * pageSize
	if bufLen&(bufLen-1) != 0 || bufLen < 8 {
		return nil, ErrInvalidBufferLength
	}

	meta := (*metaPage)(unsafe.Pointer(&buf[0]))

	// Older kernels do not fill data_offset; the data region then starts
	// after a full page.
	dataStart := meta.DataOffset
	if dataStart == 0 {
		dataStart = pageSize
	}

	m := &Ring{
		meta:    meta,
		data:    buf[dataStart : dataStart+bufLen],
		bufMask: bufLen - 1,
		head:    atomic.LoadUint64(&meta.DataTail),
		tail:    atomic.LoadUint64(&meta.DataHead),
	}
	return m, nil
}

// StartWriteBatch snapshots the consumer's published position.
func (m *Ring) StartWriteBatch() {
	m.head = atomic.LoadUint64(&m.meta.DataTail)
}

// Write appends one record of the given type. For RecordSample an extra
// 4-byte size field is injected between the header and the payload, as the
// kernel does for PERF_SAMPLE_RAW output. Returns the data offset of the
// payload within the ring.
func (m *Ring) Write(data []byte, eventType uint32) (int, error) {
	if len(data) == 0 {
		return 0, ErrEmptyWrite
	}

	unalignedLen := uint32(len(data) + eventHeaderSize)
	if eventType == RecordSample {
		unalignedLen += 4
	}

	alignedLen := (unalignedLen + 7) &^ 7
	if uint64(alignedLen) > m.bufMask {
		return 0, ErrCannotFit
	}

	if m.tail+uint64(alignedLen)-m.head > m.bufMask+1 {
		return 0, ErrNoSpace
	}

	// The header never wraps: records are 8-byte aligned in a power-of-two
	// buffer of at least 8 bytes.
	headerPos := m.tail & m.bufMask
	binary.LittleEndian.PutUint32(m.data[headerPos:], eventType)
	binary.LittleEndian.PutUint16(m.data[headerPos+4:], 0)
	binary.LittleEndian.PutUint16(m.data[headerPos+6:], uint16(alignedLen))

	dataPos := (m.tail + uint64(eventHeaderSize)) & m.bufMask

	if eventType == RecordSample {
		sizeValue := uint32(len(data)+4+7) &^ 7
		binary.LittleEndian.PutUint32(m.data[dataPos:], sizeValue)
		dataPos = (dataPos + 4) & m.bufMask
	}

	if int(dataPos)+len(data) <= len(m.data) {
		copy(m.data[dataPos:], data)
	} else {
		first := len(m.data) - int(dataPos)
		copy(m.data[dataPos:], data[:first])
		copy(m.data, data[first:])
	}

	m.tail += uint64(alignedLen)
	return int(dataPos), nil
}

// FinishWriteBatch publishes all writes of the batch to the consumer.
func (m *Ring) FinishWriteBatch() {
	atomic.StoreUint64(&m.meta.DataHead, m.tail)
}

// StartReadBatch snapshots the producer's published position.
func (m *Ring) StartReadBatch() {
	m.tail = atomic.LoadUint64(&m.meta.DataHead)
}

// PeekSize returns the payload size of the next record, excluding the
// event header.
func (m *Ring) PeekSize() (int, error) {
	if m.tail == m.head {
		return 0, ErrBufferEmpty
	}

	pos := m.head & m.bufMask
	size := binary.LittleEndian.Uint16(m.data[pos+6:])
	return int(size) - eventHeaderSize, nil
}

// PeekType returns the event type of the next record. Only valid when the
// ring is non-empty.
func (m *Ring) PeekType() uint32 {
	pos := m.head & m.bufMask
	return binary.LittleEndian.Uint32(m.data[pos:])
}

// PeekCopy copies len(buf) payload bytes of the next record, starting at
// the given offset past the event header, without consuming the record.
// The copy stitches the two halves when the region wraps the physical end
// of the buffer.
func (m *Ring) PeekCopy(buf []byte, offset uint16) error {
	size, err := m.PeekSize()
	if err != nil {
		return err
	}

	if int(offset)+len(buf) > size {
		return ErrSizeExceeded
	}
	if len(buf) == 0 {
		return nil
	}

	startPos := (m.head + uint64(eventHeaderSize) + uint64(offset)) & m.bufMask
	endPos := (startPos + uint64(len(buf)) - 1) & m.bufMask

	if endPos < startPos {
		first := len(m.data) - int(startPos)
		copy(buf, m.data[startPos:])
		copy(buf[first:], m.data)
	} else {
		copy(buf, m.data[startPos:])
	}

	return nil
}

// Pop consumes the next record. Only the local head advances; the shared
// tail is published in FinishReadBatch.
func (m *Ring) Pop() error {
	if m.tail == m.head {
		return ErrBufferEmpty
	}

	pos := m.head & m.bufMask
	size := binary.LittleEndian.Uint16(m.data[pos+6:])
	m.head += uint64(size)
	return nil
}

// FinishReadBatch publishes the consumed position back to the producer.
func (m *Ring) FinishReadBatch() {
	atomic.StoreUint64(&m.meta.DataTail, m.head)
}

// BytesRemaining returns the number of unconsumed bytes in the current
// read batch.
func (m *Ring) BytesRemaining() uint32 {
	return uint32(m.tail - m.head)
}
