// Package perfevents connects the per-CPU shared-memory rings to the rest
// of the collector: it opens the kernel-side perf events, installs their
// descriptors into the producer's maps, merges the rings into one
// timestamp-ordered stream and demultiplexes records to subscribers.
package perfevents

import "encoding/binary"

// SampleHeader is the fixed prefix every sample payload begins with: the
// kernel-injected size field, the message kind and the monotonic
// timestamp in nanoseconds.
type SampleHeader struct {
	Size      uint32
	Kind      uint32
	Timestamp uint64
}

// SampleHeaderSize is the encoded size of SampleHeader on the wire.
const SampleHeaderSize = 16

// ParseSampleHeader decodes the sample prefix from a raw payload. The
// second return value is false when the payload is too short to contain
// the header.
func ParseSampleHeader(data []byte) (SampleHeader, bool) {
	if len(data) < SampleHeaderSize {
		return SampleHeader{}, false
	}
	return SampleHeader{
		Size:      binary.LittleEndian.Uint32(data),
		Kind:      binary.LittleEndian.Uint32(data[4:]),
		Timestamp: binary.LittleEndian.Uint64(data[8:]),
	}, true
}

// LostRecord is the payload of a lost-record notification: the perf event
// id and the number of records the producer dropped. It carries no usable
// timestamp.
type LostRecord struct {
	ID        uint64
	LostCount uint64
}

// LostRecordSize is the encoded size of LostRecord on the wire.
const LostRecordSize = 16

// ParseLostRecord decodes a lost-record payload. The second return value
// is false when the payload is too short.
func ParseLostRecord(data []byte) (LostRecord, bool) {
	if len(data) < LostRecordSize {
		return LostRecord{}, false
	}
	return LostRecord{
		ID:        binary.LittleEndian.Uint64(data),
		LostCount: binary.LittleEndian.Uint64(data[8:]),
	}, true
}
