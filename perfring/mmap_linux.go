package perfring

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapStorage is kernel-backed Storage: a perf event opened with
// PERF_COUNT_SW_BPF_OUTPUT and mmapped so the producer writes records
// directly into the shared pages.
type MmapStorage struct {
	data       []byte
	nDataPages uint32
	pageSize   uint64
	fd         int
}

// NewMmapStorage opens a perf event for the given CPU and maps a metadata
// page plus nPages data pages. A watermark of 0 wakes the consumer on
// every event; otherwise the consumer is woken once watermarkBytes are
// pending.
func NewMmapStorage(cpu int, nPages uint32, watermarkBytes uint32) (*MmapStorage, error) {
	pageSize := uint64(os.Getpagesize())

	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_BPF_OUTPUT,
		Sample_type: unix.PERF_SAMPLE_RAW,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	if watermarkBytes > 0 {
		attr.Bits = unix.PerfBitWatermark
		attr.Wakeup = watermarkBytes
	} else {
		attr.Wakeup = 1
	}

	fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to open perf event on CPU %d: %w", cpu, err)
	}

	totalSize := int(pageSize) * int(1+nPages)
	data, err := unix.Mmap(fd, 0, totalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to mmap perf ring for CPU %d: %w", cpu, err)
	}

	return &MmapStorage{
		data:       data,
		nDataPages: nPages,
		pageSize:   pageSize,
		fd:         fd,
	}, nil
}

func (m *MmapStorage) Data() []byte         { return m.data }
func (m *MmapStorage) NumDataPages() uint32 { return m.nDataPages }
func (m *MmapStorage) PageSize() uint64     { return m.pageSize }
func (m *MmapStorage) FileDescriptor() int  { return m.fd }

// Close unmaps the ring pages and closes the perf event.
func (m *MmapStorage) Close() error {
	var firstErr error
	if m.data != nil {
		firstErr = unix.Munmap(m.data)
		m.data = nil
	}
	if m.fd >= 0 {
		if err := unix.Close(m.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		m.fd = -1
	}
	return firstErr
}
