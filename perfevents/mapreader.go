package perfevents

import (
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"github.com/perfslot/perfslot/perfring"
)

// MapReader owns one mmapped ring per CPU, all connected to the
// producer's PERF_EVENT_ARRAY events map, and the merge reader over them.
type MapReader struct {
	storage []*perfring.MmapStorage
	reader  *perfring.Reader
}

// NewMapReader opens a BPF-output perf event for every CPU tracked by the
// events map, maps its ring pages, installs the descriptors into the map
// and builds the merge reader. bufferPages is the per-CPU data region size
// in pages and must be a power of two; watermarkBytes of 0 wakes the
// consumer on every record.
func NewMapReader(events *ebpf.Map, bufferPages uint32, watermarkBytes uint32) (*MapReader, error) {
	nCPU := int(events.MaxEntries())
	if nCPU < 1 {
		return nil, fmt.Errorf("invalid number of CPUs in events map: %d", nCPU)
	}

	m := &MapReader{
		storage: make([]*perfring.MmapStorage, 0, nCPU),
		reader:  perfring.NewReader(),
	}

	fds := make([]int, 0, nCPU)
	for cpu := 0; cpu < nCPU; cpu++ {
		storage, err := perfring.NewMmapStorage(cpu, bufferPages, watermarkBytes)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create ring storage for CPU %d: %w", cpu, err)
		}
		m.storage = append(m.storage, storage)
		fds = append(fds, storage.FileDescriptor())

		ring, err := perfring.Init(storage.Data(), storage.NumDataPages(), storage.PageSize())
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to initialize ring for CPU %d: %w", cpu, err)
		}

		if err := m.reader.AddRing(ring); err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to add ring for CPU %d: %w", cpu, err)
		}
	}

	if err := updateMapWithFDs(events, fds); err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

// Reader returns the merge reader over the per-CPU rings.
func (m *MapReader) Reader() *perfring.Reader {
	return m.reader
}

// FileDescriptors returns the perf event descriptors, indexed by CPU.
func (m *MapReader) FileDescriptors() []int {
	fds := make([]int, 0, len(m.storage))
	for _, s := range m.storage {
		fds = append(fds, s.FileDescriptor())
	}
	return fds
}

// Close unmaps and closes every per-CPU ring.
func (m *MapReader) Close() error {
	var firstErr error
	for _, s := range m.storage {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.storage = nil
	return firstErr
}

// Poller waits for any of the per-CPU rings to become readable, with a
// bounded timeout so the polling thread can observe cancellation.
type Poller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewPoller builds an epoll set over the given perf event descriptors.
func NewPoller(fds []int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}

	for i, fd := range fds {
		event := unix.EpollEvent{
			Events: unix.EPOLLIN,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
			unix.Close(epfd)
			return nil, fmt.Errorf("failed to add ring %d to epoll: %w", i, err)
		}
	}

	return &Poller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, max(len(fds), 1)),
	}, nil
}

// Wait blocks until at least one ring is readable or the timeout elapses.
// Returns the number of ready descriptors; 0 means the wait timed out.
func (m *Poller) Wait(timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(m.epfd, m.events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll wait failed: %w", err)
		}
		return n, nil
	}
}

// Close releases the epoll instance.
func (m *Poller) Close() error {
	if m.epfd >= 0 {
		err := unix.Close(m.epfd)
		m.epfd = -1
		return err
	}
	return nil
}
