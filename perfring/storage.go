package perfring

import "os"

// Storage provides the backing memory for one Ring: a metadata page
// followed by a power-of-two number of data pages.
type Storage interface {
	// Data returns the full mapping, metadata page included.
	Data() []byte
	// NumDataPages returns the number of data pages following the
	// metadata page.
	NumDataPages() uint32
	// PageSize returns the page size the mapping was built with.
	PageSize() uint64
	// FileDescriptor returns the perf event fd backing the mapping, or -1
	// when the storage is not kernel-backed.
	FileDescriptor() int
}

// MemoryStorage is a heap-backed Storage with the same layout as the
// kernel mapping. It is used in tests and for inter-thread rings.
type MemoryStorage struct {
	data       []byte
	nDataPages uint32
	pageSize   uint64
}

// NewMemoryStorage allocates storage for a ring with nPages data pages.
func NewMemoryStorage(nPages uint32) *MemoryStorage {
	pageSize := uint64(os.Getpagesize())
	totalSize := pageSize * uint64(1+nPages)

	return &MemoryStorage{
		data:       make([]byte, totalSize),
		nDataPages: nPages,
		pageSize:   pageSize,
	}
}

func (m *MemoryStorage) Data() []byte         { return m.data }
func (m *MemoryStorage) NumDataPages() uint32 { return m.nDataPages }
func (m *MemoryStorage) PageSize() uint64     { return m.pageSize }
func (m *MemoryStorage) FileDescriptor() int  { return -1 }
