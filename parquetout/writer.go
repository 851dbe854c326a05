package parquetout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/perfslot/perfslot/storage"
)

// Config controls buffering, rotation and the storage quota.
type Config struct {
	// StoragePrefix is prepended to every filename verbatim; no separator
	// is injected, so include a trailing "/" or "-" if one is wanted.
	StoragePrefix string
	// BufferSize is the pending-bytes threshold that forces a row group
	// flush inside the current file.
	BufferSize uint64
	// FileSizeLimit is the per-file size threshold that triggers rotation.
	FileSizeLimit uint64
	// MaxRowGroupSize bounds row group length in rows.
	MaxRowGroupSize int64
	// StorageQuota is checked against the bytes of closed files, the
	// flushed bytes of the open file and the estimate of buffered rows.
	// Zero means unlimited. Once crossed, the writer stops for good. The
	// footer written on close is not counted and buffered rows are only
	// estimated, so the bytes in storage can end up above the quota.
	StorageQuota uint64
	// RowSizeEstimate approximates the buffered size of one encoded row
	// for the in-memory accounting.
	RowSizeEstimate uint64
}

// DefaultConfig returns the writer defaults.
func DefaultConfig() Config {
	return Config{
		StoragePrefix:   "metrics-",
		BufferSize:      100 << 20,
		FileSizeLimit:   1 << 30,
		MaxRowGroupSize: 1 << 20,
		RowSizeEstimate: 64,
	}
}

// countingWriter tracks the compressed bytes that reached the object
// store for the current file.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (m *countingWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	m.n += uint64(n)
	return n, err
}

// Writer streams rows of one schema into rotating parquet files with
// snappy-compressed row groups.
//
// Size accounting per file: flushedOpen() is the compressed bytes of
// row groups already flushed for the current file (observed at the store
// boundary), bytesInMemory estimates the rows buffered in the encoder.
// The sum of closed-file bytes, flushed bytes and buffered bytes is
// checked against the quota.
type Writer[T any] struct {
	store storage.Store
	cfg   Config
	log   *zap.SugaredLogger

	pw       *parquet.GenericWriter[T]
	counting *countingWriter
	obj      io.WriteCloser
	objName  string

	bytesClosed   uint64
	bytesInMemory uint64
	rowsInFile    int64
}

// NewWriter creates a writer over the store and opens the initial file.
func NewWriter[T any](ctx context.Context, store storage.Store, cfg Config, log *zap.SugaredLogger) (*Writer[T], error) {
	if cfg.RowSizeEstimate == 0 {
		cfg.RowSizeEstimate = DefaultConfig().RowSizeEstimate
	}

	m := &Writer[T]{
		store: store,
		cfg:   cfg,
		log:   log,
	}

	if err := m.createFile(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// generateFileName builds {prefix}{UTC compact ISO8601}-{8 hex}.parquet.
func (m *Writer[T]) generateFileName() string {
	timestamp := time.Now().UTC().Format("20060102T150405Z")

	suffix := make([]byte, 4)
	rand.Read(suffix)

	return fmt.Sprintf("%s%s-%s.parquet", m.cfg.StoragePrefix, timestamp, hex.EncodeToString(suffix))
}

// createFile opens a new object and parquet writer, subject to quota.
func (m *Writer[T]) createFile(ctx context.Context) error {
	if m.pw != nil {
		return fmt.Errorf("cannot create new file while there is an open writer")
	}

	if !m.belowQuota() {
		m.log.Debug("not creating new file: storage quota reached")
		return nil
	}

	name := m.generateFileName()
	obj, err := m.store.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to create object %s: %w", name, err)
	}

	counting := &countingWriter{w: obj}
	m.pw = parquet.NewGenericWriter[T](counting,
		parquet.Compression(&parquet.Snappy),
		parquet.MaxRowsPerRowGroup(m.cfg.MaxRowGroupSize),
	)
	m.counting = counting
	m.obj = obj
	m.objName = name
	m.bytesInMemory = 0
	m.rowsInFile = 0

	m.log.Debugw("created new parquet file", zap.String("name", name))
	return nil
}

func (m *Writer[T]) belowQuota() bool {
	if m.cfg.StorageQuota == 0 {
		return true
	}
	total := m.bytesClosed + m.flushedOpen() + m.bytesInMemory
	return total < m.cfg.StorageQuota
}

func (m *Writer[T]) flushedOpen() uint64 {
	if m.counting == nil {
		return 0
	}
	return m.counting.n
}

// Write appends rows to the current file, flushing and rotating per the
// configured thresholds. Once the quota is crossed the writer closes the
// current file and every later call returns immediately without output.
func (m *Writer[T]) Write(ctx context.Context, rows []T) error {
	if !m.belowQuota() {
		return nil
	}
	if m.pw == nil {
		// The previous rotation was suppressed by the quota.
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	if _, err := m.pw.Write(rows); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	m.bytesInMemory += uint64(len(rows)) * m.cfg.RowSizeEstimate
	m.rowsInFile += int64(len(rows))

	if !m.belowQuota() {
		m.log.Infow("storage quota exceeded, stopping writes",
			zap.Uint64("quota", m.cfg.StorageQuota))
		if err := m.closeFile(); err != nil {
			return err
		}
		// The written size may be slightly under the quota; pin the
		// counter so the quota check fails deterministically from now on.
		m.bytesClosed = m.cfg.StorageQuota
		return nil
	}

	if m.bytesInMemory >= m.cfg.BufferSize {
		m.log.Debugw("flushing row group",
			zap.Uint64("buffered", m.bytesInMemory),
			zap.Uint64("limit", m.cfg.BufferSize))
		if err := m.flush(); err != nil {
			return err
		}
	}

	if m.flushedOpen()+m.bytesInMemory >= m.cfg.FileSizeLimit {
		m.log.Infow("rotating file due to size limit",
			zap.String("name", m.objName),
			zap.Uint64("flushed", m.flushedOpen()),
			zap.Uint64("limit", m.cfg.FileSizeLimit))
		if err := m.closeFile(); err != nil {
			return err
		}
		if err := m.createFile(ctx); err != nil {
			return err
		}
	}

	return nil
}

// flush closes the current row group, pushing buffered rows through the
// compressor to the store.
func (m *Writer[T]) flush() error {
	if m.pw == nil {
		return nil
	}
	if err := m.pw.Flush(); err != nil {
		return fmt.Errorf("failed to flush row group: %w", err)
	}
	m.bytesInMemory = 0
	return nil
}

// closeFile finishes the parquet footer and closes the object.
func (m *Writer[T]) closeFile() error {
	if m.pw == nil {
		return nil
	}

	err := m.pw.Close()
	m.pw = nil
	if closeErr := m.obj.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to close parquet file %s: %w", m.objName, err)
	}

	m.log.Debugw("closed parquet file",
		zap.String("name", m.objName),
		zap.Int64("rows", m.rowsInFile),
		zap.Uint64("compressed_bytes", m.counting.n))

	m.bytesClosed += m.counting.n
	m.counting = nil
	m.obj = nil
	m.bytesInMemory = 0
	return nil
}

// Rotate closes the current file and opens a new one, subject to quota.
func (m *Writer[T]) Rotate(ctx context.Context) error {
	if err := m.closeFile(); err != nil {
		return err
	}
	return m.createFile(ctx)
}

// Close finishes the current file.
func (m *Writer[T]) Close() error {
	return m.closeFile()
}
