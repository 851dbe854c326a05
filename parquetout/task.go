package parquetout

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task owns a Writer and consumes record batches from a bounded channel,
// plus a single-slot channel of external rotate signals. The hot path
// feeds it with non-blocking sends: backpressure is handled by dropping
// and counting, never by blocking the polling thread.
type Task[T any] struct {
	writer  *Writer[T]
	batches chan []T
	rotate  chan struct{}
	dropped atomic.Uint64
	log     *zap.SugaredLogger
}

// NewTask creates the writer task with the given input channel capacity.
func NewTask[T any](writer *Writer[T], channelCapacity int, log *zap.SugaredLogger) *Task[T] {
	return &Task[T]{
		writer:  writer,
		batches: make(chan []T, channelCapacity),
		rotate:  make(chan struct{}, 1),
		log:     log,
	}
}

// Send enqueues a batch without blocking. Returns false when the channel
// is full and the batch was dropped.
func (m *Task[T]) Send(batch []T) bool {
	select {
	case m.batches <- batch:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of batches dropped on a full channel.
func (m *Task[T]) Dropped() uint64 {
	return m.dropped.Load()
}

// Rotate requests closing the current file and starting a new one. A
// second signal while one is pending is dropped.
func (m *Task[T]) Rotate() {
	select {
	case m.rotate <- struct{}{}:
	default:
	}
}

// Run consumes batches until the context is cancelled, then drains
// whatever is already queued and closes the current file. Any writer I/O
// error is fatal and propagates to the supervisor.
func (m *Task[T]) Run(ctx context.Context) error {
	defer func() {
		if err := m.writer.Close(); err != nil {
			m.log.Errorw("failed to close writer on shutdown", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return m.drain()
		case batch := <-m.batches:
			if err := m.writer.Write(ctx, batch); err != nil {
				return err
			}
		case <-m.rotate:
			if err := m.writer.Rotate(ctx); err != nil {
				return err
			}
			m.log.Info("rotated output file")
		}
	}
}

// drain writes batches already queued at cancellation. Writes during
// shutdown use a background context: the store may need it after the
// run context is gone.
func (m *Task[T]) drain() error {
	for {
		select {
		case batch := <-m.batches:
			if err := m.writer.Write(context.Background(), batch); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
