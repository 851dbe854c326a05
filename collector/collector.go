package collector

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perfslot/perfslot/bpfprog"
	"github.com/perfslot/perfslot/common/xcmd"
	"github.com/perfslot/perfslot/nri"
	"github.com/perfslot/perfslot/parquetout"
	"github.com/perfslot/perfslot/perfevents"
	"github.com/perfslot/perfslot/storage"
	"github.com/perfslot/perfslot/synctimer"
)

// pollTimeoutMs bounds the kernel producer wait so the polling thread
// observes cancellation promptly.
const pollTimeoutMs = 10

// timeslotChannelCapacity bounds the completed-timeslot handoff between
// the polling thread and the conversion task.
const timeslotChannelCapacity = 100

// batchChannelCapacity bounds the record batch handoff to the writer.
const batchChannelCapacity = 8

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures the collector.
type Option func(*options)

// WithLog sets the logger for the collector.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Collector is the process supervisor: it bootstraps the producer,
// arranges the synchronized timer, runs the polling thread and the
// writer tasks, and propagates cancellation between them.
type Collector struct {
	cfg *Config
	log *zap.SugaredLogger
}

// New creates a collector from the given configuration.
func New(cfg *Config, opts ...Option) (*Collector, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Collector{
		cfg: cfg,
		log: o.Log,
	}, nil
}

// newStore builds the object store selected by the configuration. The
// store must be reachable at startup; configuration errors fail fast.
func (m *Collector) newStore(ctx context.Context) (storage.Store, error) {
	switch m.cfg.Storage.Type {
	case "local":
		return storage.NewLocalStore(m.cfg.Storage.Directory)
	case "s3":
		return storage.NewS3Store(ctx, m.cfg.Storage.S3)
	}
	return nil, fmt.Errorf("unknown storage type %q", m.cfg.Storage.Type)
}

// Run collects until the context is cancelled, the configured duration
// elapses, or a fatal error arises.
func (m *Collector) Run(ctx context.Context) error {
	if m.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Duration)
		defer cancel()
	}

	producer, err := bpfprog.Load(
		bpfprog.WithLog(m.log),
		bpfprog.WithObjectPath(m.cfg.BPF.ObjectPath),
	)
	if err != nil {
		return fmt.Errorf("failed to load producer: %w", err)
	}
	defer producer.Close()

	// The timer must be pinned on every CPU before any samples are
	// consumed; after this each CPU emits one timer-finished record per
	// timeslot.
	if err := synctimer.Initialize(producer, synctimer.WithLog(m.log)); err != nil {
		return fmt.Errorf("failed to initialize synchronized timer: %w", err)
	}

	if err := producer.Attach(); err != nil {
		return fmt.Errorf("failed to attach producer: %w", err)
	}

	nCPU, err := producer.NumPossibleCPUs()
	if err != nil {
		return fmt.Errorf("failed to get CPU count: %w", err)
	}

	mapReader, err := perfevents.NewMapReader(producer.Events(), m.cfg.BPF.BufferPages, m.cfg.BPF.WatermarkBytes)
	if err != nil {
		return fmt.Errorf("failed to set up ring reader: %w", err)
	}
	defer mapReader.Close()

	poller, err := perfevents.NewPoller(mapReader.FileDescriptors())
	if err != nil {
		return fmt.Errorf("failed to set up poller: %w", err)
	}
	defer poller.Close()

	store, err := m.newStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}

	dispatcher := perfevents.NewDispatcher()
	timeslots := NewTimeslotTracker(dispatcher, uint64(m.cfg.SlotWidth.Nanoseconds()), nCPU, m.log)
	errorHandler := NewErrorHandler(dispatcher, m.log)
	tasks := NewTaskTracker(dispatcher, timeslots, m.log)

	writerCfg := parquetout.Config{
		StoragePrefix:   m.cfg.Storage.Prefix,
		BufferSize:      m.cfg.Parquet.BufferSize.Bytes(),
		FileSizeLimit:   m.cfg.Parquet.FileSizeLimit.Bytes(),
		MaxRowGroupSize: m.cfg.Parquet.MaxRowGroupSize,
		StorageQuota:    m.cfg.Parquet.StorageQuota.Bytes(),
	}

	// Any supervised task exiting, with or without an error, cancels the
	// others.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg, ctx := errgroup.WithContext(ctx)

	var (
		rotate       func()
		traceBuilder *TraceBuilder
	)

	if m.cfg.Trace {
		writer, err := parquetout.NewWriter[parquetout.TraceRow](ctx, store, writerCfg, m.log)
		if err != nil {
			return fmt.Errorf("failed to create trace writer: %w", err)
		}
		task := parquetout.NewTask(writer, batchChannelCapacity, m.log)
		traceBuilder = NewTraceBuilder(dispatcher, tasks, task.Send, DefaultTraceCapacity, m.log)
		rotate = task.Rotate

		wg.Go(func() error {
			defer cancel()
			return task.Run(ctx)
		})
	} else {
		writer, err := parquetout.NewWriter[parquetout.TimeslotRow](ctx, store, writerCfg, m.log)
		if err != nil {
			return fmt.Errorf("failed to create timeslot writer: %w", err)
		}
		task := parquetout.NewTask(writer, batchChannelCapacity, m.log)
		rotate = task.Rotate

		timeslotCh := make(chan *TimeslotData, timeslotChannelCapacity)
		NewAggregator(dispatcher, timeslots, tasks, timeslotCh, m.log)
		conversion := NewConversionTask(timeslotCh, task.Send)

		wg.Go(func() error {
			defer cancel()
			return task.Run(ctx)
		})
		wg.Go(func() error {
			defer cancel()
			return conversion.Run(ctx)
		})
	}

	metadataCh := make(chan nri.Message, m.cfg.NRI.ChannelCapacity)
	containers := nri.NewIndex()
	if m.cfg.NRI.Enabled {
		plugin, err := nri.NewPlugin(metadataCh,
			nri.WithLog(m.log),
			nri.WithSocketPath(m.cfg.NRI.SocketPath),
		)
		if err != nil {
			return fmt.Errorf("failed to create NRI plugin: %w", err)
		}
		wg.Go(func() error {
			defer cancel()
			return plugin.Run(ctx)
		})
	}

	// SIGUSR1 rotates the current output file.
	wg.Go(func() error {
		defer cancel()
		xcmd.NotifyRotate(ctx, rotate)
		return nil
	})

	wg.Go(func() error {
		defer cancel()
		return m.runPollLoop(ctx, poller, mapReader, dispatcher, timeslots, errorHandler, traceBuilder, metadataCh, containers)
	})

	err = wg.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// runPollLoop is the dedicated polling thread: it blocks on the producer
// with a bounded timeout, then dispatches everything that arrived. All
// trackers live on this thread and need no locks.
func (m *Collector) runPollLoop(
	ctx context.Context,
	poller *perfevents.Poller,
	mapReader *perfevents.MapReader,
	dispatcher *perfevents.Dispatcher,
	timeslots *TimeslotTracker,
	errorHandler *ErrorHandler,
	traceBuilder *TraceBuilder,
	metadataCh <-chan nri.Message,
	containers *nri.Index,
) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	reader := mapReader.Reader()

	for {
		if ctx.Err() != nil {
			m.logStats(dispatcher, errorHandler)
			if traceBuilder != nil {
				traceBuilder.Flush()
			}
			return nil
		}

		if _, err := poller.Wait(pollTimeoutMs); err != nil {
			return fmt.Errorf("producer wait failed: %w", err)
		}

		if err := reader.Start(); err != nil {
			return fmt.Errorf("failed to start read batch: %w", err)
		}
		dispatchErr := dispatcher.DispatchAll(reader)
		if err := reader.Finish(); err != nil {
			return fmt.Errorf("failed to finish read batch: %w", err)
		}
		if dispatchErr != nil {
			return fmt.Errorf("dispatch failed: %w", dispatchErr)
		}

		// Tracker errors indicate a producer bug; timer migration means
		// measurements can no longer be trusted. Both cancel the run.
		if err := timeslots.Err(); err != nil {
			return err
		}
		if err := errorHandler.Err(); err != nil {
			return err
		}

		if traceBuilder != nil {
			traceBuilder.FlushIfStale()
		}

		// Fold in whatever container metadata arrived since the last
		// poll.
		for {
			select {
			case msg := <-metadataCh:
				containers.Apply(msg)
				continue
			default:
			}
			break
		}
	}
}

func (m *Collector) logStats(dispatcher *perfevents.Dispatcher, errorHandler *ErrorHandler) {
	stats := dispatcher.Stats()
	m.log.Infow("collection finished",
		zap.Uint64("samples", stats.SamplesProcessed),
		zap.Uint64("lost_notifications", stats.LostEventsProcessed),
		zap.Uint64("lost_records", errorHandler.LostEvents()),
		zap.Uint64("dropped", stats.DroppedMessages),
		zap.Uint64("callback_errors", stats.CallbackErrors),
	)
}
