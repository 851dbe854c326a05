package bpfprog

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/perfslot/perfslot/perfevents"
)

// DefaultObjectPath is where packaging installs the producer's compiled
// object file.
const DefaultObjectPath = "/usr/lib/perfslot/collector.bpf.o"

type options struct {
	Log        *zap.SugaredLogger
	ObjectPath string
}

func newOptions() *options {
	return &options{
		Log:        zap.NewNop().Sugar(),
		ObjectPath: DefaultObjectPath,
	}
}

// Option configures the producer loader.
type Option func(*options)

// WithLog sets the logger for the producer loader.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithObjectPath overrides the path of the producer's object file.
func WithObjectPath(path string) Option {
	return func(o *options) {
		o.ObjectPath = path
	}
}

// Producer owns the kernel-side collection: the events output map, the
// per-counter maps, the timer-init entry point and the tracepoint
// programs.
type Producer struct {
	coll       *ebpf.Collection
	events     *ebpf.Map
	timerInit  *ebpf.Program
	links      []link.Link
	counterFDs []int
	log        *zap.SugaredLogger
}

// Counter map names in the producer's collection, in the order the
// hardware counters are opened.
var counterMaps = []struct {
	name    string
	counter perfevents.HardwareCounter
}{
	{"cycles", perfevents.Cycles},
	{"instructions", perfevents.Instructions},
	{"llc_misses", perfevents.LLCMisses},
	{"cache_references", perfevents.CacheReferences},
}

// Load reads the producer's object file, loads its collection into the
// kernel and opens the hardware counters on every CPU.
func Load(opts ...Option) (*Producer, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	// eBPF maps are charged against the locked-memory limit on older
	// kernels.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	coll, err := ebpf.LoadCollection(o.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load producer collection from %s: %w", o.ObjectPath, err)
	}

	m := &Producer{
		coll: coll,
		log:  o.Log,
	}

	m.events = coll.Maps["events"]
	if m.events == nil {
		m.Close()
		return nil, fmt.Errorf("producer collection has no events map")
	}

	m.timerInit = coll.Programs["sync_timer_init"]
	if m.timerInit == nil {
		m.Close()
		return nil, fmt.Errorf("producer collection has no sync_timer_init program")
	}

	for _, cm := range counterMaps {
		counterMap := coll.Maps[cm.name]
		if counterMap == nil {
			m.Close()
			return nil, fmt.Errorf("producer collection has no %s map", cm.name)
		}

		fds, err := perfevents.OpenPerfCounter(counterMap, cm.counter)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.counterFDs = append(m.counterFDs, fds...)

		if err := perfevents.StartEvents(counterMap); err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to start %s events: %w", cm.counter, err)
		}
	}

	o.Log.Infow("loaded producer collection",
		zap.String("path", o.ObjectPath),
		zap.Int("counter_events", len(m.counterFDs)),
	)

	return m, nil
}

// Events returns the PERF_EVENT_ARRAY output map the producer writes
// records into.
func (m *Producer) Events() *ebpf.Map {
	return m.events
}

// NumPossibleCPUs returns the number of possible CPUs the producer
// tracks.
func (m *Producer) NumPossibleCPUs() (int, error) {
	return ebpf.PossibleCPU()
}

// RunTimerInit invokes the producer's timer-init entry point with the
// given context buffer and returns its status code. The caller is
// expected to be pinned to the CPU the timer should be installed on.
func (m *Producer) RunTimerInit(contextIn []byte) (uint32, error) {
	ret, err := m.timerInit.Run(&ebpf.RunOptions{
		Context: contextIn,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to run timer init program: %w", err)
	}
	return ret, nil
}

// Attach hooks the producer's tracepoint programs into the scheduler.
func (m *Producer) Attach() error {
	tracepoints := []struct {
		group, name, prog string
	}{
		{"sched", "sched_switch", "handle_context_switch"},
		{"sched", "sched_process_exec", "handle_process_exec"},
		{"sched", "sched_process_free", "handle_process_free"},
	}

	for _, tp := range tracepoints {
		prog := m.coll.Programs[tp.prog]
		if prog == nil {
			return fmt.Errorf("producer collection has no %s program", tp.prog)
		}

		l, err := link.Tracepoint(tp.group, tp.name, prog, nil)
		if err != nil {
			return fmt.Errorf("failed to attach %s/%s: %w", tp.group, tp.name, err)
		}
		m.links = append(m.links, l)
	}

	return nil
}

// Close detaches the programs, closes the hardware counter events and
// releases the collection.
func (m *Producer) Close() error {
	var firstErr error

	for _, l := range m.links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.links = nil

	for _, fd := range m.counterFDs {
		unix.Close(fd)
	}
	m.counterFDs = nil

	if m.coll != nil {
		m.coll.Close()
		m.coll = nil
	}

	return firstErr
}
