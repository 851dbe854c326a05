// Package synctimer arranges for the kernel-side timer to fire on every
// CPU with bounded skew. The producer's timer-init entry point must run
// from a thread pinned to the target CPU; the bootstrap walks all possible
// CPUs, pinning the calling thread to each in turn, and falls back across
// three kernel-capability tiers when a sweep fails.
package synctimer

import (
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Mode selects the kernel-capability tier used to pin the timer.
type Mode uint8

const (
	// ModeModern uses BPF timer CPU pinning (kernel 6.7+).
	ModeModern Mode = iota
	// ModeIntermediate pins via the timer callback re-arming itself, and
	// requires timer migration to be disabled system-wide during setup.
	ModeIntermediate
	// ModeLegacy is the oldest supported path; it also requires timer
	// migration to be disabled during setup.
	ModeLegacy
)

func (m Mode) String() string {
	switch m {
	case ModeModern:
		return "modern"
	case ModeIntermediate:
		return "intermediate"
	case ModeLegacy:
		return "legacy"
	}
	return "unknown"
}

// needsMigrationGuard reports whether the mode requires the
// timer_migration sysctl to be cleared for the duration of the sweep.
func (m Mode) needsMigrationGuard() bool {
	return m == ModeIntermediate || m == ModeLegacy
}

// InitStatus is the status code returned by the producer's timer-init
// entry point.
type InitStatus uint32

const (
	StatusSuccess InitStatus = iota
	StatusMapUpdateFailed
	StatusMapLookupFailed
	StatusTimerInitFailed
	StatusTimerSetCallbackFailed
	StatusTimerStartFailed
)

func (m InitStatus) String() string {
	switch m {
	case StatusSuccess:
		return "success"
	case StatusMapUpdateFailed:
		return "map update failed"
	case StatusMapLookupFailed:
		return "map lookup failed"
	case StatusTimerInitFailed:
		return "timer init failed"
	case StatusTimerSetCallbackFailed:
		return "timer set callback failed"
	case StatusTimerStartFailed:
		return "timer start failed"
	}
	return "unknown"
}

// contextLen is the size of the context buffer the timer-init entry point
// expects. The first byte carries the AF_INET sentinel the kernel-side
// interface imposes; the fifth byte selects the mode; the rest is zeroed.
const contextLen = 16

func buildContext(mode Mode) []byte {
	ctx := make([]byte, contextLen)
	ctx[0] = unix.AF_INET
	ctx[4] = byte(mode)
	return ctx
}

// Producer is the kernel-side contract the bootstrap drives.
type Producer interface {
	// NumPossibleCPUs returns the number of possible CPUs.
	NumPossibleCPUs() (int, error)
	// RunTimerInit invokes the timer-init entry point on the calling
	// thread's CPU and returns its status code.
	RunTimerInit(contextIn []byte) (uint32, error)
}

// CPUFailure records one CPU that could not be initialized during a
// sweep.
type CPUFailure struct {
	CPU    int
	Status InitStatus
	Reason string
}

func (m CPUFailure) String() string {
	if m.Reason != "" {
		return fmt.Sprintf("CPU %d: %s", m.CPU, m.Reason)
	}
	return fmt.Sprintf("CPU %d: %s", m.CPU, m.Status)
}

// MultipleFailuresError reports the CPUs that failed a sweep.
type MultipleFailuresError struct {
	Failed []CPUFailure
	Total  int
}

func (m *MultipleFailuresError) Error() string {
	return fmt.Sprintf("failed to initialize timer on %d of %d CPUs: %v", len(m.Failed), m.Total, m.Failed)
}

// ErrAllMethodsFailed reports that every capability tier failed.
var ErrAllMethodsFailed = errors.New("all timer initialization methods failed")

type options struct {
	Log        *zap.SugaredLogger
	SysctlPath string
}

func newOptions() *options {
	return &options{
		Log:        zap.NewNop().Sugar(),
		SysctlPath: TimerMigrationPath,
	}
}

// Option configures the bootstrap.
type Option func(*options)

// WithLog sets the logger for the bootstrap.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithSysctlPath overrides the timer_migration sysctl path.
func WithSysctlPath(path string) Option {
	return func(o *options) {
		o.SysctlPath = path
	}
}

// Initialize pins the kernel-side timer to every CPU, trying each
// capability tier in turn. After success each CPU's producer emits one
// timer-finished record per timeslot until process exit.
func Initialize(producer Producer, opts ...Option) error {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	log := o.Log

	// Affinity applies to the calling OS thread; keep the goroutine on it
	// for the whole bootstrap.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for _, mode := range []Mode{ModeModern, ModeIntermediate, ModeLegacy} {
		var guard *migrationGuard
		if mode.needsMigrationGuard() {
			var err error
			guard, err = disableTimerMigration(o.SysctlPath, log)
			if err != nil {
				log.Warnw("failed to disable timer migration, skipping mode",
					zap.Stringer("mode", mode), zap.Error(err))
				continue
			}
		}

		err := sweep(producer, mode, log)
		if guard != nil {
			guard.Restore()
		}

		if err == nil {
			log.Infow("synchronized timer initialized", zap.Stringer("mode", mode))
			return nil
		}

		log.Warnw("timer initialization sweep failed",
			zap.Stringer("mode", mode), zap.Error(err))
	}

	return ErrAllMethodsFailed
}

// sweep pins the calling thread to each possible CPU and runs the
// timer-init entry point there. The caller's affinity mask is restored on
// every exit path.
func sweep(producer Producer, mode Mode, log *zap.SugaredLogger) error {
	var originalSet unix.CPUSet
	if err := unix.SchedGetaffinity(0, &originalSet); err != nil {
		return fmt.Errorf("failed to get current CPU affinity: %w", err)
	}
	defer func() {
		if err := unix.SchedSetaffinity(0, &originalSet); err != nil {
			log.Warnw("failed to restore CPU affinity", zap.Error(err))
		}
	}()

	nCPU, err := producer.NumPossibleCPUs()
	if err != nil {
		return fmt.Errorf("failed to get CPU count: %w", err)
	}

	log.Debugw("initializing timer on all CPUs",
		zap.Int("cpus", nCPU), zap.Stringer("mode", mode))

	var failed []CPUFailure
	for cpu := 0; cpu < nCPU; cpu++ {
		var set unix.CPUSet
		set.Zero()
		set.Set(cpu)

		if err := unix.SchedSetaffinity(0, &set); err != nil {
			failed = append(failed, CPUFailure{CPU: cpu, Reason: fmt.Sprintf("pin failed: %v", err)})
			continue
		}

		current, _, err := unix.Getcpu()
		if err != nil {
			failed = append(failed, CPUFailure{CPU: cpu, Reason: fmt.Sprintf("getcpu failed: %v", err)})
			continue
		}
		if current != cpu {
			failed = append(failed, CPUFailure{CPU: cpu, Reason: fmt.Sprintf("pinned to CPU %d instead", current)})
			continue
		}

		ret, err := producer.RunTimerInit(buildContext(mode))
		if err != nil {
			failed = append(failed, CPUFailure{CPU: cpu, Reason: err.Error()})
			continue
		}
		if status := InitStatus(ret); status != StatusSuccess {
			failed = append(failed, CPUFailure{CPU: cpu, Status: status})
		}
	}

	if len(failed) > 0 {
		return &MultipleFailuresError{Failed: failed, Total: nCPU}
	}
	return nil
}
