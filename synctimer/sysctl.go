package synctimer

import (
	"bytes"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// TimerMigrationPath is the sysctl controlling whether the kernel may
// migrate timers between CPUs.
const TimerMigrationPath = "/proc/sys/kernel/timer_migration"

// migrationGuard holds the original timer_migration value so it can be
// restored after a sweep. Restore is best-effort and never fails the
// bootstrap.
type migrationGuard struct {
	path     string
	original []byte
	log      *zap.SugaredLogger
}

// disableTimerMigration reads the current sysctl value and writes 0.
func disableTimerMigration(path string, log *zap.SugaredLogger) (*migrationGuard, error) {
	original, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to disable timer migration: %w", err)
	}

	log.Debugw("disabled timer migration",
		zap.String("path", path),
		zap.String("original", string(bytes.TrimSpace(original))),
	)

	return &migrationGuard{
		path:     path,
		original: original,
		log:      log,
	}, nil
}

// Restore writes the original value back verbatim.
func (m *migrationGuard) Restore() {
	if err := os.WriteFile(m.path, m.original, 0o644); err != nil {
		m.log.Warnw("failed to restore timer migration setting",
			zap.String("path", m.path), zap.Error(err))
	}
}
