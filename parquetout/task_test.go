package parquetout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTaskDrainsOnShutdown(t *testing.T) {
	store, _ := newTestStore(t)
	log := zaptest.NewLogger(t).Sugar()

	cfg := DefaultConfig()
	cfg.StoragePrefix = "task-"

	writer, err := NewWriter[TimeslotRow](context.Background(), store, cfg, log)
	require.NoError(t, err)

	task := NewTask(writer, 4, log)

	require.True(t, task.Send(testRows(3, 1)))
	require.True(t, task.Send(testRows(3, 2)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Queued batches are written before the file is closed.
	require.NoError(t, task.Run(ctx))

	objects, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Greater(t, objects[0].Size, int64(0))
}

func TestTaskSendDropsWhenFull(t *testing.T) {
	store, _ := newTestStore(t)
	log := zaptest.NewLogger(t).Sugar()

	writer, err := NewWriter[TimeslotRow](context.Background(), store, DefaultConfig(), log)
	require.NoError(t, err)

	task := NewTask(writer, 1, log)

	assert.True(t, task.Send(testRows(1, 1)))
	assert.False(t, task.Send(testRows(1, 2)))
	assert.Equal(t, uint64(1), task.Dropped())

	require.NoError(t, writer.Close())
}

func TestTaskRotateSignal(t *testing.T) {
	store, _ := newTestStore(t)
	log := zaptest.NewLogger(t).Sugar()

	cfg := DefaultConfig()
	cfg.StoragePrefix = "rotsig-"

	writer, err := NewWriter[TimeslotRow](context.Background(), store, cfg, log)
	require.NoError(t, err)

	task := NewTask(writer, 4, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- task.Run(ctx)
	}()

	require.True(t, task.Send(testRows(2, 1)))
	task.Rotate()

	// A second signal while one is pending is dropped, not queued.
	task.Rotate()
	task.Rotate()

	require.Eventually(t, func() bool {
		objects, err := store.List(context.Background())
		return err == nil && len(objects) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	objects, err := store.List(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(objects), 2)
	assert.LessOrEqual(t, len(objects), 3)
}
