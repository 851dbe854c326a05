package perfevents

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfslot/perfslot/perfring"
)

const (
	msgKindFoo uint32 = 1
	msgKindBar uint32 = 2
)

func newTestRings(t *testing.T, n int) (*perfring.Reader, []*perfring.Ring) {
	t.Helper()

	reader := perfring.NewReader()
	rings := make([]*perfring.Ring, 0, n)
	for range n {
		storage := perfring.NewMemoryStorage(2)
		ring, err := perfring.Init(storage.Data(), storage.NumDataPages(), storage.PageSize())
		require.NoError(t, err)
		require.NoError(t, reader.AddRing(ring))
		rings = append(rings, ring)
	}
	return reader, rings
}

// testMessage builds a sample payload: kind, timestamp, then 8 bytes of
// data. The ring injects the leading size field on write.
func testMessage(kind uint32, timestamp uint64, data string) []byte {
	buf := make([]byte, 12+8)
	binary.LittleEndian.PutUint32(buf, kind)
	binary.LittleEndian.PutUint64(buf[4:], timestamp)
	copy(buf[12:], data)
	return buf
}

func TestDispatcherBasic(t *testing.T) {
	reader, rings := newTestRings(t, 2)
	dispatcher := NewDispatcher()

	var fooCount, barCount, lostCount int

	dispatcher.Subscribe(msgKindFoo, func(_ int, data []byte) error {
		fooCount++
		assert.Equal(t, "FOO DATA", string(data[16:24]))
		return nil
	})
	dispatcher.Subscribe(msgKindBar, func(_ int, data []byte) error {
		barCount++
		assert.Equal(t, "BAR DATA", string(data[16:24]))
		return nil
	})
	dispatcher.SubscribeLost(func(_ int, _ []byte) error {
		lostCount++
		return nil
	})

	rings[0].StartWriteBatch()
	_, err := rings[0].Write(testMessage(msgKindFoo, 100, "FOO DATA"), perfring.RecordSample)
	require.NoError(t, err)
	_, err = rings[0].Write(testMessage(msgKindBar, 200, "BAR DATA"), perfring.RecordSample)
	require.NoError(t, err)
	lost := make([]byte, 16)
	_, err = rings[0].Write(lost, perfring.RecordLost)
	require.NoError(t, err)
	rings[0].FinishWriteBatch()

	rings[1].StartWriteBatch()
	_, err = rings[1].Write(testMessage(msgKindFoo, 150, "FOO DATA"), perfring.RecordSample)
	require.NoError(t, err)
	rings[1].FinishWriteBatch()

	require.NoError(t, reader.Start())
	require.NoError(t, dispatcher.DispatchAll(reader))
	require.NoError(t, reader.Finish())

	assert.Equal(t, 2, fooCount)
	assert.Equal(t, 1, barCount)
	assert.Equal(t, 1, lostCount)

	stats := dispatcher.Stats()
	assert.Equal(t, uint64(3), stats.SamplesProcessed)
	assert.Equal(t, uint64(1), stats.LostEventsProcessed)
	assert.Equal(t, uint64(0), stats.CallbackErrors)
	assert.Equal(t, uint64(0), stats.DroppedMessages)
}

func TestDispatcherNoSubscribers(t *testing.T) {
	reader, rings := newTestRings(t, 1)
	dispatcher := NewDispatcher()

	rings[0].StartWriteBatch()
	_, err := rings[0].Write(testMessage(999, 100, "UNKNOWN!"), perfring.RecordSample)
	require.NoError(t, err)
	rings[0].FinishWriteBatch()

	require.NoError(t, reader.Start())
	require.NoError(t, dispatcher.DispatchAll(reader))
	require.NoError(t, reader.Finish())

	stats := dispatcher.Stats()
	assert.Equal(t, uint64(1), stats.DroppedMessages)
	assert.Equal(t, uint64(0), stats.SamplesProcessed)
}

func TestDispatcherCallbackErrors(t *testing.T) {
	reader, rings := newTestRings(t, 1)
	dispatcher := NewDispatcher()

	// Errors from callbacks are counted and swallowed; later callbacks for
	// the same kind still run.
	var secondRan bool
	dispatcher.Subscribe(msgKindFoo, func(int, []byte) error {
		return errors.New("subscriber failure")
	})
	dispatcher.Subscribe(msgKindFoo, func(int, []byte) error {
		secondRan = true
		return nil
	})

	rings[0].StartWriteBatch()
	_, err := rings[0].Write(testMessage(msgKindFoo, 100, "FOO DATA"), perfring.RecordSample)
	require.NoError(t, err)
	rings[0].FinishWriteBatch()

	require.NoError(t, reader.Start())
	require.NoError(t, dispatcher.DispatchAll(reader))
	require.NoError(t, reader.Finish())

	assert.True(t, secondRan)
	stats := dispatcher.Stats()
	assert.Equal(t, uint64(1), stats.CallbackErrors)
	assert.Equal(t, uint64(1), stats.SamplesProcessed)
}

func TestDispatcherInvalidFormat(t *testing.T) {
	reader, rings := newTestRings(t, 1)
	dispatcher := NewDispatcher()
	dispatcher.Subscribe(msgKindFoo, func(int, []byte) error { return nil })

	// Only the message kind, no timestamp: too short for a sample header.
	rings[0].StartWriteBatch()
	_, err := rings[0].Write([]byte{1, 0, 0, 0}, perfring.RecordSample)
	require.NoError(t, err)
	rings[0].FinishWriteBatch()

	require.NoError(t, reader.Start())
	err = dispatcher.Dispatch(reader)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	// The malformed record was popped, so the pipeline keeps going.
	assert.True(t, reader.Empty())
	assert.Equal(t, uint64(1), dispatcher.Stats().DroppedMessages)
	require.NoError(t, reader.Finish())
}

func TestParseLostRecord(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data, 7)
	binary.LittleEndian.PutUint64(data[8:], 42)

	rec, ok := ParseLostRecord(data)
	require.True(t, ok)
	assert.Equal(t, uint64(7), rec.ID)
	assert.Equal(t, uint64(42), rec.LostCount)

	_, ok = ParseLostRecord(data[:8])
	assert.False(t, ok)
}
