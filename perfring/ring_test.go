package perfring

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPageSize = 4096
	testNPages   = 2
)

func newTestRing(t *testing.T) (*Ring, []byte) {
	t.Helper()

	buf := make([]byte, testPageSize*(1+testNPages))
	ring, err := Init(buf, testNPages, testPageSize)
	require.NoError(t, err)
	return ring, buf
}

func TestInit(t *testing.T) {
	buf := make([]byte, testPageSize*(1+testNPages))
	_, err := Init(buf, testNPages, testPageSize)
	require.NoError(t, err)

	// Not a power of two.
	small := make([]byte, 7*2)
	_, err = Init(small, 1, 7)
	assert.ErrorIs(t, err, ErrInvalidBufferLength)

	_, err = Init(nil, testNPages, testPageSize)
	assert.ErrorIs(t, err, ErrNilBuffer)
}

func TestWriteAndRead(t *testing.T) {
	ring, _ := newTestRing(t)

	payload := []byte("test data")
	const eventType = uint32(1)

	ring.StartWriteBatch()
	offset, err := ring.Write(payload, eventType)
	require.NoError(t, err)
	assert.Less(t, offset, testPageSize*testNPages)
	ring.FinishWriteBatch()

	ring.StartReadBatch()

	size, err := ring.PeekSize()
	require.NoError(t, err)
	expectedSize := (len(payload) + 7) / 8 * 8
	assert.Equal(t, expectedSize, size)

	assert.Equal(t, eventType, ring.PeekType())

	readBuf := make([]byte, size)
	require.NoError(t, ring.PeekCopy(readBuf, 0))
	assert.Equal(t, payload, readBuf[:len(payload)])

	require.NoError(t, ring.Pop())
	assert.Equal(t, uint32(0), ring.BytesRemaining())

	ring.FinishReadBatch()
}

func TestEmptyAndErrors(t *testing.T) {
	ring, _ := newTestRing(t)

	ring.StartReadBatch()
	_, err := ring.PeekSize()
	assert.ErrorIs(t, err, ErrBufferEmpty)
	assert.ErrorIs(t, ring.Pop(), ErrBufferEmpty)

	ring.StartWriteBatch()
	_, err = ring.Write(nil, 1)
	assert.ErrorIs(t, err, ErrEmptyWrite)

	// A record larger than the whole data region cannot fit.
	huge := make([]byte, testPageSize*testNPages)
	_, err = ring.Write(huge, 1)
	assert.ErrorIs(t, err, ErrCannotFit)
}

func TestNoSpace(t *testing.T) {
	ring, _ := newTestRing(t)

	// Each write consumes payload+header aligned to 8. Fill the ring, then
	// one more write must report NoSpace.
	payload := make([]byte, 1016)
	ring.StartWriteBatch()
	for i := 0; i < testPageSize*testNPages/1024; i++ {
		_, err := ring.Write(payload, 1)
		require.NoError(t, err)
	}
	_, err := ring.Write(payload, 1)
	assert.ErrorIs(t, err, ErrNoSpace)
	ring.FinishWriteBatch()
}

func TestSampleSizeField(t *testing.T) {
	ring, _ := newTestRing(t)

	payload := []byte("abcdefgh")
	ring.StartWriteBatch()
	_, err := ring.Write(payload, RecordSample)
	require.NoError(t, err)
	ring.FinishWriteBatch()

	ring.StartReadBatch()

	// Sample records carry a leading u32 size covering payload plus the
	// size field itself, rounded up to 8.
	size, err := ring.PeekSize()
	require.NoError(t, err)
	assert.Equal(t, (len(payload)+4+7)/8*8, size)

	var sizeField [4]byte
	require.NoError(t, ring.PeekCopy(sizeField[:], 0))
	assert.Equal(t, uint32((len(payload)+4+7)/8*8), binary.LittleEndian.Uint32(sizeField[:]))

	data := make([]byte, len(payload))
	require.NoError(t, ring.PeekCopy(data, 4))
	assert.Equal(t, payload, data)
}

func TestWraparound(t *testing.T) {
	buf := make([]byte, testPageSize*(1+testNPages))
	ring, err := Init(buf, testNPages, testPageSize)
	require.NoError(t, err)

	// Payloads sized so that the third record must wrap the physical end
	// of the data region.
	dataSize := testPageSize - eventHeaderSize - 10
	payload := make([]byte, dataSize)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	ring.StartWriteBatch()
	_, err = ring.Write(payload, 1)
	require.NoError(t, err)
	_, err = ring.Write(payload, 2)
	require.NoError(t, err)
	ring.FinishWriteBatch()

	ring.StartReadBatch()
	readBuf := make([]byte, dataSize)
	require.NoError(t, ring.PeekCopy(readBuf, 0))
	assert.Equal(t, payload, readBuf)
	require.NoError(t, ring.Pop())
	ring.FinishReadBatch()

	// Now there is room for one more record, which wraps.
	ring.StartWriteBatch()
	_, err = ring.Write(payload, 3)
	require.NoError(t, err)
	ring.FinishWriteBatch()

	ring.StartReadBatch()
	for range 2 {
		require.NoError(t, ring.PeekCopy(readBuf, 0))
		assert.Equal(t, payload, readBuf)
		require.NoError(t, ring.Pop())
	}
	ring.FinishReadBatch()

	assert.Equal(t, uint32(0), ring.BytesRemaining())
}
