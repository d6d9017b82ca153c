package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvBufferGrow(t *testing.T) {
	b := newRecvBuffer(8)

	dst := b.writable(32)

	require.GreaterOrEqual(t, len(dst), 32)
}

func TestRecvBufferGrowPreservesContents(t *testing.T) {
	b := newRecvBuffer(4)

	copy(b.writable(4), []byte{0xAA, 0xBB})
	b.advance(2)
	b.writable(1024)

	assert.Equal(t, []byte{0xAA, 0xBB}, b.buffered())
}

func TestRecvBufferAdvanceTracksPosition(t *testing.T) {
	b := newRecvBuffer(16)

	copy(b.writable(8), []byte{1, 2, 3})
	b.advance(3)

	assert.Equal(t, 3, b.len())
	assert.Equal(t, []byte{1, 2, 3}, b.buffered())
}

func TestRecvBufferSealConsumesWholeBuffer(t *testing.T) {
	b := newRecvBuffer(16)

	copy(b.writable(8), []byte{1, 2, 3, 4})
	b.advance(4)

	pdu := b.seal(4)

	assert.Equal(t, []byte{1, 2, 3, 4}, pdu)
	assert.Zero(t, b.len())
}

func TestRecvBufferSealKeepsRemainder(t *testing.T) {
	b := newRecvBuffer(16)

	copy(b.writable(8), []byte{1, 2, 3, 4, 5, 6})
	b.advance(6)

	pdu := b.seal(4)

	assert.Equal(t, []byte{1, 2, 3, 4}, pdu)
	assert.Equal(t, 2, b.len())
	assert.Equal(t, []byte{5, 6}, b.buffered())
}

func TestRecvBufferReset(t *testing.T) {
	b := newRecvBuffer(16)

	b.advance(5)
	b.reset()

	assert.Zero(t, b.len())
}
