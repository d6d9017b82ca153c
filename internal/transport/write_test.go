package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDeliversWholeBuffer(t *testing.T) {
	conn := newMockConn()
	tr := newTestTransport(conn)

	data := []byte{0x03, 0x00, 0x00, 0x08, 0xAA, 0xBB, 0xCC, 0xDD}
	n, err := tr.Write(data)

	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, conn.writeBuf.Bytes())
}

func TestWriteLoopsOverPartialWrites(t *testing.T) {
	conn := newMockConn()
	conn.maxWrite = 3
	tr := newTestTransport(conn)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n, err := tr.Write(data)

	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, data, conn.writeBuf.Bytes())
	assert.Equal(t, 3, conn.writeCalls)
}

func TestWriteBacksOffOnZeroByteWrite(t *testing.T) {
	conn := newMockConn()
	conn.writeZero = 2
	tr := newTestTransport(conn)

	data := []byte{1, 2, 3, 4}
	n, err := tr.Write(data)

	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, data, conn.writeBuf.Bytes())
	assert.Equal(t, 3, conn.writeCalls)
}

func TestWriteFailureClosesLayer(t *testing.T) {
	conn := newMockConn()
	conn.writeErr = errors.New("connection reset by peer")
	tr := newTestTransport(conn)

	_, err := tr.Write([]byte{1, 2, 3})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPeerClosed)
	assert.Equal(t, LayerClosed, tr.Layer())
	assert.Equal(t, 1, conn.writeCalls)
}

func TestWriteAfterPeerCloseFailsFast(t *testing.T) {
	conn := newMockConn()
	conn.writeErr = errors.New("connection reset by peer")
	tr := newTestTransport(conn)

	_, err := tr.Write([]byte{1, 2, 3})
	require.Error(t, err)

	// The second write must fail without touching the endpoint.
	_, err = tr.Write([]byte{4, 5, 6})

	assert.ErrorIs(t, err, ErrPeerClosed)
	assert.Equal(t, 1, conn.writeCalls)
}

func TestWriteOnUnconnectedTransport(t *testing.T) {
	tr := New(Settings{})

	_, err := tr.Write([]byte{1})

	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteEmptyBuffer(t *testing.T) {
	conn := newMockConn()
	tr := newTestTransport(conn)

	n, err := tr.Write(nil)

	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, conn.writeCalls)
}
