package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pduRecorder captures every PDU the dispatch loop delivers.
type pduRecorder struct {
	pdus [][]byte
}

func (r *pduRecorder) callback(t *Transport, buf []byte) error {
	pdu := make([]byte, len(buf))
	copy(pdu, buf)
	r.pdus = append(r.pdus, pdu)
	return nil
}

func newDispatchTransport(conn *mockConn) (*Transport, *pduRecorder) {
	tr := newTestTransport(conn)
	tr.SetBlockingMode(false)

	rec := &pduRecorder{}
	tr.SetCallback(rec.callback)
	return tr, rec
}

func TestCheckReadinessSingleTPKTArrivesWhole(t *testing.T) {
	input := []byte{0x03, 0x00, 0x00, 0x08, 0xAA, 0xBB, 0xCC, 0xDD}
	conn := newMockConn(input)
	tr, rec := newDispatchTransport(conn)

	require.NoError(t, tr.CheckReadiness())

	require.Len(t, rec.pdus, 1)
	assert.Equal(t, input, rec.pdus[0])
}

func TestCheckReadinessTPKTArrivesByteByByte(t *testing.T) {
	input := []byte{0x03, 0x00, 0x00, 0x08, 0xAA, 0xBB, 0xCC, 0xDD}

	chunks := make([][]byte, 0, len(input))
	for _, b := range input {
		chunks = append(chunks, []byte{b})
	}
	conn := newMockConn(chunks...)
	tr, rec := newDispatchTransport(conn)

	for i := 0; i < len(input); i++ {
		require.NoError(t, tr.CheckReadiness())

		if i < len(input)-1 {
			assert.Empty(t, rec.pdus, "no dispatch before byte %d", i+1)
		}
	}

	require.Len(t, rec.pdus, 1)
	assert.Equal(t, input, rec.pdus[0])
}

func TestCheckReadinessBackToBackFastPathFrames(t *testing.T) {
	// Both frames arrive in one readiness event; the second is dispatched
	// on the next call with no additional socket data.
	conn := newMockConn([]byte{0x04, 0x04, 0x11, 0x22, 0x04, 0x04, 0x33, 0x44})
	tr, rec := newDispatchTransport(conn)

	require.NoError(t, tr.CheckReadiness())
	require.Len(t, rec.pdus, 1)
	assert.Equal(t, []byte{0x04, 0x04, 0x11, 0x22}, rec.pdus[0])

	require.NoError(t, tr.CheckReadiness())
	require.Len(t, rec.pdus, 2)
	assert.Equal(t, []byte{0x04, 0x04, 0x33, 0x44}, rec.pdus[1])
}

func TestCheckReadinessTSRequestExtendedLength(t *testing.T) {
	input := []byte{0x30, 0x81, 0x04, 0x01, 0x02, 0x03, 0x04}
	conn := newMockConn(input)
	tr, rec := newDispatchTransport(conn)

	require.NoError(t, tr.CheckReadiness())

	require.Len(t, rec.pdus, 1)
	assert.Equal(t, input, rec.pdus[0])
}

func TestCheckReadinessProtocolError(t *testing.T) {
	conn := newMockConn([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	tr, rec := newDispatchTransport(conn)

	err := tr.CheckReadiness()

	assert.ErrorIs(t, err, ErrProtocol)
	assert.Empty(t, rec.pdus)
}

func TestCheckReadinessNoDataIsNotAnError(t *testing.T) {
	conn := newMockConn()
	tr, rec := newDispatchTransport(conn)

	require.NoError(t, tr.CheckReadiness())

	assert.Empty(t, rec.pdus)
}

func TestCheckReadinessPartialFrameWaits(t *testing.T) {
	conn := newMockConn([]byte{0x03, 0x00, 0x00, 0x08, 0xAA})
	tr, rec := newDispatchTransport(conn)

	require.NoError(t, tr.CheckReadiness())
	assert.Empty(t, rec.pdus)

	// The rest of the frame arrives later.
	conn.chunks = append(conn.chunks, []byte{0xBB, 0xCC, 0xDD})
	require.NoError(t, tr.CheckReadiness())

	require.Len(t, rec.pdus, 1)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x08, 0xAA, 0xBB, 0xCC, 0xDD}, rec.pdus[0])
}

func TestCheckReadinessRefusesReentrancy(t *testing.T) {
	conn := newMockConn([]byte{0x03, 0x00, 0x00, 0x04})
	tr := newTestTransport(conn)
	tr.SetBlockingMode(false)

	var reentrantErr error
	tr.SetCallback(func(t *Transport, buf []byte) error {
		reentrantErr = t.CheckReadiness()
		return nil
	})

	require.NoError(t, tr.CheckReadiness())

	assert.ErrorIs(t, reentrantErr, ErrReentrant)
	assert.Zero(t, tr.level)
}

func TestCheckReadinessPropagatesCallbackFailure(t *testing.T) {
	conn := newMockConn([]byte{0x03, 0x00, 0x00, 0x04})
	tr := newTestTransport(conn)
	tr.SetBlockingMode(false)

	callbackErr := errors.New("upper layer rejected PDU")
	tr.SetCallback(func(t *Transport, buf []byte) error {
		return callbackErr
	})

	err := tr.CheckReadiness()

	assert.ErrorIs(t, err, callbackErr)
	assert.Zero(t, tr.level)
}

func TestCheckReadinessDispatchCountMatchesStream(t *testing.T) {
	// Three PDUs of mixed framing delivered one byte at a time: the number
	// of dispatches must equal the number of complete PDUs in the stream.
	var stream []byte
	stream = append(stream, 0x03, 0x00, 0x00, 0x05, 0x99)             // TPKT, 5 bytes
	stream = append(stream, 0x04, 0x03, 0x77)                         // Fast-Path, 3 bytes
	stream = append(stream, 0x30, 0x02, 0x01, 0x00)                   // TSRequest, 4 bytes

	chunks := make([][]byte, 0, len(stream))
	for _, b := range stream {
		chunks = append(chunks, []byte{b})
	}
	conn := newMockConn(chunks...)
	tr, rec := newDispatchTransport(conn)

	for i := 0; i < len(stream)+2; i++ {
		require.NoError(t, tr.CheckReadiness())
	}

	require.Len(t, rec.pdus, 3)
	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x05, 0x99}, rec.pdus[0])
	assert.Equal(t, []byte{0x04, 0x03, 0x77}, rec.pdus[1])
	assert.Equal(t, []byte{0x30, 0x02, 0x01, 0x00}, rec.pdus[2])
}
