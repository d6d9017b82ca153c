package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulaginds/rdp-transport/internal/protocol/rdpeudp"
)

// dgramConn implements net.Conn with datagram semantics for testing: each
// Read returns one queued datagram, an empty queue behaves like an expired
// read deadline.
type dgramConn struct {
	queue   [][]byte
	written [][]byte
	closed  bool
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (d *dgramConn) Read(p []byte) (int, error) {
	if len(d.queue) == 0 {
		return 0, timeoutError{}
	}
	pkt := d.queue[0]
	d.queue = d.queue[1:]
	return copy(p, pkt), nil
}

func (d *dgramConn) Write(p []byte) (int, error) {
	d.written = append(d.written, append([]byte(nil), p...))
	return len(p), nil
}

func (d *dgramConn) Close() error {
	d.closed = true
	return nil
}

func (d *dgramConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (d *dgramConn) RemoteAddr() net.Addr               { return &net.UDPAddr{} }
func (d *dgramConn) SetDeadline(t time.Time) error      { return nil }
func (d *dgramConn) SetReadDeadline(t time.Time) error  { return nil }
func (d *dgramConn) SetWriteDeadline(t time.Time) error { return nil }

func synAck(initialSeq uint32) []byte {
	d := &rdpeudp.Datagram{
		Header: rdpeudp.Header{
			SourceAck:     rdpeudp.InitialAck,
			ReceiveWindow: rdpeudp.DefaultReceiveWindow,
			Flags:         rdpeudp.FlagAck,
		},
		Syn: &rdpeudp.Syn{
			InitialSeq:    initialSeq,
			UpstreamMTU:   rdpeudp.DefaultMTU,
			DownstreamMTU: rdpeudp.DefaultMTU,
		},
	}
	return d.Encode()
}

func dataDatagram(ack, seq uint32, payload []byte) []byte {
	d := &rdpeudp.Datagram{
		Header:  rdpeudp.Header{SourceAck: ack, ReceiveWindow: rdpeudp.DefaultReceiveWindow},
		Source:  &rdpeudp.Source{CoherencyNumber: seq, Seq: seq},
		Payload: payload,
	}
	return d.Encode()
}

// establishedConn runs the handshake against a scripted peer and clears the
// recorded datagrams, leaving an established connection at remote sequence
// 7000.
func establishedConn(t *testing.T) (*Conn, *dgramConn) {
	t.Helper()

	sock := &dgramConn{queue: [][]byte{synAck(7000)}}
	c := newConn(sock, false, nil)

	require.NoError(t, c.connect(context.Background()))
	require.Equal(t, stateEstablished, c.state)

	sock.written = nil
	return c, sock
}

func TestConnectHandshake(t *testing.T) {
	sock := &dgramConn{queue: [][]byte{synAck(7000)}}
	c := newConn(sock, false, nil)

	require.NoError(t, c.connect(context.Background()))

	assert.Equal(t, stateEstablished, c.state)
	assert.Equal(t, uint32(7000), c.remoteSeq)
	require.Len(t, sock.written, 2)

	syn, err := rdpeudp.Decode(sock.written[0])
	require.NoError(t, err)
	assert.True(t, syn.Header.Has(rdpeudp.FlagSyn))
	assert.False(t, syn.Header.Has(rdpeudp.FlagSynLossy))
	require.NotNil(t, syn.Syn)
	assert.Equal(t, c.localSeq, syn.Syn.InitialSeq)
	assert.Equal(t, rdpeudp.InitialAck, syn.Header.SourceAck)

	ack, err := rdpeudp.Decode(sock.written[1])
	require.NoError(t, err)
	assert.True(t, ack.Header.Has(rdpeudp.FlagAck))
	assert.Equal(t, uint32(7000), ack.Header.SourceAck)
}

func TestConnectLossySetsSynLossyFlag(t *testing.T) {
	sock := &dgramConn{queue: [][]byte{synAck(500)}}
	c := newConn(sock, true, nil)

	require.NoError(t, c.connect(context.Background()))

	syn, err := rdpeudp.Decode(sock.written[0])
	require.NoError(t, err)
	assert.True(t, syn.Header.Has(rdpeudp.FlagSynLossy))
}

func TestConnectRetransmitsSynThenFails(t *testing.T) {
	sock := &dgramConn{}
	c := newConn(sock, false, nil)

	err := c.connect(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Len(t, sock.written, maxRetransmits+1)
}

func TestConnectIgnoresNonHandshakeDatagrams(t *testing.T) {
	// A stray data datagram before the SYN+ACK must not complete the
	// handshake.
	sock := &dgramConn{queue: [][]byte{
		dataDatagram(rdpeudp.InitialAck, 1, []byte{0x01}),
		synAck(7000),
	}}
	c := newConn(sock, false, nil)

	require.NoError(t, c.connect(context.Background()))
	assert.Equal(t, uint32(7000), c.remoteSeq)
}

func TestWriteProducesSequencedDatagrams(t *testing.T) {
	c, sock := establishedConn(t)
	firstSeq := c.localSeq + 1

	n, err := c.Write([]byte{0xAA, 0xBB, 0xCC})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, sock.written, 1)
	d, err := rdpeudp.Decode(sock.written[0])
	require.NoError(t, err)
	require.NotNil(t, d.Source)
	assert.Equal(t, firstSeq, d.Source.Seq)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, d.Payload)
	assert.Equal(t, uint32(7000), d.Header.SourceAck)

	assert.Len(t, c.unacked, 1)
}

func TestWriteFragmentsAgainstMTU(t *testing.T) {
	c, sock := establishedConn(t)

	payload := make([]byte, int(c.mtu)-datagramOverhead+100)
	n, err := c.Write(payload)

	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Len(t, sock.written, 2)
	assert.Len(t, c.unacked, 2)
}

func TestReadDeliversDataAndAcknowledges(t *testing.T) {
	c, sock := establishedConn(t)
	sock.queue = [][]byte{dataDatagram(c.localSeq, 7001, []byte{0x11, 0x22})}

	buf := make([]byte, 16)
	n, err := c.Read(buf)

	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22}, buf[:n])
	assert.Equal(t, uint32(7001), c.remoteSeq)

	require.NotEmpty(t, sock.written)
	ack, err := rdpeudp.Decode(sock.written[len(sock.written)-1])
	require.NoError(t, err)
	assert.True(t, ack.Header.Has(rdpeudp.FlagAck))
	assert.Equal(t, uint32(7001), ack.Header.SourceAck)
}

func TestReadSkipsDuplicateDatagram(t *testing.T) {
	c, sock := establishedConn(t)
	sock.queue = [][]byte{
		dataDatagram(c.localSeq, 7000, []byte{0xEE}), // duplicate of the SYN sequence
		dataDatagram(c.localSeq, 7001, []byte{0x33}),
	}

	buf := make([]byte, 16)
	n, err := c.Read(buf)

	require.NoError(t, err)
	assert.Equal(t, []byte{0x33}, buf[:n])
}

func TestReadDropsOutOfOrderDatagram(t *testing.T) {
	c, sock := establishedConn(t)
	sock.queue = [][]byte{dataDatagram(c.localSeq, 7005, []byte{0x44})}

	_, err := c.Read(make([]byte, 16))

	// The gap datagram is dropped and nothing else arrives, so the read
	// surfaces the timeout.
	require.Error(t, err)
	assert.True(t, isTimeout(err))
	assert.Equal(t, uint32(7000), c.remoteSeq)
}

func TestReadShortBufferKeepsLeftover(t *testing.T) {
	c, sock := establishedConn(t)
	sock.queue = [][]byte{dataDatagram(c.localSeq, 7001, []byte{0x01, 0x02, 0x03, 0x04})}

	buf := make([]byte, 2)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, buf[:n])

	n, err = c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x04}, buf[:n])
}

func TestHandleAckReleasesRetransmitState(t *testing.T) {
	c, _ := establishedConn(t)
	_, err := c.Write([]byte{0x01})
	require.NoError(t, err)
	require.Len(t, c.unacked, 1)
	seq := c.unacked[0].seq

	c.process(&rdpeudp.Datagram{
		Header: rdpeudp.Header{SourceAck: seq},
		Ack:    rdpeudp.SingleRun(1),
	})

	assert.Empty(t, c.unacked)
	assert.Equal(t, seq, c.peerAck)
}

func TestReadTimeoutRetransmitsUnacked(t *testing.T) {
	c, sock := establishedConn(t)
	_, err := c.Write([]byte{0x01})
	require.NoError(t, err)
	require.Len(t, sock.written, 1)

	_, err = c.Read(make([]byte, 16))

	// Every timeout resends the oldest unacked datagram until the retry
	// budget runs out, then the timeout surfaces.
	require.Error(t, err)
	assert.True(t, isTimeout(err))
	assert.Len(t, sock.written, 1+maxRetransmits)
}

func TestCloseSendsFinAndRefusesFurtherIO(t *testing.T) {
	c, sock := establishedConn(t)

	require.NoError(t, c.Close())

	require.NotEmpty(t, sock.written)
	fin, err := rdpeudp.Decode(sock.written[len(sock.written)-1])
	require.NoError(t, err)
	assert.True(t, fin.Header.Has(rdpeudp.FlagFin))
	assert.True(t, sock.closed)

	_, err = c.Write([]byte{0x01})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, c.Close())
}

func TestSocketFdWithoutRealSocket(t *testing.T) {
	c, _ := establishedConn(t)

	assert.Equal(t, -1, c.SocketFd())
}
