// Package udp implements the client side of the RDP UDP transport
// (MS-RDPEUDP) and the secured multitransport tunnels (MS-RDPEMT) carried
// over it.
//
// Like the TCP transport, this layer is cooperative and single-threaded: no
// internal goroutines, no timers. Handshake and data retransmission are
// driven from the read path with socket deadlines, and the caller's poll
// decides when the connection gets CPU.
package udp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/kulaginds/rdp-transport/internal/logging"
	"github.com/kulaginds/rdp-transport/internal/protocol/rdpeudp"
)

const (
	defaultConnectTimeout = 5 * time.Second

	// retransmitInterval is how long the handshake waits for a SYN+ACK
	// before resending the SYN. Data datagrams are resent when Read times
	// out under the caller's read deadline.
	retransmitInterval = 200 * time.Millisecond

	maxRetransmits = 5

	// maxDatagram bounds a received datagram; RDPEUDP negotiates MTUs well
	// below this.
	maxDatagram = 2048

	// datagramOverhead is the headroom reserved for the FEC header, a
	// piggybacked ACK region, and the source payload header when
	// fragmenting writes against the negotiated MTU.
	datagramOverhead = 32
)

var (
	ErrClosed    = errors.New("udp: connection closed")
	ErrHandshake = errors.New("udp: handshake failed")
)

type connState int

const (
	stateCreated connState = iota
	stateEstablished
	stateClosed
)

// Conn is one RDPEUDP connection over a connected UDP socket. It satisfies
// net.Conn so the TLS/DTLS security layer can sit directly on top of it.
//
// A Conn is not safe for concurrent use, matching the transport it serves.
type Conn struct {
	sock  net.Conn
	log   *logging.Logger
	lossy bool

	state     connState
	localSeq  uint32 // sequence number of the last datagram we sent
	remoteSeq uint32 // highest peer sequence number received
	peerAck   uint32 // highest of our sequence numbers the peer acked
	mtu       uint16

	unacked  []sentDatagram
	pending  [][]byte // decoded payloads awaiting Read
	leftover []byte   // tail of a payload a short Read left behind
	readBuf  []byte
}

// sentDatagram is a data datagram kept for retransmission until the peer
// acknowledges its sequence number.
type sentDatagram struct {
	seq      uint32
	raw      []byte
	attempts int
}

func newConn(sock net.Conn, lossy bool, log *logging.Logger) *Conn {
	if log == nil {
		log = logging.Default()
	}
	return &Conn{
		sock:     sock,
		log:      log,
		lossy:    lossy,
		localSeq: randomSequenceNumber(),
		mtu:      rdpeudp.DefaultMTU,
		readBuf:  make([]byte, maxDatagram),
	}
}

// Dial opens a UDP socket to addr and runs the RDPEUDP handshake over it.
// lossy selects the RDP-UDP-L SYN variant; ctx bounds the whole exchange.
func Dial(ctx context.Context, addr string, lossy bool, log *logging.Logger) (*Conn, error) {
	dialer := net.Dialer{}
	sock, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dialing %s: %w", addr, err)
	}

	c := newConn(sock, lossy, log)
	if err := c.connect(ctx); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return c, nil
}

// connect performs the SYN / SYN+ACK / ACK exchange, resending the SYN on
// each receive timeout.
func (c *Conn) connect(ctx context.Context) error {
	flags := uint16(0)
	if c.lossy {
		flags |= rdpeudp.FlagSynLossy
	}

	syn := &rdpeudp.Datagram{
		Header: rdpeudp.Header{
			SourceAck:     rdpeudp.InitialAck,
			ReceiveWindow: rdpeudp.DefaultReceiveWindow,
			Flags:         flags,
		},
		Syn: &rdpeudp.Syn{
			InitialSeq:    c.localSeq,
			UpstreamMTU:   c.mtu,
			DownstreamMTU: c.mtu,
		},
	}
	raw := syn.Encode()

	deadline := time.Now().Add(defaultConnectTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	for attempt := 0; attempt <= maxRetransmits; attempt++ {
		if time.Now().After(deadline) {
			break
		}

		if _, err := c.sock.Write(raw); err != nil {
			return fmt.Errorf("udp: sending SYN: %w", err)
		}

		_ = c.sock.SetReadDeadline(time.Now().Add(retransmitInterval))
		n, err := c.sock.Read(c.readBuf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return fmt.Errorf("udp: awaiting SYN+ACK: %w", err)
		}

		d, err := rdpeudp.Decode(c.readBuf[:n])
		if err != nil {
			c.log.Warn("udp: discarding undecodable handshake datagram: %v", err)
			continue
		}
		if d.Syn == nil || !d.Header.Has(rdpeudp.FlagAck) {
			continue
		}

		c.remoteSeq = d.Syn.InitialSeq
		if d.Syn.DownstreamMTU != 0 && d.Syn.DownstreamMTU < c.mtu {
			c.mtu = d.Syn.DownstreamMTU
		}
		c.state = stateEstablished
		_ = c.sock.SetReadDeadline(time.Time{})

		return c.sendAck()
	}

	return fmt.Errorf("%w: no SYN+ACK within %d attempts", ErrHandshake, maxRetransmits+1)
}

// sendAck acknowledges everything received so far.
func (c *Conn) sendAck() error {
	d := &rdpeudp.Datagram{
		Header: rdpeudp.Header{
			SourceAck:     c.remoteSeq,
			ReceiveWindow: rdpeudp.DefaultReceiveWindow,
		},
		Ack: rdpeudp.SingleRun(1),
	}
	if _, err := c.sock.Write(d.Encode()); err != nil {
		return fmt.Errorf("udp: sending ACK: %w", err)
	}
	return nil
}

// Read returns payload bytes in peer order. Acknowledgments are processed
// and emitted inline, and a receive timeout triggers retransmission of the
// oldest unacknowledged datagram before the error is surfaced.
func (c *Conn) Read(b []byte) (int, error) {
	if c.state == stateClosed {
		return 0, ErrClosed
	}

	if len(c.leftover) > 0 {
		n := copy(b, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	for {
		if len(c.pending) > 0 {
			payload := c.pending[0]
			c.pending = c.pending[1:]
			n := copy(b, payload)
			if n < len(payload) && !c.lossy {
				c.leftover = payload[n:]
			}
			return n, nil
		}

		n, err := c.sock.Read(c.readBuf)
		if err != nil {
			if isTimeout(err) && c.retransmitOldest() {
				continue
			}
			return 0, err
		}

		d, err := rdpeudp.Decode(c.readBuf[:n])
		if err != nil {
			c.log.Warn("udp: discarding undecodable datagram: %v", err)
			continue
		}
		c.process(d)
	}
}

// process applies one received datagram to the connection state.
func (c *Conn) process(d *rdpeudp.Datagram) {
	if d.Header.SourceAck != rdpeudp.InitialAck {
		c.handleAck(d.Header.SourceAck)
	}

	if d.Source == nil {
		return
	}

	seq := d.Source.Seq
	switch {
	case c.lossy || seq == c.remoteSeq+1:
		c.remoteSeq = seq
		payload := make([]byte, len(d.Payload))
		copy(payload, d.Payload)
		c.pending = append(c.pending, payload)
	case seq <= c.remoteSeq:
		// Duplicate; the re-ACK below is all the peer needs.
	default:
		// Gap: an earlier datagram is missing. Drop and let the peer's
		// retransmission fill the hole in order.
		c.log.Debug("udp: dropping out-of-order datagram %d (expected %d)", seq, c.remoteSeq+1)
		return
	}

	if err := c.sendAck(); err != nil {
		c.log.Warn("udp: failed to acknowledge datagram %d: %v", seq, err)
	}
}

// handleAck releases retransmission state for every datagram the peer has
// now seen.
func (c *Conn) handleAck(ack uint32) {
	if ack > c.peerAck {
		c.peerAck = ack
	}

	kept := c.unacked[:0]
	for _, p := range c.unacked {
		if p.seq > ack {
			kept = append(kept, p)
		}
	}
	c.unacked = kept
}

// retransmitOldest resends the oldest unacknowledged datagram. It reports
// false when there is nothing to resend or the retry budget is exhausted,
// letting the caller surface the timeout.
func (c *Conn) retransmitOldest() bool {
	if c.lossy || len(c.unacked) == 0 {
		return false
	}

	p := &c.unacked[0]
	if p.attempts > maxRetransmits {
		return false
	}
	p.attempts++

	if _, err := c.sock.Write(p.raw); err != nil {
		c.log.Warn("udp: retransmitting datagram %d: %v", p.seq, err)
		return false
	}
	return true
}

// Write sends b as one or more sequenced data datagrams, fragmenting
// against the negotiated MTU. Reliable-mode datagrams are retained until
// acknowledged.
func (c *Conn) Write(b []byte) (int, error) {
	if c.state != stateEstablished {
		return 0, ErrClosed
	}

	maxPayload := int(c.mtu) - datagramOverhead
	var total int
	for len(b) > 0 {
		chunk := b
		if len(chunk) > maxPayload {
			chunk = b[:maxPayload]
		}
		b = b[len(chunk):]

		c.localSeq++
		d := &rdpeudp.Datagram{
			Header: rdpeudp.Header{
				SourceAck:     c.remoteSeq,
				ReceiveWindow: rdpeudp.DefaultReceiveWindow,
			},
			Source:  &rdpeudp.Source{CoherencyNumber: c.localSeq, Seq: c.localSeq},
			Payload: chunk,
		}

		raw := d.Encode()
		if _, err := c.sock.Write(raw); err != nil {
			return total, fmt.Errorf("udp: sending datagram %d: %w", c.localSeq, err)
		}

		if !c.lossy {
			c.unacked = append(c.unacked, sentDatagram{seq: c.localSeq, raw: raw, attempts: 1})
		}
		total += len(chunk)
	}

	return total, nil
}

// Close sends a best-effort FIN and releases the socket.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return nil
	}

	if c.state == stateEstablished {
		fin := &rdpeudp.Datagram{
			Header: rdpeudp.Header{
				SourceAck:     c.remoteSeq,
				ReceiveWindow: rdpeudp.DefaultReceiveWindow,
				Flags:         rdpeudp.FlagFin,
			},
		}
		_, _ = c.sock.Write(fin.Encode())
	}

	c.state = stateClosed
	return c.sock.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.sock.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.sock.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.sock.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.sock.SetWriteDeadline(t) }

// SocketFd returns the descriptor backing the UDP socket, or -1 when the
// socket does not expose one. Used by the TCP transport to include active
// tunnels in a unified readiness poll.
func (c *Conn) SocketFd() int {
	sc, ok := c.sock.(syscall.Conn)
	if !ok {
		return -1
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = rc.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	})
	return fd
}

func randomSequenceNumber() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	// Keep clear of the wraparound region so sequence comparisons stay
	// simple for a session's lifetime.
	return binary.BigEndian.Uint32(buf[:]) & 0x3FFFFFFF
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
