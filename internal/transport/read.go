package transport

import (
	"fmt"
	"time"
)

// ReadExact reads exactly len(dst) bytes from the active layer into dst. It
// returns the cumulative bytes obtained during this call and a nil error,
// unless no endpoint is active (ErrClosed) or the endpoint fails.
// In blocking mode it loops, backing off on a zero-byte read, until dst is
// full or the endpoint errors. In non-blocking mode it returns immediately
// with however many bytes were available — a short count with a nil error
// means "would block, call again later", matching Go's io.Reader short-read
// convention rather than introducing a second return-value sentinel.
func (t *Transport) ReadExact(dst []byte) (int, error) {
	ep := t.activeEndpoint()
	if ep == nil {
		return 0, ErrClosed
	}

	var total int
	for total < len(dst) {
		n, err := ep.read(dst[total:])
		if err != nil {
			return total, fmt.Errorf("transport: reading: %w", err)
		}

		total += n

		if !t.blocking {
			return total, nil
		}

		if n == 0 {
			t.waitForReadiness(ep)
		}
	}

	return total, nil
}

// waitForReadiness backs off between zero-byte blocking reads: up to 100ms
// via the endpoint's own readiness probe when one is meaningful, or a fixed
// idle sleep otherwise.
func (t *Transport) waitForReadiness(ep endpoint) {
	if ep.fd() >= 0 {
		ep.canRecv(100)
		return
	}
	time.Sleep(usleepInterval)
}

// readOne reads exactly one framed PDU into the transport's receive scratch
// buffer, growing it once the declared length is known.
//
// It returns the slice holding the complete PDU and the number of bytes
// obtained in this call (which may be a partial header read in non-blocking
// mode; the caller retries). The slice is valid until the next read call.
func (t *Transport) readOne() ([]byte, int, error) {
	if len(t.recvStream) < tpktHeaderLen {
		return nil, 0, ErrClosed
	}
	buf := t.recvStream[:tpktHeaderLen]

	n, err := t.ReadExact(buf)
	if err != nil {
		return nil, n, err
	}
	if n < tpktHeaderLen {
		// Non-blocking and the socket went empty before even the 4-byte
		// header arrived; the caller retries.
		return buf[:n], n, nil
	}

	// buf already holds 4 bytes, which is at least as many as any of the
	// three recognized framings needs to compute its total length, so
	// needMore is always satisfied here.
	totalLen, _, err := recognize(buf)
	if err != nil {
		return nil, n, err
	}
	if totalLen == 0 {
		return nil, n, fmt.Errorf("%w: unrecognized PDU header", ErrProtocol)
	}

	if totalLen <= len(buf) {
		return buf[:totalLen], n, nil
	}

	if totalLen > len(t.recvStream) {
		grown := make([]byte, totalLen)
		copy(grown, t.recvStream[:tpktHeaderLen])
		t.recvStream = grown
	}
	pdu := t.recvStream[:totalLen]

	remaining, err := t.ReadExact(pdu[tpktHeaderLen:])
	if err != nil {
		return nil, n + remaining, err
	}

	return pdu, n + remaining, nil
}

// ReadOne reads exactly one PDU during connection negotiation, recognizing
// TPKT, Fast-Path, and TSRequest framing.
func (t *Transport) ReadOne() ([]byte, error) {
	pdu, _, err := t.readOne()
	return pdu, err
}
