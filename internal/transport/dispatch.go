package transport

import (
	"fmt"

	"github.com/kulaginds/rdp-transport/internal/logging"
)

// CheckReadiness is the steady-state, non-blocking operation: call it from
// the caller's event loop whenever the transport's socket is readable. At
// most one PDU is dispatched per call; bytes beyond the first complete PDU
// stay in the receive buffer, so a second PDU that arrived in the same
// readiness event is delivered on the next call with no additional socket
// data needed.
func (t *Transport) CheckReadiness() error {
	if t.level != 0 {
		t.log.Error("CheckReadiness called reentrantly from inside a dispatch")
		return ErrReentrant
	}

	ep := t.activeEndpoint()
	if ep == nil {
		return ErrClosed
	}

	dst := t.recvBuf.writable(dispatchHeadroom)
	n, err := ep.read(dst)
	if err != nil {
		return fmt.Errorf("transport: CheckReadiness read: %w", err)
	}
	t.recvBuf.advance(n)

	if t.recvBuf.len() == 0 {
		return nil
	}

	buffered := t.recvBuf.buffered()

	totalLen, needMore, err := recognize(buffered)
	if err != nil {
		t.log.Warn("protocol error on %d buffered bytes:\n%s", len(buffered), logging.HexDump(buffered))
		return fmt.Errorf("transport: %w", err)
	}

	if needMore > 0 {
		return nil
	}

	if totalLen == 0 {
		t.log.Warn("protocol error: unrecognized framing on %d buffered bytes:\n%s", len(buffered), logging.HexDump(buffered))
		return ErrProtocol
	}

	if t.recvBuf.len() < totalLen {
		return nil
	}

	if t.callback == nil {
		return fmt.Errorf("transport: no receive callback registered")
	}

	pdu := t.recvBuf.seal(totalLen)

	if t.log.GetLevel() == logging.LevelDebug {
		t.log.Debug("dispatching %d-byte PDU:\n%s", len(pdu), logging.HexDump(pdu))
	}

	t.level++
	err = t.callback(t, pdu)
	t.level--

	if err != nil {
		return fmt.Errorf("transport: callback failed: %w", err)
	}
	return nil
}
