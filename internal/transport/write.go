package transport

import (
	"fmt"
	"time"

	"github.com/kulaginds/rdp-transport/internal/logging"
)

// Write delivers the entirety of buf to the peer, looping until every byte
// is consumed. A zero-byte write backs off for the idle interval instead of
// busy-looping. A negative endpoint status moves the layer to CLOSED and is
// taken as evidence the peer dropped the connection: every later Write fails
// fast with ErrPeerClosed without touching the socket.
func (t *Transport) Write(buf []byte) (int, error) {
	if t.layer == LayerClosed {
		return 0, ErrPeerClosed
	}

	ep := t.activeEndpoint()
	if ep == nil {
		return 0, ErrClosed
	}

	if t.log.GetLevel() == logging.LevelDebug {
		t.log.Debug("writing %d-byte PDU:\n%s", len(buf), logging.HexDump(buf))
	}

	var total int
	for total < len(buf) {
		n, err := ep.write(buf[total:])
		if err != nil {
			t.layer = LayerClosed
			return total, fmt.Errorf("%w: %v", ErrPeerClosed, err)
		}

		if n == 0 {
			time.Sleep(usleepInterval)
			continue
		}

		total += n
	}

	return total, nil
}
