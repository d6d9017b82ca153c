package transport

import "errors"

// Sentinel errors for the transport's error taxonomy. Call sites wrap these
// with fmt.Errorf("...: %w", ...) so errors.Is keeps working across the
// package boundary.
// A non-blocking read that makes no progress is not an error: ReadExact and
// CheckReadiness report it as a short count (or no dispatch) with a nil
// error, per Go's io.Reader short-read convention, so there is no
// would-block sentinel here.
var (
	// ErrProtocol means the buffered header bytes match no recognized
	// framing, or a TSRequest length encoding used more length octets than
	// this implementation supports.
	ErrProtocol = errors.New("transport: protocol error")

	// ErrAuth means CredSSP authentication failed.
	ErrAuth = errors.New("transport: authentication failure, check credentials and/or settings")

	// ErrPeerClosed means a write returned a negative status; the layer has
	// moved to CLOSED and all further operations fail fast.
	ErrPeerClosed = errors.New("transport: peer closed connection")

	// ErrReentrant is returned when CheckReadiness is invoked while already
	// dispatching a PDU.
	ErrReentrant = errors.New("transport: reentrant CheckReadiness call")

	// ErrClosed is returned by reads and CheckReadiness when no endpoint is
	// active (nothing attached yet, or the transport has moved to the CLOSED
	// layer), and by Write before any endpoint is attached. Write on a CLOSED
	// transport reports ErrPeerClosed instead.
	ErrClosed = errors.New("transport: transport is closed")
)
