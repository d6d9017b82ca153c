package transport

import (
	"bufio"
	"io"
	"net"
	"syscall"
	"time"
)

// tcpEndpoint wraps a plain net.Conn (normally a *net.TCPConn) as an
// endpoint. Reads go through a small buffered reader so canRecv can peek for
// readiness without consuming bytes that read() still needs to deliver.
type tcpEndpoint struct {
	conn     net.Conn
	buffered *bufio.Reader
	blocking bool
	sockfd   int
}

func newTCPEndpoint(conn net.Conn) *tcpEndpoint {
	return &tcpEndpoint{
		conn:     conn,
		buffered: bufio.NewReaderSize(conn, 16384),
		blocking: true,
		sockfd:   socketDescriptor(conn),
	}
}

func (e *tcpEndpoint) read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if !e.blocking {
		// A 1 ms deadline read is how this endpoint emulates
		// tcp_read's "return 0 on no data" contract over net.Conn, which has
		// no native non-blocking mode.
		_ = e.conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
		defer e.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	n, err := e.buffered.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		if err == io.EOF {
			return 0, err
		}
		return -1, err
	}
	return n, nil
}

func (e *tcpEndpoint) write(buf []byte) (int, error) {
	n, err := e.conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

func (e *tcpEndpoint) canRecv(timeoutMs int) bool {
	_ = e.conn.SetReadDeadline(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
	defer e.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	_, err := e.buffered.Peek(1)
	return err == nil
}

func (e *tcpEndpoint) setBlockingMode(blocking bool) {
	e.blocking = blocking
}

func (e *tcpEndpoint) fd() int {
	return e.sockfd
}

func (e *tcpEndpoint) close() error {
	return e.conn.Close()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

// socketDescriptor extracts the raw file descriptor backing conn, for
// GetReadFds. It returns -1 when conn does not expose one (e.g. in tests
// against net.Pipe or a mock).
func socketDescriptor(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
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
