package transport

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	itls "github.com/icodeface/tls"
)

// tlsEndpoint wraps an icodeface/tls connection as an endpoint. icodeface/tls
// is a frozen fork of the standard library's crypto/tls that still
// negotiates the legacy cipher suites and protocol versions (RC4, 3DES,
// TLS 1.0) that older RDP servers offer and that crypto/tls itself has
// progressively refused to dial.
type tlsEndpoint struct {
	conn     *itls.Conn
	buffered *bufio.Reader
	blocking bool
	sockfd   int
}

func buildTLSConfig(settings Settings, fallbackServerName string) *itls.Config {
	serverName := settings.ServerName
	if serverName == "" {
		serverName = fallbackServerName
	}

	minVersion := tlsVersion(settings.MinTLSVersion)
	if settings.SkipTLSValidation {
		minVersion = itls.VersionTLS10
	}

	cfg := &itls.Config{
		InsecureSkipVerify: settings.SkipTLSValidation,
		MinVersion:         minVersion,
		MaxVersion:         itls.VersionTLS12,
		ServerName:         serverName,
	}

	if settings.SkipTLSValidation {
		cfg.CipherSuites = nil
	}

	if cfg.InsecureSkipVerify && cfg.ServerName == "" {
		cfg.ServerName = "rdp-server"
	}

	return cfg
}

func tlsVersion(version string) uint16 {
	switch version {
	case "1.0":
		return itls.VersionTLS10
	case "1.1":
		return itls.VersionTLS11
	case "1.3":
		// icodeface/tls predates TLS 1.3; callers asking for 1.3 get the
		// highest version this fork actually negotiates.
		return itls.VersionTLS12
	case "1.2", "":
		return itls.VersionTLS12
	default:
		return itls.VersionTLS12
	}
}

// dialTLS performs the client-side handshake over an already-connected raw
// connection, the in-place upgrade UpgradeToTls needs.
func dialTLS(raw net.Conn, settings Settings) (*tlsEndpoint, error) {
	cfg := buildTLSConfig(settings, serverNameFromAddr(raw))

	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetDeadline(time.Now().Add(30 * time.Second))
		defer tcpConn.SetDeadline(time.Time{}) //nolint:errcheck
	}

	conn := itls.Client(raw, cfg)
	if err := conn.Handshake(); err != nil {
		return nil, wrapTLSHandshakeError(err, settings)
	}

	return &tlsEndpoint{
		conn:     conn,
		buffered: bufio.NewReaderSize(conn, 16384),
		blocking: true,
		sockfd:   socketDescriptor(raw),
	}, nil
}

// acceptTLS performs the server-side handshake, loading the certificate pair
// from settings.
func acceptTLS(raw net.Conn, settings Settings) (*tlsEndpoint, error) {
	cert, err := itls.LoadX509KeyPair(settings.CertFile, settings.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: loading TLS certificate: %w", err)
	}

	cfg := &itls.Config{Certificates: []itls.Certificate{cert}}
	conn := itls.Server(raw, cfg)
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("transport: TLS accept handshake failed: %w", err)
	}

	return &tlsEndpoint{
		conn:     conn,
		buffered: bufio.NewReaderSize(conn, 16384),
		blocking: true,
		sockfd:   socketDescriptor(raw),
	}, nil
}

func wrapTLSHandshakeError(err error, settings Settings) error {
	if settings.SkipTLSValidation {
		return fmt.Errorf("transport: TLS handshake failed even with validation skipped: %w", err)
	}
	if strings.Contains(err.Error(), "certificate") || strings.Contains(err.Error(), "x509") {
		return fmt.Errorf("transport: TLS certificate verification failed: %w (consider SkipTLSValidation for development environments)", err)
	}
	return fmt.Errorf("transport: TLS handshake failed: %w", err)
}

func serverNameFromAddr(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil || net.ParseIP(host) != nil {
		return ""
	}
	return host
}

func (e *tlsEndpoint) read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if !e.blocking {
		_ = e.conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
		defer e.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	n, err := e.buffered.Read(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

func (e *tlsEndpoint) write(buf []byte) (int, error) {
	n, err := e.conn.Write(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

func (e *tlsEndpoint) canRecv(timeoutMs int) bool {
	_ = e.conn.SetReadDeadline(time.Now().Add(time.Duration(timeoutMs) * time.Millisecond))
	defer e.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	_, err := e.buffered.Peek(1)
	return err == nil
}

func (e *tlsEndpoint) setBlockingMode(blocking bool) {
	e.blocking = blocking
}

func (e *tlsEndpoint) fd() int {
	return e.sockfd
}

func (e *tlsEndpoint) close() error {
	return e.conn.Close()
}

// peerPublicKey extracts the server certificate's raw public key info, used
// by CredSSP to bind the NTLM exchange to the TLS channel.
func (e *tlsEndpoint) peerPublicKey() ([]byte, error) {
	state := e.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("transport: no peer certificate on TLS connection")
	}
	return state.PeerCertificates[0].RawSubjectPublicKeyInfo, nil
}
