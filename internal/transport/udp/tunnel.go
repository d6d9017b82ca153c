package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kulaginds/rdp-transport/internal/logging"
	"github.com/kulaginds/rdp-transport/internal/protocol/rdpemt"
)

// Tunnel is one established multitransport side channel: an RDPEUDP
// connection secured with TLS or DTLS and bound to its request by the
// tunnel create exchange.
type Tunnel struct {
	RequestID uint32
	Cookie    [rdpemt.CookieLen]byte
	Reliable  bool

	conn *SecureConn
}

// Read returns the payload of the next data PDU on the tunnel.
func (t *Tunnel) Read(b []byte) (int, error) {
	return t.conn.Read(b)
}

// Write sends b as one data PDU.
func (t *Tunnel) Write(b []byte) (int, error) {
	return t.conn.Write(b)
}

// Close tears the tunnel down.
func (t *Tunnel) Close() error {
	return t.conn.Close()
}

// SocketFd returns the descriptor of the tunnel's UDP socket, or -1.
func (t *Tunnel) SocketFd() int {
	return t.conn.SocketFd()
}

// TunnelManager establishes and tracks the UDP tunnels a session's
// multitransport requests ask for. Establishment is synchronous: the caller
// decides when to spend the time, the same cooperative model the transport
// itself follows.
type TunnelManager struct {
	mu sync.Mutex

	log        *logging.Logger
	serverAddr string
	serverName string

	enabled        bool
	connectTimeout time.Duration

	tunnels map[uint32]*Tunnel
	onReady func(*Tunnel)
}

// TunnelManagerConfig configures a TunnelManager.
type TunnelManagerConfig struct {
	// ServerAddr is the RDP server's host:port; the UDP tunnels target the
	// same endpoint as the main TCP connection.
	ServerAddr string

	// ServerName is passed to the tunnel's TLS/DTLS handshake.
	ServerName string

	// Enabled controls whether HandleRequest establishes tunnels at all.
	Enabled bool

	// ConnectTimeout bounds handshake plus tunnel create per request.
	ConnectTimeout time.Duration

	Logger *logging.Logger
}

// NewTunnelManager creates a manager; tunnels are declined until enabled.
func NewTunnelManager(cfg TunnelManagerConfig) *TunnelManager {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}

	return &TunnelManager{
		log:            log,
		serverAddr:     cfg.ServerAddr,
		serverName:     cfg.ServerName,
		enabled:        cfg.Enabled,
		connectTimeout: timeout,
		tunnels:        make(map[uint32]*Tunnel),
	}
}

// SetServerAddr points the manager at the RDP server.
func (tm *TunnelManager) SetServerAddr(host string, port int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.serverAddr = net.JoinHostPort(host, strconv.Itoa(port))
}

// SetEnabled switches tunnel establishment on or off.
func (tm *TunnelManager) SetEnabled(enabled bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.enabled = enabled
}

// IsEnabled reports whether tunnels are currently allowed.
func (tm *TunnelManager) IsEnabled() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.enabled
}

// SetReadyCallback registers a callback run after each tunnel establishes.
func (tm *TunnelManager) SetReadyCallback(cb func(*Tunnel)) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.onReady = cb
}

// HandleRequest establishes the tunnel a multitransport request asks for:
// UDP handshake, TLS or DTLS per the requested protocol, then the tunnel
// create exchange. The established tunnel is tracked and returned.
func (tm *TunnelManager) HandleRequest(req *rdpemt.Request) (*Tunnel, error) {
	tm.mu.Lock()
	enabled := tm.enabled
	addr := tm.serverAddr
	serverName := tm.serverName
	timeout := tm.connectTimeout
	onReady := tm.onReady
	tm.mu.Unlock()

	if !enabled {
		return nil, errors.New("udp: tunnels are disabled")
	}
	if addr == "" {
		return nil, errors.New("udp: no server address configured")
	}

	reliable := !req.Lossy()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := Dial(ctx, addr, !reliable, tm.log)
	if err != nil {
		return nil, err
	}

	sc, err := secure(ctx, conn, reliable, serverName)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := sc.createTunnel(ctx, req.RequestID, req.Cookie); err != nil {
		_ = sc.Close()
		return nil, err
	}

	tunnel := &Tunnel{
		RequestID: req.RequestID,
		Cookie:    req.Cookie,
		Reliable:  reliable,
		conn:      sc,
	}

	tm.mu.Lock()
	tm.tunnels[req.RequestID] = tunnel
	tm.mu.Unlock()

	tm.log.Info("udp: tunnel %d established (%s)", req.RequestID, rdpemt.ProtocolString(req.Protocol))

	if onReady != nil {
		onReady(tunnel)
	}
	return tunnel, nil
}

// GetTunnel returns a tracked tunnel by request ID, or nil.
func (tm *TunnelManager) GetTunnel(requestID uint32) *Tunnel {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.tunnels[requestID]
}

// CloseTunnel tears down and forgets one tunnel.
func (tm *TunnelManager) CloseTunnel(requestID uint32) error {
	tm.mu.Lock()
	tunnel := tm.tunnels[requestID]
	delete(tm.tunnels, requestID)
	tm.mu.Unlock()

	if tunnel == nil {
		return fmt.Errorf("udp: no tunnel with request ID %d", requestID)
	}
	return tunnel.Close()
}

// CloseAll tears down every tracked tunnel.
func (tm *TunnelManager) CloseAll() {
	tm.mu.Lock()
	tunnels := tm.tunnels
	tm.tunnels = make(map[uint32]*Tunnel)
	tm.mu.Unlock()

	for _, tunnel := range tunnels {
		if err := tunnel.Close(); err != nil {
			tm.log.Warn("udp: closing tunnel %d: %v", tunnel.RequestID, err)
		}
	}
}

// AppendReadFds appends the socket descriptors of all tunnels with an open
// UDP socket to out, for a caller-driven unified readiness poll.
func (tm *TunnelManager) AppendReadFds(out []int) []int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, tunnel := range tm.tunnels {
		if fd := tunnel.SocketFd(); fd >= 0 {
			out = append(out, fd)
		}
	}
	return out
}
