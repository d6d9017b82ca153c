package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/kulaginds/rdp-transport/internal/protocol/rdpemt"
	"github.com/kulaginds/rdp-transport/internal/transport/udp"
)

// MultitransportHandler manages MS-RDPEMT multitransport negotiation: the
// server's side-channel requests to move high-frequency traffic onto an
// MS-RDPEUDP tunnel. Responses travel back over the main transport's write
// path like any other PDU.
type MultitransportHandler struct {
	mu sync.Mutex

	transport *Transport

	pendingRequests map[uint32]*rdpemt.Request

	udpEnabled bool
	tunnels    *udp.TunnelManager

	onUDPReady func(requestID uint32, cookie [rdpemt.CookieLen]byte, reliable bool)
}

// NewMultitransportHandler creates a handler that answers multitransport
// requests through t. UDP is declined until EnableUDP is called.
func NewMultitransportHandler(t *Transport) *MultitransportHandler {
	return &MultitransportHandler{
		transport:       t,
		pendingRequests: make(map[uint32]*rdpemt.Request),
	}
}

// EnableUDP switches between accepting and declining UDP transport
// requests. A tunnel manager may be attached with SetTunnelManager to have
// accepted requests establish real MS-RDPEUDP tunnels.
func (h *MultitransportHandler) EnableUDP(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.udpEnabled = enabled
}

// SetTunnelManager attaches the MS-RDPEUDP tunnel manager that accepted
// requests are handed off to.
func (h *MultitransportHandler) SetTunnelManager(tm *udp.TunnelManager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tunnels = tm
}

// SetUDPReadyCallback sets a callback for when UDP transport is ready.
func (h *MultitransportHandler) SetUDPReadyCallback(cb func(requestID uint32, cookie [rdpemt.CookieLen]byte, reliable bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUDPReady = cb
}

// HandleRequest processes a server multitransport request PDU. With UDP
// disabled it responds E_ABORT immediately. With UDP enabled it records the
// request and, when a tunnel manager is attached, establishes the tunnel
// and answers success or failure; without one the caller accepts or
// declines explicitly after arranging its own tunnel.
func (h *MultitransportHandler) HandleRequest(data []byte) error {
	req, err := rdpemt.DecodeRequest(data)
	if err != nil {
		return fmt.Errorf("multitransport: decoding request: %w", err)
	}

	h.mu.Lock()
	enabled := h.udpEnabled
	tunnels := h.tunnels
	callback := h.onUDPReady

	if !enabled {
		h.mu.Unlock()
		return h.sendDecline(req.RequestID)
	}

	h.pendingRequests[req.RequestID] = req
	h.mu.Unlock()

	h.transport.log.Info("multitransport request received: ID=%d, protocol=%s",
		req.RequestID, rdpemt.ProtocolString(req.Protocol))

	if tunnels != nil {
		if _, err := tunnels.HandleRequest(req); err != nil {
			h.transport.log.Warn("multitransport tunnel setup failed for ID=%d: %v", req.RequestID, err)
			return h.DeclineRequest(req.RequestID)
		}
		if err := h.AcceptRequest(req.RequestID); err != nil {
			return err
		}
	}

	if callback != nil {
		callback(req.RequestID, req.Cookie, req.Reliable())
	}

	return nil
}

// sendDecline answers a request with E_ABORT over the main transport.
func (h *MultitransportHandler) sendDecline(requestID uint32) error {
	h.transport.log.Info("declining multitransport request ID=%d", requestID)

	if _, err := h.transport.Write(rdpemt.Decline(requestID).Encode()); err != nil {
		return err
	}
	return nil
}

// AcceptRequest accepts a pending multitransport request. Call it once the
// UDP tunnel for the request has been established.
func (h *MultitransportHandler) AcceptRequest(requestID uint32) error {
	h.mu.Lock()
	_, exists := h.pendingRequests[requestID]
	if exists {
		delete(h.pendingRequests, requestID)
	}
	h.mu.Unlock()

	if !exists {
		return errors.New("multitransport: no pending request with that ID")
	}

	h.transport.log.Info("accepting multitransport request ID=%d", requestID)

	if _, err := h.transport.Write(rdpemt.Accept(requestID).Encode()); err != nil {
		return err
	}
	return nil
}

// DeclineRequest explicitly declines a pending multitransport request.
func (h *MultitransportHandler) DeclineRequest(requestID uint32) error {
	h.mu.Lock()
	_, exists := h.pendingRequests[requestID]
	if exists {
		delete(h.pendingRequests, requestID)
	}
	h.mu.Unlock()

	if !exists {
		return errors.New("multitransport: no pending request with that ID")
	}

	return h.sendDecline(requestID)
}

// GetPendingRequest returns a pending request by ID.
func (h *MultitransportHandler) GetPendingRequest(requestID uint32) *rdpemt.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pendingRequests[requestID]
}

// ClearPendingRequests removes all pending requests.
func (h *MultitransportHandler) ClearPendingRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingRequests = make(map[uint32]*rdpemt.Request)
}

// appendReadFds adds the descriptors of any established UDP tunnels, so the
// caller's poll covers the side channels alongside the main socket.
func (h *MultitransportHandler) appendReadFds(out []int) []int {
	h.mu.Lock()
	tunnels := h.tunnels
	h.mu.Unlock()

	if tunnels == nil {
		return out
	}
	return tunnels.AppendReadFds(out)
}

// GenerateCookie generates a random security cookie for tunnel binding.
func GenerateCookie() ([rdpemt.CookieLen]byte, error) {
	var cookie [rdpemt.CookieLen]byte
	_, err := rand.Read(cookie[:])
	return cookie, err
}
