// Package transport implements the RDP transport core: the layer that sits
// directly above a TCP or TLS byte stream and delivers exactly one framed
// PDU at a time to an upper protocol handler.
//
// A Transport multiplexes three PDU framings (TPKT, Fast-Path, and ASN.1 DER
// TSRequest) over one connection, runs in a blocking "read exactly one PDU"
// mode during handshake and a non-blocking readiness-polled mode during the
// session, and can upgrade the underlying stream in place from cleartext TCP
// to TLS and optionally NLA/CredSSP without changing its upper-layer
// contract.
package transport
