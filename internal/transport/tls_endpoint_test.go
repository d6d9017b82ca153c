package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	itls "github.com/icodeface/tls"
)

// stubAddr lets a mockConn report an arbitrary remote address string.
type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

func TestTlsVersion(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		expected uint16
	}{
		{"TLS 1.0", "1.0", itls.VersionTLS10},
		{"TLS 1.1", "1.1", itls.VersionTLS11},
		{"TLS 1.2", "1.2", itls.VersionTLS12},
		{"TLS 1.3 capped to fork maximum", "1.3", itls.VersionTLS12},
		{"empty string defaults to 1.2", "", itls.VersionTLS12},
		{"invalid version defaults to 1.2", "invalid", itls.VersionTLS12},
		{"version 2.0 defaults to 1.2", "2.0", itls.VersionTLS12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tlsVersion(tt.version))
		})
	}
}

func TestServerNameFromAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{"hostname with port", "server.example.com:3389", "server.example.com"},
		{"short hostname", "host:3389", "host"},
		{"IPv4 address returns empty", "192.168.1.1:3389", ""},
		{"IPv6 address returns empty", "[::1]:3389", ""},
		{"localhost IP returns empty", "127.0.0.1:3389", ""},
		{"missing port returns empty", "server.example.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &mockConn{remoteAddr: stubAddr(tt.remoteAddr)}
			assert.Equal(t, tt.expected, serverNameFromAddr(conn))
		})
	}
}

func TestBuildTLSConfigDefaults(t *testing.T) {
	cfg := buildTLSConfig(Settings{}, "server.example.com")

	assert.False(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(itls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(itls.VersionTLS12), cfg.MaxVersion)
	assert.Equal(t, "server.example.com", cfg.ServerName)
}

func TestBuildTLSConfigExplicitServerNameWins(t *testing.T) {
	cfg := buildTLSConfig(Settings{ServerName: "configured.example.com"}, "fallback.example.com")

	assert.Equal(t, "configured.example.com", cfg.ServerName)
}

func TestBuildTLSConfigSkipValidationLowersFloor(t *testing.T) {
	cfg := buildTLSConfig(Settings{SkipTLSValidation: true, MinTLSVersion: "1.2"}, "")

	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(itls.VersionTLS10), cfg.MinVersion)
	// SNI must still carry something when verification is off and the dial
	// target was a bare IP.
	assert.Equal(t, "rdp-server", cfg.ServerName)
}

func TestBuildTLSConfigMinVersionHonored(t *testing.T) {
	cfg := buildTLSConfig(Settings{MinTLSVersion: "1.1"}, "")

	assert.Equal(t, uint16(itls.VersionTLS11), cfg.MinVersion)
}

func TestWrapTLSHandshakeError(t *testing.T) {
	base := errors.New("x509: certificate signed by unknown authority")

	err := wrapTLSHandshakeError(base, Settings{})
	assert.Contains(t, err.Error(), "certificate verification failed")
	assert.Contains(t, err.Error(), "SkipTLSValidation")
	assert.ErrorIs(t, err, base)

	err = wrapTLSHandshakeError(base, Settings{SkipTLSValidation: true})
	assert.Contains(t, err.Error(), "even with validation skipped")

	generic := errors.New("connection reset")
	err = wrapTLSHandshakeError(generic, Settings{})
	assert.Contains(t, err.Error(), "TLS handshake failed")
	assert.NotContains(t, err.Error(), "certificate")
}
