package config

import (
	"github.com/kulaginds/rdp-transport/internal/transport"
)

// TransportSettings maps the security section onto the transport layer's
// read-only settings surface. Credentials are supplied per connection by the
// caller, not stored in configuration.
func (sc *SecurityConfig) TransportSettings() transport.Settings {
	return transport.Settings{
		Authentication:    sc.UseNLA,
		CertFile:          sc.TLSCertFile,
		PrivateKeyFile:    sc.TLSKeyFile,
		ServerName:        sc.TLSServerName,
		SkipTLSValidation: sc.SkipTLSValidation,
		MinTLSVersion:     sc.MinTLSVersion,
	}
}
