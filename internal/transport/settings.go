package transport

// Settings is the read-only configuration surface the transport consults.
// The caller owns it for the transport's whole lifetime; the transport never
// mutates it.
type Settings struct {
	// Authentication enables NLA/CredSSP during UpgradeToNla. When false,
	// UpgradeToNla performs only the TLS upgrade and returns immediately.
	Authentication bool

	// CertFile and PrivateKeyFile locate the server certificate pair used by
	// AcceptTls. Unused on the client side.
	CertFile       string
	PrivateKeyFile string

	// ServerName is used for TLS server-name verification. Left empty when
	// dialing a bare IP address.
	ServerName string

	// SkipTLSValidation disables certificate verification. Intended for
	// development environments and legacy servers with self-signed certs.
	SkipTLSValidation bool

	// MinTLSVersion is one of "1.0", "1.1", "1.2", "1.3". Defaults to "1.2"
	// when empty.
	MinTLSVersion string

	// Domain, Username, and Password feed the CredSSP/NTLMv2 exchange run by
	// UpgradeToNla. Unused when Authentication is false.
	Domain   string
	Username string
	Password string
}
