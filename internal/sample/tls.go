package sample

// RawTLS is one TCP-connect + TLS-handshake timing and certificate check.
type RawTLS struct {
	Base
	TCPConnectMS        float64 `json:"tcp_connect_ms,omitempty"`
	TLSHandshakeMS      float64 `json:"tls_handshake_ms,omitempty"`
	CertDaysUntilExpiry int     `json:"cert_days_until_expiry,omitempty"`
	SSLValid            bool    `json:"ssl_valid"`
	CipherSuite         string  `json:"cipher_suite,omitempty"`
}

// AggTLS summarizes a closed 60s window of RawTLS rows.
type AggTLS struct {
	AggregateBase
	AvgHandshakeMS  float64 `json:"avg_handshake_ms"`
	MinHandshakeMS  float64 `json:"min_handshake_ms"`
	MaxHandshakeMS  float64 `json:"max_handshake_ms"`
	SSLValidPercent float64 `json:"ssl_valid_percent"`
}
