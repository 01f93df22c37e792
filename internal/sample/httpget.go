package sample

// RawHTTPGet is one DNS-excluded HTTP GET phase-timing measurement.
type RawHTTPGet struct {
	Base
	TCPMS               float64 `json:"tcp_ms,omitempty"`
	TLSMS               float64 `json:"tls_ms,omitempty"`
	TTFBMS              float64 `json:"ttfb_ms,omitempty"`
	DownloadMS          float64 `json:"download_ms,omitempty"`
	TotalMS             float64 `json:"total_ms,omitempty"`
	StatusCode          int     `json:"status_code,omitempty"`
	BodyBytes           int64   `json:"body_bytes,omitempty"`
	CertDaysUntilExpiry int     `json:"cert_days_until_expiry,omitempty"`
}

// AggHTTPGet summarizes a closed 60s window of RawHTTPGet rows.
type AggHTTPGet struct {
	AggregateBase
	AvgTotalMS              float64         `json:"avg_total_ms"`
	MinTotalMS              float64         `json:"min_total_ms"`
	MaxTotalMS              float64         `json:"max_total_ms"`
	StdDevTotalMS           float64         `json:"stddev_total_ms"`
	StatusCodeDistribution  map[int]int     `json:"status_code_distribution,omitempty"`
}
