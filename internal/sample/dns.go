package sample

// RawDNS is one direct DNS (or DoH) query measurement.
type RawDNS struct {
	Base
	QueryMS           float64  `json:"query_ms,omitempty"`
	Records           []string `json:"records,omitempty"`
	ResolvedIP        string   `json:"resolved_ip,omitempty"`
	CorrectResolution bool     `json:"correct_resolution"`
}

// AggDNS summarizes a closed 60s window of RawDNS rows.
type AggDNS struct {
	AggregateBase
	AvgQueryMS                   float64 `json:"avg_query_ms"`
	CorrectResolutionRatePercent float64 `json:"correct_resolution_rate_percent"`
}
