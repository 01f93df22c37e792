package sample

// RawHTTPContent is one full-body fetch-and-regex-match measurement.
type RawHTTPContent struct {
	Base
	TotalMS    float64 `json:"total_ms,omitempty"`
	BodyBytes  int64   `json:"body_bytes,omitempty"`
	RegexMatch bool    `json:"regex_match"`
}

// AggHTTPContent summarizes a closed 60s window of RawHTTPContent rows.
type AggHTTPContent struct {
	AggregateBase
	AvgTotalMS            float64 `json:"avg_total_ms"`
	RegexMatchRatePercent float64 `json:"regex_match_rate_percent"`
}
