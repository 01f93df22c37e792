package sample

// RawBandwidth is one coordinated bandwidth-test download measurement.
//
// Delayed rows are not failures: the coordinator asked the agent to retry
// later, and the scheduler does not emit a RawBandwidth for a pure delay
// response.
type RawBandwidth struct {
	Base
	Bytes           int64   `json:"bytes,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	MbPS            float64 `json:"bandwidth_mbps,omitempty"`
}

// AggBandwidth summarizes a closed 60s window of RawBandwidth rows.
type AggBandwidth struct {
	AggregateBase
	AvgMbps float64 `json:"avg_mbps"`
	MinMbps float64 `json:"min_mbps"`
	MaxMbps float64 `json:"max_mbps"`
}
