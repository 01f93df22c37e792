package sample

// RawPing is one ICMP echo measurement.
type RawPing struct {
	Base
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	ResolvedIP string  `json:"resolved_ip,omitempty"`
}

// AggPing summarizes a closed 60s window of RawPing rows.
type AggPing struct {
	AggregateBase
	MinLatencyMS      float64 `json:"min_latency_ms"`
	MaxLatencyMS      float64 `json:"max_latency_ms"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	StdDevLatencyMS   float64 `json:"stddev_latency_ms"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
}
