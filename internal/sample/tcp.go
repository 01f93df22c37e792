package sample

// RawTCP is one TCP three-way-handshake timing measurement.
type RawTCP struct {
	Base
	ConnectMS  float64 `json:"connect_ms,omitempty"`
	ResolvedIP string  `json:"resolved_ip,omitempty"`
}

// AggTCP summarizes a closed 60s window of RawTCP rows.
type AggTCP struct {
	AggregateBase
	MinConnectMS    float64 `json:"min_connect_ms"`
	MaxConnectMS    float64 `json:"max_connect_ms"`
	AvgConnectMS    float64 `json:"avg_connect_ms"`
	StdDevConnectMS float64 `json:"stddev_connect_ms"`
}
