package sample

// RawSNMP is one single-OID SNMP GET measurement.
type RawSNMP struct {
	Base
	QueryMS   float64 `json:"query_ms,omitempty"`
	Value     string  `json:"value,omitempty"`
	ValueType string  `json:"value_type,omitempty"`
}

// AggSNMP summarizes a closed 60s window of RawSNMP rows.
type AggSNMP struct {
	AggregateBase
	AvgQueryMS float64 `json:"avg_query_ms"`
}
