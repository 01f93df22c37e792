package sample

// RawSQL is one SQL probe execution. Value is populated in "value" mode;
// JSONResult/JSONTruncated are populated in "json" mode.
type RawSQL struct {
	Base
	QueryMS       float64  `json:"query_ms,omitempty"`
	Value         *float64 `json:"value,omitempty"`
	JSONResult    string   `json:"json_result,omitempty"`
	JSONTruncated bool     `json:"json_truncated,omitempty"`
}

// AggSQL summarizes a closed 60s window of RawSQL rows.
type AggSQL struct {
	AggregateBase
	AvgQueryMS float64  `json:"avg_query_ms"`
	AvgValue   *float64 `json:"avg_value,omitempty"`
}
