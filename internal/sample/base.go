// Package sample defines the raw and aggregate metric rows produced by each
// probe kind. One narrow struct per kind keeps the store schema and
// aggregation math direct instead of routing everything through a wide
// nullable row.
package sample

// Base fields shared by every raw sample kind.
type Base struct {
	TaskName  string `json:"task_name"`
	Timestamp int64  `json:"timestamp_unix"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// AggregateBase fields shared by every aggregate window kind.
type AggregateBase struct {
	TaskName           string  `json:"task_name"`
	PeriodStart        int64   `json:"period_start"`
	PeriodEnd          int64   `json:"period_end"`
	SampleCount        int     `json:"sample_count"`
	SuccessCount       int     `json:"success_count"`
	FailCount          int     `json:"fail_count"`
	SuccessRatePercent float64 `json:"success_rate_percent"`
}

// Bucket returns the canonical aggregation key for a unix timestamp:
// floor(timestamp/60)*60.
func Bucket(unixTimestamp int64) int64 {
	const windowSeconds = 60
	return (unixTimestamp / windowSeconds) * windowSeconds
}
