package metrics

import "scalpflow/logger"

// DropMetric identifies the metric name emitted when data is dropped.
type DropMetric string

const (
	// DropMetricTickOverflow records ticks evicted from the bounded
	// inbound queue when the consumer falls behind.
	DropMetricTickOverflow DropMetric = "ticks_dropped_overflow"
	// DropMetricTickStale records out-of-order or duplicate ticks
	// discarded by the indicator worker.
	DropMetricTickStale DropMetric = "ticks_dropped_stale"
	// DropMetricMalformed records stream messages that failed to parse.
	DropMetricMalformed DropMetric = "messages_dropped_malformed"
)

// EmitDropMetric logs and emits a metric representing one dropped unit of
// data. Optional metadata (symbol, stage) is attached when provided so
// drops can be aggregated per stream downstream.
func EmitDropMetric(log *logger.Log, metric DropMetric, symbol, stage string) {
	fields := logger.Fields{}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
