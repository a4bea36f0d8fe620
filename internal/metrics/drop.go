package metrics

import "optionflow/logger"

// DropMetric identifies the metric name emitted when a subscriber misses a snapshot.
type DropMetric string

const (
	// DropMetricSnapshot records snapshots a slow subscriber did not receive.
	DropMetricSnapshot DropMetric = "snapshot_messages_dropped"
	// DropMetricSinkRecord records rows an export sink could not buffer.
	DropMetricSinkRecord DropMetric = "sink_records_dropped"
)

// EmitDropMetric logs and emits a metric representing one dropped message.
// Optional metadata (subscriber, expiry, stage) is added to the metric fields
// when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, subscriber, expiry, stage string) {
	fields := logger.Fields{}
	if subscriber != "" {
		fields["subscriber"] = subscriber
	}
	if expiry != "" {
		fields["expiry"] = expiry
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
