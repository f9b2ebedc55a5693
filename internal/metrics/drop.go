package metrics

import "marketfeed/logger"

// DropMetric identifies the metric name emitted when an update or frame is dropped.
type DropMetric string

const (
	// DropMetricSubscriberUpdate records updates a slow subscriber did not accept.
	DropMetricSubscriberUpdate DropMetric = "subscriber_updates_dropped"
	// DropMetricFrame records stream frames rejected by the decoder.
	DropMetricFrame DropMetric = "frames_dropped"
	// DropMetricPaused records events discarded while ingestion was paused.
	DropMetricPaused DropMetric = "paused_events_dropped"
)

// EmitDropMetric logs and emits count dropped items. Feed and stage are added to
// the metric fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, count int64, feed, stage string) {
	if count <= 0 {
		return
	}
	fields := logger.Fields{}
	if feed != "" {
		fields["feed"] = feed
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), count, TypeCounter, fields)
}
