package metrics

import "marketfeed/logger"

// FeedStats is a point-in-time view of the ingestion pipeline.
type FeedStats struct {
	State         string
	StateCode     int
	Attempts      int64
	Reconnects    int64
	Frames        int64
	Delivered     int64
	Malformed     int64
	Invalid       int64
	Inserted      int64
	Duplicates    int64
	Evicted       int64
	StoreLen      int
	StoreCap      int
	Paused        bool
	PausedDropped int64
	Subscribers   int
}

// ReportFeed emits the pipeline metrics using the provided logger and component name.
func ReportFeed(log *logger.Log, component string, stats FeedStats) {
	l := log.WithComponent(component)

	dropRate := float64(0)
	if stats.Frames > 0 {
		dropRate = float64(stats.Malformed+stats.Invalid) / float64(stats.Frames)
	}
	fill := float64(0)
	if stats.StoreCap > 0 {
		fill = float64(stats.StoreLen) / float64(stats.StoreCap)
	}

	EmitMetric(log, component, "events_delivered", stats.Delivered, TypeCounter, nil)
	EmitMetric(log, component, "events_inserted", stats.Inserted, TypeCounter, nil)
	EmitMetric(log, component, "events_duplicate", stats.Duplicates, TypeCounter, nil)
	EmitMetric(log, component, "frames_malformed", stats.Malformed, TypeCounter, nil)
	EmitMetric(log, component, "frames_invalid", stats.Invalid, TypeCounter, nil)
	EmitMetric(log, component, "connection_state", stats.StateCode, TypeGauge, nil)
	EmitMetric(log, component, "retry_attempts", stats.Attempts, TypeGauge, nil)
	EmitMetric(log, component, "reconnects", stats.Reconnects, TypeCounter, nil)
	EmitMetric(log, component, "store_len", stats.StoreLen, TypeGauge, nil)
	EmitMetric(log, component, "store_evicted", stats.Evicted, TypeCounter, nil)
	EmitMetric(log, component, "frame_drop_rate", dropRate, TypeGauge, logger.Fields{"unit": "percent"})

	entry := l.WithFields(logger.Fields{
		"state":          stats.State,
		"attempts":       stats.Attempts,
		"frames":         stats.Frames,
		"delivered":      stats.Delivered,
		"malformed":      stats.Malformed,
		"invalid":        stats.Invalid,
		"inserted":       stats.Inserted,
		"duplicates":     stats.Duplicates,
		"evicted":        stats.Evicted,
		"store_len":      stats.StoreLen,
		"store_cap":      stats.StoreCap,
		"store_fill":     fill,
		"frame_drop":     dropRate,
		"paused":         stats.Paused,
		"paused_dropped": stats.PausedDropped,
		"subscribers":    stats.Subscribers,
	})

	if stats.Malformed+stats.Invalid > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
