// Package feed composes the stream manager, the event store and the query
// engine into the single object consumers talk to.
package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/config"
	"marketfeed/internal/channel/events"
	"marketfeed/internal/metrics"
	"marketfeed/internal/query"
	"marketfeed/internal/reader/stream"
	"marketfeed/internal/store"
	"marketfeed/logger"
	"marketfeed/models"
)

const component = "feed"

type QueryStats struct {
	Feed       models.Feed `json:"feed"`
	Search     string      `json:"search"`
	Recomputes uint64      `json:"recomputes"`
}

type Stats struct {
	Status        models.ConnectionState `json:"status"`
	Paused        bool                   `json:"paused"`
	PausedDropped int64                  `json:"paused_dropped"`
	Stream        stream.Stats           `json:"stream"`
	Store         store.Stats            `json:"store"`
	Channels      events.ChannelStats    `json:"channels"`
	Query         QueryStats             `json:"query"`
}

type Feed struct {
	manager  *stream.Manager
	store    *store.Store
	engine   *query.Engine
	channels *events.Channels
	log      *logger.Log

	reportInterval time.Duration

	paused        atomic.Bool
	pausedDropped atomic.Int64

	// last reported values, for delta drop metrics
	lastSubscriberDrops int64
	lastPausedDrops     int64
	lastFrameDrops      int64

	closeOnce sync.Once
}

// New wires a feed from cfg. Extra stream options are applied after the
// feed's own handlers, which lets callers swap the dialer or clock.
func New(cfg *config.Config, opts ...stream.Option) *Feed {
	f := &Feed{
		store:          store.New(cfg.Store.Capacity),
		channels:       events.NewChannels(cfg.Channels.EventBuffer),
		log:            logger.GetLogger(),
		reportInterval: cfg.Metrics.ReportInterval,
	}
	f.engine = query.NewEngine(f.store)

	base := []stream.Option{
		stream.WithLogger(f.log),
		stream.WithEventHandler(f.handleEvent),
		stream.WithStatusHandler(f.handleStatus),
	}
	f.manager = stream.NewManager(cfg.Stream, append(base, opts...)...)

	f.log.WithComponent(component).WithFields(logger.Fields{
		"url":            f.manager.URL(),
		"store_capacity": f.store.Capacity(),
		"event_buffer":   cfg.Channels.EventBuffer,
	}).Info("feed initialized")

	return f
}

// Start launches the stream manager and requests the first connection.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.manager.Start(ctx); err != nil {
		return err
	}
	return f.manager.Connect()
}

// Run starts the feed, reports metrics every report interval and blocks until
// ctx is cancelled, then closes the feed.
func (f *Feed) Run(ctx context.Context) error {
	if err := f.Start(ctx); err != nil {
		return err
	}
	defer f.Close()

	if f.reportInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(f.reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Report()
		}
	}
}

// Close stops the stream and ends every subscription. Safe to call more than once.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.manager.Stop()
		f.channels.Close()
		f.log.WithComponent(component).Info("feed closed")
	})
}

func (f *Feed) handleEvent(ev models.MarketEvent) {
	if f.paused.Load() {
		f.pausedDropped.Add(1)
		return
	}
	version, ok := f.store.Insert(ev)
	if !ok {
		return
	}
	f.channels.Publish(context.Background(), events.Update{
		Kind:    events.KindEvent,
		Event:   &ev,
		Status:  f.manager.Status(),
		Version: version,
	})
}

func (f *Feed) handleStatus(s models.ConnectionState) {
	f.channels.Publish(context.Background(), events.Update{
		Kind:    events.KindStatus,
		Status:  s,
		Version: f.store.Version(),
	})
}

func (f *Feed) Status() models.ConnectionState {
	return f.manager.Status()
}

// Connect asks for a connection; see stream.Manager.Connect.
func (f *Feed) Connect() error {
	return f.manager.Connect()
}

// Events returns the store filtered by the current criteria, newest first.
func (f *Feed) Events() []models.MarketEvent {
	return f.engine.Results()
}

// Query filters the current store contents with c, without touching the
// feed's own criteria. A positive limit truncates the result.
func (f *Feed) Query(c query.Criteria, limit int) []models.MarketEvent {
	out := query.Filter(f.store.Snapshot(), c)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Snapshot returns every stored event, newest first.
func (f *Feed) Snapshot() []models.MarketEvent {
	return f.store.Snapshot()
}

func (f *Feed) SetFeedFilter(feed models.Feed) {
	f.engine.SetFeed(feed)
}

func (f *Feed) SetSearchQuery(q string) {
	f.engine.SetSearch(q)
}

func (f *Feed) Criteria() query.Criteria {
	return f.engine.Criteria()
}

// Clear empties the store. The connection is left alone.
func (f *Feed) Clear() {
	f.store.Clear()
	f.channels.Publish(context.Background(), events.Update{
		Kind:    events.KindCleared,
		Status:  f.manager.Status(),
		Version: f.store.Version(),
	})
	f.log.WithComponent(component).Info("event store cleared")
}

// Pause stops inserting new events; they are counted and discarded.
func (f *Feed) Pause() {
	if !f.paused.Swap(true) {
		f.log.WithComponent(component).Info("ingestion paused")
	}
}

func (f *Feed) Resume() {
	if f.paused.Swap(false) {
		f.log.WithComponent(component).Info("ingestion resumed")
	}
}

func (f *Feed) Paused() bool {
	return f.paused.Load()
}

// Subscribe returns a live stream of store and status updates.
func (f *Feed) Subscribe() (*events.Subscription, error) {
	return f.channels.Subscribe()
}

func (f *Feed) Stats() Stats {
	c := f.engine.Criteria()
	return Stats{
		Status:        f.manager.Status(),
		Paused:        f.paused.Load(),
		PausedDropped: f.pausedDropped.Load(),
		Stream:        f.manager.Stats(),
		Store:         f.store.Stats(),
		Channels:      f.channels.GetStats(),
		Query: QueryStats{
			Feed:       c.Feed,
			Search:     c.Search,
			Recomputes: f.engine.Recomputes(),
		},
	}
}

// Report emits the feed metrics once.
func (f *Feed) Report() {
	s := f.Stats()
	metrics.ReportFeed(f.log, component, metrics.FeedStats{
		State:         s.Status.String(),
		StateCode:     int(s.Status),
		Attempts:      s.Stream.Attempts,
		Reconnects:    s.Stream.Retries,
		Frames:        s.Stream.Frames,
		Delivered:     s.Stream.Delivered,
		Malformed:     s.Stream.DecodeErrors,
		Invalid:       s.Stream.ShapeErrors,
		Inserted:      int64(s.Store.Inserted),
		Duplicates:    int64(s.Store.Duplicates),
		Evicted:       int64(s.Store.Evicted),
		StoreLen:      s.Store.Len,
		StoreCap:      s.Store.Capacity,
		Paused:        s.Paused,
		PausedDropped: s.PausedDropped,
		Subscribers:   s.Channels.Subscribers,
	})

	metrics.EmitDropMetric(f.log, metrics.DropMetricSubscriberUpdate, s.Channels.Dropped-f.lastSubscriberDrops, "", "fanout")
	f.lastSubscriberDrops = s.Channels.Dropped
	metrics.EmitDropMetric(f.log, metrics.DropMetricPaused, s.PausedDropped-f.lastPausedDrops, "", "paused")
	f.lastPausedDrops = s.PausedDropped
	frameDrops := s.Stream.DecodeErrors + s.Stream.ShapeErrors
	metrics.EmitDropMetric(f.log, metrics.DropMetricFrame, frameDrops-f.lastFrameDrops, "", "decode")
	f.lastFrameDrops = frameDrops
}

// ReportFields is the feed section of the periodic runtime report.
func (f *Feed) ReportFields() logger.Fields {
	s := f.Stats()
	return logger.Fields{
		"feed_status":      s.Status.String(),
		"feed_attempts":    s.Stream.Attempts,
		"feed_frames":      s.Stream.Frames,
		"feed_store_len":   s.Store.Len,
		"feed_inserted":    s.Store.Inserted,
		"feed_duplicates":  s.Store.Duplicates,
		"feed_paused":      s.Paused,
		"feed_subscribers": s.Channels.Subscribers,
	}
}
