// Package dashboard serves the JSON consumer API over the feed: status,
// filtered events, filter control, stats and a server-sent event stream.
package dashboard

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketfeed/config"
	"marketfeed/internal/channel/events"
	"marketfeed/internal/feed"
	"marketfeed/internal/metrics"
	"marketfeed/internal/query"
	"marketfeed/internal/reader/stream"
	"marketfeed/internal/symbols"
	"marketfeed/logger"
	"marketfeed/models"
)

const component = "dashboard"

// Feed is the consumer surface the server drives.
type Feed interface {
	Status() models.ConnectionState
	Connect() error
	Events() []models.MarketEvent
	Query(c query.Criteria, limit int) []models.MarketEvent
	SetFeedFilter(models.Feed)
	SetSearchQuery(string)
	Criteria() query.Criteria
	Clear()
	Pause()
	Resume()
	Paused() bool
	Stats() feed.Stats
	Subscribe() (*events.Subscription, error)
}

// Server hosts the gin router for the feed API.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	feed          Feed
	recorder      *metrics.Recorder
	metricHandler metrics.MetricHandlerID
	logStore      *logStore
	httpServer    *http.Server
}

// NewServer constructs a server when the dashboard is enabled. When it is
// disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, f Feed, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if f == nil {
		return nil, errors.New("dashboard requires a feed")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.EventLimit <= 0 {
		cfg.EventLimit = 500
	}

	recorder := metrics.NewRecorder()
	handlerID := metrics.RegisterMetricHandler(recorder.Handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		feed:          f,
		recorder:      recorder,
		metricHandler: handlerID,
		logStore:      logStore,
	}, nil
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.buildRouter(appName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent(component).WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type filterRequest struct {
	Feed   *string `json:"feed"`
	Search *string `json:"search"`
}

type criteriaView struct {
	Feed   models.Feed `json:"feed"`
	Search string      `json:"search"`
}

// eventView adds the display projections consumers search on.
type eventView struct {
	models.MarketEvent
	Total string `json:"total"`
	Time  string `json:"time"`
}

func viewEvents(evs []models.MarketEvent) []eventView {
	out := make([]eventView, len(evs))
	for i, ev := range evs {
		out[i] = eventView{MarketEvent: ev, Total: ev.Total().StringFixed(2), Time: ev.Clock()}
	}
	return out
}

func viewCriteria(c query.Criteria) criteriaView {
	return criteriaView{Feed: c.Feed, Search: c.Search}
}

func (s *Server) buildRouter(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "app": appName})
	})

	api := router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/connect", s.handleConnect)
	api.GET("/events", s.handleEvents)
	api.GET("/filter", func(c *gin.Context) {
		c.JSON(http.StatusOK, viewCriteria(s.feed.Criteria()))
	})
	api.PUT("/filter", s.handleFilter)
	api.POST("/clear", func(c *gin.Context) {
		s.feed.Clear()
		c.JSON(http.StatusOK, gin.H{"cleared": true})
	})
	api.POST("/pause", func(c *gin.Context) {
		s.feed.Pause()
		c.JSON(http.StatusOK, gin.H{"paused": true})
	})
	api.POST("/resume", func(c *gin.Context) {
		s.feed.Resume()
		c.JSON(http.StatusOK, gin.H{"paused": false})
	})
	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.feed.Stats())
	})
	api.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"metrics": s.recorder.Snapshot()})
	})
	api.GET("/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(c.Query("component"))})
	})
	api.GET("/stream", s.handleStream)

	return router
}

func (s *Server) handleStatus(c *gin.Context) {
	stats := s.feed.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":   stats.Status,
		"attempts": stats.Stream.Attempts,
		"paused":   stats.Paused,
	})
}

func (s *Server) handleConnect(c *gin.Context) {
	if err := s.feed.Connect(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, stream.ErrStopped) || errors.Is(err, stream.ErrNotStarted) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": s.feed.Status()})
}

// handleEvents returns the feed's current projection. Either query parameter
// switches to an ad-hoc filter that leaves the stored criteria alone. Feed
// names accept exchange spellings such as BTCUSDT.
func (s *Server) handleEvents(c *gin.Context) {
	limit := s.cfg.EventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	feedParam, hasFeed := c.GetQuery("feed")
	search, hasSearch := c.GetQuery("q")

	var (
		evs      []models.MarketEvent
		criteria query.Criteria
	)
	if hasFeed || hasSearch {
		current := s.feed.Criteria()
		if !hasFeed {
			feedParam = string(current.Feed)
		}
		if !hasSearch {
			search = current.Search
		}
		criteria = query.Criteria{Feed: symbols.ToFeed(feedParam), Search: search}
		evs = s.feed.Query(criteria, 0)
	} else {
		criteria = s.feed.Criteria()
		evs = s.feed.Events()
	}

	total := len(evs)
	if len(evs) > limit {
		evs = evs[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"criteria": viewCriteria(criteria),
		"count":    len(evs),
		"total":    total,
		"events":   viewEvents(evs),
	})
}

func (s *Server) handleFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Feed != nil {
		s.feed.SetFeedFilter(symbols.ToFeed(*req.Feed))
	}
	if req.Search != nil {
		s.feed.SetSearchQuery(*req.Search)
	}
	c.JSON(http.StatusOK, viewCriteria(s.feed.Criteria()))
}

type streamUpdate struct {
	Status  models.ConnectionState `json:"status"`
	Version uint64                 `json:"version"`
	Event   *eventView             `json:"event,omitempty"`
}

// handleStream pushes store and status updates as server-sent events until
// the client goes away or the feed closes.
func (s *Server) handleStream(c *gin.Context) {
	sub, err := s.feed.Subscribe()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(string(events.KindStatus), streamUpdate{Status: s.feed.Status()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case upd, ok := <-sub.C:
			if !ok {
				return false
			}
			out := streamUpdate{Status: upd.Status, Version: upd.Version}
			if upd.Event != nil {
				v := viewEvents([]models.MarketEvent{*upd.Event})[0]
				out.Event = &v
			}
			c.SSEvent(string(upd.Kind), out)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return config.DefaultDashboardAddress
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8090"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8090")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8090")
	}

	return addr
}
