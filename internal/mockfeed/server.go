package mockfeed

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"marketfeed/config"
	"marketfeed/logger"
)

const component = "mockfeed"

// MalformedFrame is injected every MalformedEvery frames when configured.
const MalformedFrame = "{not json"

type Stats struct {
	Connections   int64 `json:"connections"`
	Active        int64 `json:"active"`
	FramesSent    int64 `json:"frames_sent"`
	MalformedSent int64 `json:"malformed_sent"`
}

// Server pushes generated events to every websocket client. Each client gets
// its own burst and pacing.
type Server struct {
	cfg      config.MockConfig
	gen      *Generator
	log      *logger.Log
	upgrader websocket.Upgrader

	connections   atomic.Int64
	active        atomic.Int64
	framesSent    atomic.Int64
	malformedSent atomic.Int64
}

func NewServer(cfg config.MockConfig, gen *Generator, log *logger.Log) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1
	}
	if gen == nil {
		gen = NewGenerator(time.Now().UnixNano())
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Server{
		cfg: cfg,
		gen: gen,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections:   s.connections.Load(),
		Active:        s.active.Load(),
		FramesSent:    s.framesSent.Load(),
		MalformedSent: s.malformedSent.Load(),
	}
}

// Handler upgrades every request to a websocket and streams events into it.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithComponent(component).WithError(err).Warn("websocket upgrade failed")
			return
		}
		s.serve(r.Context(), conn)
	})
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.log.WithComponent(component).WithFields(logger.Fields{
		"address":   s.cfg.Address,
		"burst":     s.cfg.Burst,
		"interval":  s.cfg.Interval.String(),
		"max_batch": s.cfg.MaxBatch,
	}).Info("mock server started")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	id := s.connections.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)

	log := s.log.WithComponent(component).WithFields(logger.Fields{
		"client": id,
		"remote": conn.RemoteAddr().String(),
	})
	log.Info("client connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readPump(conn) })
	g.Go(func() error { return s.writePump(gctx, conn) })
	err := g.Wait()

	entry := log.WithFields(logger.Fields{"frames_sent": s.framesSent.Load()})
	if err != nil && !errors.Is(err, errDropped) && !isClientGone(err) {
		entry.WithError(err).Warn("client disconnected")
		return
	}
	entry.Info("client disconnected")
}

var errDropped = errors.New("simulated connection drop")

// readPump drains client frames so control messages are answered and a
// client close is noticed.
func (s *Server) readPump(conn *websocket.Conn) error {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn) error {
	// Closing the socket unblocks readPump once this pump ends.
	defer conn.Close()

	var drop <-chan time.Time
	if s.cfg.DropAfter > 0 {
		timer := time.NewTimer(s.cfg.DropAfter)
		defer timer.Stop()
		drop = timer.C
	}

	var seq int
	send := func() error {
		seq++
		if s.cfg.MalformedEvery > 0 && seq%s.cfg.MalformedEvery == 0 {
			s.malformedSent.Add(1)
			return s.write(conn, []byte(MalformedFrame))
		}
		data, err := s.gen.NextJSON()
		if err != nil {
			return err
		}
		return s.write(conn, data)
	}

	for i := 0; i < s.cfg.Burst; i++ {
		if err := send(); err != nil {
			return err
		}
	}

	limiter := rate.NewLimiter(rate.Every(s.cfg.Interval), 1)
	for {
		select {
		case <-drop:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulated drop"),
				time.Now().Add(time.Second))
			return errDropped
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		batch := 1 + s.randIntn(s.cfg.MaxBatch)
		for i := 0; i < batch; i++ {
			if err := send(); err != nil {
				return err
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.framesSent.Add(1)
	return nil
}

func (s *Server) randIntn(n int) int {
	s.gen.mu.Lock()
	defer s.gen.mu.Unlock()
	return s.gen.rng.Intn(n)
}

func isClientGone(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
