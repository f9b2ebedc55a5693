// Package stream owns the websocket connection to the event source: it dials,
// decodes frames, and recovers from drops with capped exponential backoff.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"marketfeed/config"
	"marketfeed/logger"
	"marketfeed/models"
)

const component = "stream_manager"

var (
	ErrNotStarted = errors.New("stream manager not started")
	ErrStopped    = errors.New("stream manager stopped")
)

// Stats are cumulative counters for one manager.
type Stats struct {
	Status       models.ConnectionState `json:"status"`
	Attempts     int64                  `json:"attempts"`
	Frames       int64                  `json:"frames"`
	Delivered    int64                  `json:"delivered"`
	DecodeErrors int64                  `json:"decode_errors"`
	ShapeErrors  int64                  `json:"shape_errors"`
	Dials        int64                  `json:"dials"`
	Opens        int64                  `json:"opens"`
	Closes       int64                  `json:"closes"`
	Retries      int64                  `json:"retries"`
	GiveUps      int64                  `json:"give_ups"`
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(log *logger.Log) Option {
	return func(m *Manager) { m.log = log }
}

// WithEventHandler registers the callback that receives decoded events, in
// arrival order, on the manager goroutine.
func WithEventHandler(fn func(models.MarketEvent)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// WithStatusHandler registers a callback invoked on every state transition,
// in order, on the manager goroutine.
func WithStatusHandler(fn func(models.ConnectionState)) Option {
	return func(m *Manager) { m.onStatus = fn }
}

// Manager drives one logical stream connection through
// DISCONNECTED -> CONNECTING -> CONNECTED and back, retrying unplanned drops.
//
// All state transitions run on a single loop goroutine. Dials, socket reads
// and retry timers run elsewhere and hand their results to the loop through
// inbox, so frames reach the event handler exactly in the order they were read.
// Handlers run on the loop and must not call Connect synchronously.
type Manager struct {
	url              string
	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	handshakeTimeout time.Duration
	keepAlive        time.Duration
	readLimit        int64

	dialer      Dialer
	clock       Clock
	log         *logger.Log
	onEvent     func(models.MarketEvent)
	onStatus    func(models.ConnectionState)
	warnLimiter *rate.Limiter

	mu      sync.Mutex
	running bool
	stopped bool

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	// owned by the loop goroutine
	ctx        context.Context
	cancel     context.CancelFunc
	conn       Conn
	connCancel context.CancelFunc
	gen        uint64
	timer      Timer
	timerSeq   uint64
	attempts   int

	status       atomic.Int32
	attemptsSeen atomic.Int64
	frames       atomic.Int64
	delivered    atomic.Int64
	decodeErrors atomic.Int64
	shapeErrors  atomic.Int64
	dials        atomic.Int64
	opens        atomic.Int64
	closes       atomic.Int64
	retries      atomic.Int64
	giveUps      atomic.Int64
}

// NewManager builds a manager for cfg. It does nothing until Start.
func NewManager(cfg config.StreamConfig, opts ...Option) *Manager {
	m := &Manager{
		url:              cfg.URL,
		maxRetries:       cfg.MaxRetries,
		baseDelay:        cfg.BaseDelay,
		maxDelay:         cfg.MaxDelay,
		handshakeTimeout: cfg.HandshakeTimeout,
		keepAlive:        cfg.KeepAlive,
		readLimit:        cfg.ReadLimit,
		clock:            realClock{},
		log:              logger.GetLogger(),
		warnLimiter:      rate.NewLimiter(rate.Every(time.Second), 5),
		inbox:            make(chan func()),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	if m.url == "" {
		m.url = config.DefaultURL
	}
	if m.maxRetries < 0 {
		m.maxRetries = 0
	}
	if m.baseDelay <= 0 {
		m.baseDelay = config.DefaultBaseDelay
	}
	if m.maxDelay < m.baseDelay {
		m.maxDelay = config.DefaultMaxDelay
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewWebsocketDialer(m.handshakeTimeout)
	}
	m.status.Store(int32(models.StateDisconnected))
	return m
}

// Start launches the manager loop. It does not dial; call Connect for that.
// Cancelling ctx has the same effect as Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.running {
		return fmt.Errorf("stream manager already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	go m.loop()

	m.log.WithComponent(component).WithFields(logger.Fields{
		"url":         m.url,
		"max_retries": m.maxRetries,
		"schedule":    fmt.Sprint(Schedule(m.maxRetries, m.baseDelay, m.maxDelay)),
	}).Info("stream manager started")
	return nil
}

// Connect requests a connection. It is a no-op while connecting or
// connected, cancels a pending retry and dials at once while reconnecting,
// and is the only way out of DISCONNECTED after the retry budget ran out.
func (m *Manager) Connect() error {
	m.mu.Lock()
	running, stopped := m.running, m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !running {
		return ErrNotStarted
	}
	if !m.post(m.connect) {
		return ErrStopped
	}
	return nil
}

// Stop disposes the manager: the pending retry timer is cancelled, the open
// connection is detached and closed, and every goroutine is waited for. Safe
// to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	running := m.running
	m.mu.Unlock()

	if !running {
		return
	}

	close(m.quit)
	<-m.done
	m.wg.Wait()
	m.log.WithComponent(component).Info("stream manager stopped")
}

// Status returns the current connection state.
func (m *Manager) Status() models.ConnectionState {
	return models.ConnectionState(m.status.Load())
}

// Attempts returns the retry counter; it resets to zero on every open.
func (m *Manager) Attempts() int {
	return int(m.attemptsSeen.Load())
}

// URL returns the endpoint the manager dials.
func (m *Manager) URL() string {
	return m.url
}

func (m *Manager) Stats() Stats {
	return Stats{
		Status:       m.Status(),
		Attempts:     m.attemptsSeen.Load(),
		Frames:       m.frames.Load(),
		Delivered:    m.delivered.Load(),
		DecodeErrors: m.decodeErrors.Load(),
		ShapeErrors:  m.shapeErrors.Load(),
		Dials:        m.dials.Load(),
		Opens:        m.opens.Load(),
		Closes:       m.closes.Load(),
		Retries:      m.retries.Load(),
		GiveUps:      m.giveUps.Load(),
	}
}

// post hands fn to the loop. It reports false once the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.quit:
			m.shutdown()
			return
		case <-m.ctx.Done():
			m.shutdown()
			return
		}
	}
}

func (m *Manager) shutdown() {
	m.cancelTimer()
	// Bumping the generation detaches the close path of the current
	// connection, so closing it below cannot schedule a retry.
	m.gen++
	if m.conn != nil {
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
	}
	m.dropConn()
	m.cancel()
	m.setStatus(models.StateDisconnected)
}

func (m *Manager) connect() {
	switch m.Status() {
	case models.StateConnecting, models.StateConnected:
		m.log.WithComponent(component).Debug("connect ignored, connection already active")
		return
	case models.StateReconnecting:
		m.cancelTimer()
	}

	m.gen++
	gen := m.gen
	m.setStatus(models.StateConnecting)
	m.dials.Add(1)

	m.wg.Add(1)
	go m.dial(gen)
}

func (m *Manager) dial(gen uint64) {
	defer m.wg.Done()

	ctx := m.ctx
	if m.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.handshakeTimeout)
		defer cancel()
	}

	conn, err := m.dialer.DialContext(ctx, m.url)
	if err != nil {
		m.post(func() { m.handleClosed(gen, fmt.Errorf("dial %s: %w", m.url, err)) })
		return
	}
	if !m.post(func() { m.handleOpen(gen, conn) }) {
		_ = conn.Close()
	}
}

func (m *Manager) handleOpen(gen uint64, conn Conn) {
	if gen != m.gen || m.Status() != models.StateConnecting {
		_ = conn.Close()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.attemptsSeen.Store(0)
	m.opens.Add(1)

	if m.readLimit > 0 {
		conn.SetReadLimit(m.readLimit)
	}

	connCtx, cancel := context.WithCancel(m.ctx)
	m.connCancel = cancel

	if m.keepAlive > 0 {
		readTimeout := m.keepAlive * 7 / 4
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		m.wg.Add(1)
		go m.pingLoop(connCtx, conn)
	}

	m.setStatus(models.StateConnected)
	m.log.WithComponent(component).WithFields(logger.Fields{"url": m.url}).Info("stream connected")

	m.wg.Add(1)
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	defer m.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.post(func() { m.handleClosed(gen, err) })
			return
		}
		if !m.post(func() { m.handleFrame(gen, data) }) {
			return
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				m.log.WithComponent(component).WithError(err).Warn("failed to send websocket ping")
				// The read loop observes the close and reports it.
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) handleFrame(gen uint64, data []byte) {
	if gen != m.gen {
		return
	}
	m.frames.Add(1)
	logger.RecordChannelMessage("stream_frames", len(data))

	ev, err := DecodeFrame(data)
	if err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			m.decodeErrors.Add(1)
		} else {
			m.shapeErrors.Add(1)
		}
		m.warnDropped(err)
		return
	}

	m.delivered.Add(1)
	m.deliver(ev)
}

func (m *Manager) deliver(ev models.MarketEvent) {
	if m.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.WithComponent(component).WithFields(logger.Fields{
				"event_id": ev.ID,
				"panic":    fmt.Sprint(r),
			}).Error("event handler panicked")
		}
	}()
	m.onEvent(ev)
}

func (m *Manager) warnDropped(err error) {
	entry := m.log.WithComponent(component).WithError(err)
	if m.warnLimiter.Allow() {
		entry.Warn("dropping frame")
		return
	}
	entry.Debug("dropping frame")
}

// handleClosed runs for both dial failures and dropped connections. Transport
// errors end up here as a close and never reach the consumer.
func (m *Manager) handleClosed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.gen++
	m.dropConn()
	m.closes.Add(1)
	m.setStatus(models.StateDisconnected)

	entry := m.log.WithComponent(component).WithFields(logger.Fields{"url": m.url})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("stream disconnected")

	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.timer != nil {
		return
	}
	if m.attempts >= m.maxRetries {
		m.giveUps.Add(1)
		m.log.WithComponent(component).WithFields(logger.Fields{
			"attempts": m.attempts,
		}).Warn("max retries reached, giving up until manual connect")
		m.setStatus(models.StateDisconnected)
		return
	}

	delay := Backoff(m.attempts, m.baseDelay, m.maxDelay)
	m.timerSeq++
	seq := m.timerSeq
	m.retries.Add(1)
	m.setStatus(models.StateReconnecting)

	m.log.WithComponent(component).WithFields(logger.Fields{
		"delay_ms": delay.Milliseconds(),
		"attempt":  m.attempts + 1,
	}).Info("scheduling reconnect")

	m.timer = m.clock.AfterFunc(delay, func() {
		m.post(func() { m.fireRetry(seq) })
	})
}

func (m *Manager) fireRetry(seq uint64) {
	if m.timer == nil || seq != m.timerSeq {
		return
	}
	m.timer = nil
	m.attempts++
	m.attemptsSeen.Store(int64(m.attempts))
	m.connect()
}

func (m *Manager) cancelTimer() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
	m.timerSeq++
}

func (m *Manager) dropConn() {
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) setStatus(s models.ConnectionState) {
	prev := models.ConnectionState(m.status.Swap(int32(s)))
	if prev == s {
		return
	}
	m.log.WithComponent(component).WithFields(logger.Fields{
		"from": prev.String(),
		"to":   s.String(),
	}).Debug("connection state changed")
	if m.onStatus != nil {
		m.onStatus(s)
	}
}
