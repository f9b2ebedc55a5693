package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed/config"
	"marketfeed/models"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

func (t *fakeTimer) fire() {
	go t.fn()
}

type fakeClock struct {
	timers chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{timers: make(chan *fakeTimer, 16)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{delay: d, fn: f}
	c.timers <- t
	return t
}

func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-c.timers:
		return timer
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a retry to be scheduled")
		return nil
	}
}

func (c *fakeClock) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case timer := <-c.timers:
		t.Fatalf("unexpected retry scheduled after %v", timer.delay)
	case <-time.After(wait):
	}
}

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	readErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 128), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.frames:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer pops one result per dial. An empty script fails the dial.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	results []func(ctx context.Context) (Conn, error)
}

func (d *fakeDialer) DialContext(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	var next func(ctx context.Context) (Conn, error)
	if len(d.results) > 0 {
		next = d.results[0]
		d.results = d.results[1:]
	}
	d.mu.Unlock()
	if next == nil {
		return nil, errors.New("connection refused")
	}
	return next(ctx)
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func succeed(conn Conn) func(context.Context) (Conn, error) {
	return func(context.Context) (Conn, error) { return conn, nil }
}

func fail() func(context.Context) (Conn, error) {
	return func(context.Context) (Conn, error) { return nil, errors.New("connection refused") }
}

type statusLog struct {
	mu     sync.Mutex
	states []models.ConnectionState
}

func (l *statusLog) record(s models.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *statusLog) snapshot() []models.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.ConnectionState(nil), l.states...)
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		URL:        "ws://feed.test",
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func eventFrame(id string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"feed":"BTC-USD","type":"trade","side":"buy","description":"Whale Alert","price":65000,"quantity":"0.5000","timestamp":1700000000000}`, id))
}

func TestManagerRetriesWithBackoffThenGivesUp(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{}
	statuses := &statusLog{}

	m := NewManager(testStreamConfig(), WithDialer(dialer), WithClock(clock), WithStatusHandler(statuses.record))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, delay := range want {
		timer := clock.next(t)
		if timer.delay != delay {
			t.Fatalf("retry %d scheduled after %v, want %v", i+1, timer.delay, delay)
		}
		if got := m.Status(); got != models.StateReconnecting {
			t.Fatalf("retry %d: expected RECONNECTING, got %s", i+1, got)
		}
		timer.fire()
	}

	waitFor(t, "give up", func() bool { return m.Stats().GiveUps == 1 })
	clock.expectNone(t, 50*time.Millisecond)

	if got := m.Status(); got != models.StateDisconnected {
		t.Fatalf("expected DISCONNECTED after giving up, got %s", got)
	}
	if got := dialer.count(); got != 6 {
		t.Fatalf("expected 6 dials (1 initial + 5 retries), got %d", got)
	}
	if got := m.Attempts(); got != 5 {
		t.Fatalf("expected attempts 5, got %d", got)
	}

	states := statuses.snapshot()
	if states[0] != models.StateConnecting || states[len(states)-1] != models.StateDisconnected {
		t.Fatalf("unexpected transition sequence %v", states)
	}

	// A manual connect dials once more but the exhausted budget is not refilled.
	if err := m.Connect(); err != nil {
		t.Fatalf("manual connect: %v", err)
	}
	waitFor(t, "manual dial", func() bool { return m.Stats().GiveUps == 2 })
	if got := dialer.count(); got != 7 {
		t.Fatalf("expected manual connect to dial, got %d dials", got)
	}
	clock.expectNone(t, 50*time.Millisecond)
}

func TestManagerConnectIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	conn := newFakeConn()
	dialer := &fakeDialer{results: []func(context.Context) (Conn, error){
		func(ctx context.Context) (Conn, error) {
			select {
			case <-release:
				return conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}}
	statuses := &statusLog{}

	m := NewManager(testStreamConfig(), WithDialer(dialer), WithClock(newFakeClock()), WithStatusHandler(statuses.record))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	for i := 0; i < 3; i++ {
		if err := m.Connect(); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	waitFor(t, "connecting", func() bool { return m.Status() == models.StateConnecting })
	time.Sleep(20 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Fatalf("expected a single dial while connecting, got %d", got)
	}

	close(release)
	waitFor(t, "connected", func() bool { return m.Status() == models.StateConnected })

	for i := 0; i < 3; i++ {
		_ = m.Connect()
	}
	time.Sleep(20 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Fatalf("expected no dial while connected, got %d", got)
	}

	want := []models.ConnectionState{models.StateConnecting, models.StateConnected}
	got := statuses.snapshot()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
}

func TestManagerResetsAttemptsOnOpen(t *testing.T) {
	clock := newFakeClock()
	first := newFakeConn()
	dialer := &fakeDialer{results: []func(context.Context) (Conn, error){fail(), fail(), succeed(first)}}

	m := NewManager(testStreamConfig(), WithDialer(dialer), WithClock(clock))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	_ = m.Connect()

	clock.next(t).fire()
	timer := clock.next(t)
	if timer.delay != 2*time.Second {
		t.Fatalf("expected second retry after 2s, got %v", timer.delay)
	}
	timer.fire()

	waitFor(t, "connected", func() bool { return m.Status() == models.StateConnected })
	if got := m.Attempts(); got != 0 {
		t.Fatalf("expected attempts reset on open, got %d", got)
	}

	// An unplanned drop starts the schedule from the beginning.
	first.Close()
	timer = clock.next(t)
	if timer.delay != time.Second {
		t.Fatalf("expected fresh schedule after drop, got %v", timer.delay)
	}
	if got := m.Status(); got != models.StateReconnecting {
		t.Fatalf("expected RECONNECTING, got %s", got)
	}
}

func TestManagerTransportErrorIsTreatedAsClose(t *testing.T) {
	clock := newFakeClock()
	conn := newFakeConn()
	conn.readErr = errors.New("connection reset by peer")
	var delivered atomic.Int64

	m := NewManager(testStreamConfig(),
		WithDialer(&fakeDialer{results: []func(context.Context) (Conn, error){succeed(conn)}}),
		WithClock(clock),
		WithEventHandler(func(models.MarketEvent) { delivered.Add(1) }),
	)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	_ = m.Connect()
	waitFor(t, "connected", func() bool { return m.Status() == models.StateConnected })

	conn.Close()
	if timer := clock.next(t); timer.delay != time.Second {
		t.Fatalf("expected 1s retry, got %v", timer.delay)
	}
	if delivered.Load() != 0 {
		t.Fatal("transport error must not produce events")
	}
	if got := m.Stats().Closes; got != 1 {
		t.Fatalf("expected one close, got %d", got)
	}
}

func TestManagerStopCancelsPendingRetry(t *testing.T) {
	clock := newFakeClock()
	dialer := &fakeDialer{}

	m := NewManager(testStreamConfig(), WithDialer(dialer), WithClock(clock))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = m.Connect()

	timer := clock.next(t)
	m.Stop()

	if !timer.stopped.Load() {
		t.Fatal("expected pending retry timer to be stopped")
	}
	// A timer that already fired before Stop must not dial either.
	timer.fire()
	time.Sleep(20 * time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Fatalf("expected no dial after stop, got %d dials", got)
	}
	if got := m.Status(); got != models.StateDisconnected {
		t.Fatalf("expected DISCONNECTED after stop, got %s", got)
	}

	m.Stop()
	if err := m.Connect(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestManagerStopClosesConnectionWithoutRetry(t *testing.T) {
	clock := newFakeClock()
	conn := newFakeConn()
	dialer := &fakeDialer{results: []func(context.Context) (Conn, error){succeed(conn)}}

	m := NewManager(testStreamConfig(), WithDialer(dialer), WithClock(clock))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = m.Connect()
	waitFor(t, "connected", func() bool { return m.Status() == models.StateConnected })

	m.Stop()
	if !conn.isClosed() {
		t.Fatal("expected the connection to be closed")
	}
	clock.expectNone(t, 30*time.Millisecond)
	if got := dialer.count(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

func TestManagerLifecycleErrors(t *testing.T) {
	m := NewManager(testStreamConfig(), WithDialer(&fakeDialer{}), WithClock(newFakeClock()))
	if err := m.Connect(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	// Stopping a manager that never started is a no-op.
	m.Stop()
	if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	m2 := NewManager(testStreamConfig(), WithDialer(&fakeDialer{}), WithClock(newFakeClock()))
	if err := m2.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m2.Stop()
	if err := m2.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}
}

func TestManagerContextCancelStops(t *testing.T) {
	clock := newFakeClock()
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(testStreamConfig(),
		WithDialer(&fakeDialer{results: []func(context.Context) (Conn, error){succeed(conn)}}),
		WithClock(clock))
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = m.Connect()
	waitFor(t, "connected", func() bool { return m.Status() == models.StateConnected })

	cancel()
	waitFor(t, "disconnect", func() bool { return m.Status() == models.StateDisconnected })
	clock.expectNone(t, 30*time.Millisecond)
	m.Stop()
	if !conn.isClosed() {
		t.Fatal("expected the connection to be closed")
	}
}

func TestManagerDeliversInArrivalOrder(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	var ids []string

	m := NewManager(testStreamConfig(),
		WithDialer(&fakeDialer{results: []func(context.Context) (Conn, error){succeed(conn)}}),
		WithClock(newFakeClock()),
		WithEventHandler(func(ev models.MarketEvent) {
			mu.Lock()
			ids = append(ids, ev.ID)
			mu.Unlock()
		}),
	)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	_ = m.Connect()

	for i := 0; i < 100; i++ {
		conn.frames <- eventFrame(fmt.Sprintf("e%03d", i))
	}
	waitFor(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 100
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if want := fmt.Sprintf("e%03d", i); id != want {
			t.Fatalf("event %d: got %s, want %s", i, id, want)
		}
	}
}

func TestManagerSurvivesHandlerPanic(t *testing.T) {
	conn := newFakeConn()
	var calls atomic.Int64

	m := NewManager(testStreamConfig(),
		WithDialer(&fakeDialer{results: []func(context.Context) (Conn, error){succeed(conn)}}),
		WithClock(newFakeClock()),
		WithEventHandler(func(ev models.MarketEvent) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
		}),
	)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	_ = m.Connect()

	conn.frames <- eventFrame("a")
	conn.frames <- eventFrame("b")
	waitFor(t, "second event", func() bool { return calls.Load() == 2 })
	if got := m.Status(); got != models.StateConnected {
		t.Fatalf("expected CONNECTED, got %s", got)
	}
}

func newStreamServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep reading so control frames are answered until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestManagerToleratesMalformedFrames(t *testing.T) {
	srv := newStreamServer(t, "{not json", `[1,2]`, string(eventFrame("good-1")))

	var mu sync.Mutex
	var got []models.MarketEvent
	cfg := testStreamConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.HandshakeTimeout = time.Second

	m := NewManager(cfg, WithClock(newFakeClock()), WithEventHandler(func(ev models.MarketEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	_ = m.Connect()

	waitFor(t, "event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if len(got) != 1 || got[0].ID != "good-1" {
		t.Fatalf("expected exactly the valid event, got %+v", got)
	}
	mu.Unlock()

	if s := m.Status(); s != models.StateConnected {
		t.Fatalf("malformed frames must not close the connection, status %s", s)
	}
	stats := m.Stats()
	if stats.DecodeErrors != 1 || stats.ShapeErrors != 1 || stats.Delivered != 1 || stats.Frames != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestManagerKeepAliveHoldsIdleConnection(t *testing.T) {
	srv := newStreamServer(t)

	cfg := testStreamConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.KeepAlive = 40 * time.Millisecond

	clock := newFakeClock()
	m := NewManager(cfg, WithClock(clock))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	_ = m.Connect()

	waitFor(t, "connected", func() bool { return m.Status() == models.StateConnected })
	time.Sleep(250 * time.Millisecond)
	if s := m.Status(); s != models.StateConnected {
		t.Fatalf("expected idle connection kept alive by pings, status %s", s)
	}
	clock.expectNone(t, 10*time.Millisecond)
}
