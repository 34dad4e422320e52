// Package feed maintains a live subscription to the exchange ticker
// channel. Connection loss is never fatal: the client runs a supervisor
// loop that reconnects with capped, jittered exponential backoff and
// always resubscribes with the current product set, which may have
// changed while the socket was down.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"candlefeed/internal/market"
	"candlefeed/pkg/shared"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectPending
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectPending:
		return "reconnect_pending"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

const (
	defaultPingPeriod       = 15 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultTickBuffer       = 4096
)

// Config holds feed connection knobs; zero values fall back to sane
// defaults except URL, which is required.
type Config struct {
	URL              string
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	PingPeriod       time.Duration
	HandshakeTimeout time.Duration
	TickBuffer       int
}

// Metrics is the feed's instrument bundle.
type Metrics struct {
	Events       *prometheus.CounterVec
	FramesDrop   prometheus.Counter
	TicksDrop    prometheus.Counter
	ConnectState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_ws_events_total", Help: "Websocket lifecycle events"}, []string{"event"}),
		FramesDrop:   prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_frames_dropped_total", Help: "Malformed or unrecognized frames dropped"}),
		TicksDrop:    prometheus.NewCounter(prometheus.CounterOpts{Name: "feed_ticks_dropped_total", Help: "Ticks dropped due to full queue"}),
		ConnectState: prometheus.NewGauge(prometheus.GaugeOpts{Name: "feed_connection_state", Help: "Connection state enum"}),
	}
	reg.MustRegister(m.Events, m.FramesDrop, m.TicksDrop, m.ConnectState)
	return m
}

// Client owns the WebSocket lifecycle and emits normalized ticks.
type Client struct {
	cfg     Config
	log     shared.Logger
	m       *Metrics
	ticks   chan market.Tick
	backoff *Backoff
	state   atomic.Int32

	mu         sync.Mutex
	products   []string
	deliberate bool

	resub chan struct{}
}

func NewClient(cfg Config, log shared.Logger, m *Metrics) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = defaultTickBuffer
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		m:       m,
		ticks:   make(chan market.Tick, cfg.TickBuffer),
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffCap),
		resub:   make(chan struct{}, 1),
	}, nil
}

// Ticks is the normalized tick stream. Closed when Run returns.
func (c *Client) Ticks() <-chan market.Tick { return c.ticks }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.m.ConnectState.Set(float64(s))
}

// Resubscribe swaps the product set and forces a deliberate
// disconnect/reconnect. A stale backoff wait for the old set is
// cancelled rather than allowed to complete.
func (c *Client) Resubscribe(products []string) {
	c.mu.Lock()
	c.products = append([]string(nil), products...)
	c.mu.Unlock()
	c.m.Events.WithLabelValues("resubscribe").Inc()
	select {
	case c.resub <- struct{}{}:
	default:
	}
}

func (c *Client) currentProducts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.products...)
}

func (c *Client) markDeliberate() {
	c.mu.Lock()
	c.deliberate = true
	c.mu.Unlock()
}

func (c *Client) takeDeliberate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.deliberate
	c.deliberate = false
	return d
}

// Run is the supervisor loop. It blocks until ctx is cancelled; that
// cancellation is the deliberate shutdown disconnect and suppresses any
// further reconnect, including a backoff wait in progress.
func (c *Client) Run(ctx context.Context, products []string) {
	c.mu.Lock()
	c.products = append([]string(nil), products...)
	c.mu.Unlock()
	defer close(c.ticks)
	defer c.setState(StateShuttingDown)

	for {
		if ctx.Err() != nil {
			return
		}
		// A resubscribe that landed while we were down is satisfied by
		// the dial below, which always uses the current set.
		select {
		case <-c.resub:
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Printf("[feed] connect failed: %v", err)
			c.m.Events.WithLabelValues("connect_error").Inc()
			if !c.waitBackoff(ctx) {
				return
			}
			continue
		}

		deliberate := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if deliberate {
			// Resubscription-triggered drop: reconnect immediately.
			continue
		}
		c.m.Events.WithLabelValues("close").Inc()
		if !c.waitBackoff(ctx) {
			return
		}
	}
}

// waitBackoff sleeps the next backoff delay. Returns false on shutdown;
// a resubscribe signal short-circuits the wait.
func (c *Client) waitBackoff(ctx context.Context) bool {
	c.setState(StateReconnectPending)
	d := c.backoff.Next()
	c.log.Printf("[feed] reconnecting in %s", d.Round(time.Millisecond))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.resub:
		return true
	case <-timer.C:
		return true
	}
}

// connect dials the exchange and sends the subscribe frame for the
// current product set.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	products := c.currentProducts()
	sub, err := marshalSubscribe(products)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultSendTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	c.log.Printf("[feed] subscribed to ticker for %d products", len(products))
	return conn, nil
}

// readLoop pumps inbound frames until the connection drops. Returns
// true when the drop was deliberate (shutdown or resubscribe).
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) bool {
	// A deliberate mark left over from a drop that raced the previous
	// read loop's exit must not taint this connection.
	c.mu.Lock()
	c.deliberate = false
	c.mu.Unlock()

	readWait := 2 * c.cfg.PingPeriod
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			c.markDeliberate()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-c.resub:
			c.markDeliberate()
			_ = conn.Close()
		case <-watchDone:
		}
	}()
	go c.pingLoop(conn, watchDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			if c.takeDeliberate() {
				return true
			}
			c.log.Printf("[feed] read error: %v", err)
			c.m.Events.WithLabelValues("read_error").Inc()
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleFrame(raw)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultSendTimeout))
		}
	}
}

// handleFrame classifies one inbound message. Malformed frames are
// dropped with a warning and never affect connection state.
func (c *Client) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Printf("[feed] malformed frame dropped: %v", err)
		c.m.FramesDrop.Inc()
		return
	}
	switch f.Type {
	case "ticker":
		tk, err := normalizeTick(f)
		if err != nil {
			c.log.Printf("[feed] ticker frame dropped: %v", err)
			c.m.FramesDrop.Inc()
			return
		}
		select {
		case c.ticks <- tk:
		default:
			c.m.TicksDrop.Inc()
		}
	case "subscriptions":
		// Subscription ack completes the Connecting transition.
		c.setState(StateConnected)
		c.backoff.Reset()
		c.m.Events.WithLabelValues("connect").Inc()
		c.log.Printf("[feed] subscription confirmed channels=%v", f.Channels)
	case "error":
		// Protocol errors are logged; the exchange decides whether the
		// connection survives.
		c.log.Printf("[feed] exchange error: %s", f.Message)
		c.m.Events.WithLabelValues("protocol_error").Inc()
	default:
		c.log.Printf("[feed] unrecognized frame type %q dropped", f.Type)
		c.m.FramesDrop.Inc()
	}
}
