// Package transport maintains one logical broker connection with
// automatic reconnection, an ordered outbound queue, and typed inbound
// frame dispatch.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"weft/client/clock"
	v1 "weft/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	// Max bytes per inbound frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second

	defaultReconnectBase = 1 * time.Second
	defaultReconnectMax  = 30 * time.Second
	defaultMaxAttempts   = 5

	defaultQueueLimit = 256
)

// Status is the connection lifecycle state.
type Status string

// Connection statuses.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Handler consumes one inbound frame.
type Handler func(v1.Frame)

// StatusHandler observes connection status transitions.
type StatusHandler func(Status)

// Options configures a Client. Zero values select defaults.
type Options struct {
	Logger *slog.Logger
	Clock  clock.Clock
	Dialer Dialer

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Reconnect backoff: retry n waits min(base * 2^(n-1), max).
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// Outbound queue bound. On overflow the oldest queued frame is
	// dropped and logged.
	QueueLimit int
}

// Client owns one logical broker connection.
//
// Transport failures are never returned to callers of Connect or Send;
// they surface through the connection-status subscription. Frames sent
// while connected transmit in call order; frames queued while
// disconnected flush FIFO on the next successful connection, ahead of
// sends issued during that session.
type Client struct {
	log    *slog.Logger
	clk    clock.Clock
	dialer Dialer
	opts   Options

	mu            sync.Mutex
	status        Status
	endpoint      string
	credential    string
	autoReconnect bool
	attempts      int

	// gen identifies the current connection epoch. Goroutines from a
	// previous epoch detect staleness by comparing their captured gen.
	gen        int
	conn       Conn
	connCancel context.CancelFunc
	wake       chan struct{}
	retryTimer *clock.Timer

	queue []v1.Frame

	handlers   map[string]map[int]Handler
	statusSubs map[int]StatusHandler
	nextSubID  int
}

// New constructs a disconnected Client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaultReconnectBase
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = defaultReconnectMax
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxAttempts
	}
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = defaultQueueLimit
	}

	return &Client{
		log:        opts.Logger,
		clk:        opts.Clock,
		dialer:     opts.Dialer,
		opts:       opts,
		status:     StatusDisconnected,
		handlers:   make(map[string]map[int]Handler),
		statusSubs: make(map[int]StatusHandler),
	}
}

// Connect establishes (or re-establishes) the connection. No-op when
// already connected. Failures surface via the status subscription.
func (c *Client) Connect(endpoint, credential string) {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.cancelRetryLocked()
	c.endpoint = endpoint
	c.credential = credential
	c.autoReconnect = true
	c.attempts = 0
	notify := c.dialLocked()
	c.mu.Unlock()
	notify()
}

// Disconnect disables auto-reconnect, cancels any pending retry,
// closes the connection with a normal-closure code, and clears the
// outbound queue. This is the only path that drops queued frames.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	c.cancelRetryLocked()
	c.gen++
	c.teardownConnLocked(websocket.StatusNormalClosure, "client disconnect")
	c.queue = nil
	c.attempts = 0
	notify := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
	notify()
}

// Send enqueues a frame for ordered transmission. While connected the
// frame transmits promptly; while disconnected it waits for the next
// successful connection. A frame is only removed from the queue after
// a successful write, so an in-flight frame survives a connection loss.
func (c *Client) Send(frame v1.Frame) {
	c.mu.Lock()
	if len(c.queue) >= c.opts.QueueLimit {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.log.Warn("ws.send.queue_overflow", "dropped_type", dropped.Type, "limit", c.opts.QueueLimit)
	}
	c.queue = append(c.queue, frame)
	wake := c.wake
	c.mu.Unlock()

	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// On registers a handler for a frame type tag, or for every frame via
// the wildcard tag. The returned function removes exactly this
// handler; other subscriptions to the same tag are unaffected.
func (c *Client) On(typeTag string, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++

	m := c.handlers[typeTag]
	if m == nil {
		m = make(map[int]Handler)
		c.handlers[typeTag] = m
	}
	m[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[typeTag], id)
	}
}

// OnConnectionChange registers a status listener and immediately
// replays the current status to it. The returned function removes the
// listener.
func (c *Client) OnConnectionChange(handler StatusHandler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.statusSubs[id] = handler
	current := c.status
	c.mu.Unlock()

	handler(current)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusSubs, id)
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the connection is established.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// QueuedFrames reports how many outbound frames are waiting.
func (c *Client) QueuedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ReconnectAttempts reports how many reconnect attempts have been
// scheduled since the last successful open. Diagnostic.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ---- connection lifecycle ----

func (c *Client) dialLocked() func() {
	c.gen++
	gen := c.gen
	endpoint, credential := c.endpoint, c.credential
	notify := c.setStatusLocked(StatusConnecting)
	go c.dial(gen, endpoint, credential)
	return notify
}

func (c *Client) dial(gen int, endpoint, credential string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	conn, err := c.dialer.Dial(ctx, endpoint, credential)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "stale dial")
		}
		return
	}

	if err != nil {
		var notify func()
		if isHandshakeRejected(err) {
			// Permanent credential failure: retrying cannot help.
			c.autoReconnect = false
			c.log.Warn("ws.dial.rejected", "endpoint", endpoint, "err", err)
			notify = c.setStatusLocked(StatusError)
		} else {
			c.log.Info("ws.dial.fail", "endpoint", endpoint, "attempt", c.attempts, "err", err)
			notify = c.setStatusLocked(StatusError)
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		notify()
		return
	}

	c.attempts = 0
	c.conn = conn
	connCtx, connCancel := context.WithCancel(context.Background())
	c.connCancel = connCancel
	c.wake = make(chan struct{}, 1)
	wake := c.wake
	notify := c.setStatusLocked(StatusConnected)
	c.log.Info("ws.connected", "endpoint", endpoint, "queued", len(c.queue))

	go c.readLoop(gen, conn, connCtx)
	go c.writeLoop(gen, conn, connCtx, wake)
	c.mu.Unlock()
	notify()
}

// connFailed tears down the current connection after a read or write
// failure and schedules a reconnect unless the peer closed normally.
func (c *Client) connFailed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.teardownConnLocked(websocket.StatusAbnormalClosure, "connection failed")
	notify := c.setStatusLocked(StatusDisconnected)

	notifyExhausted := func() {}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("ws.conn.closed", "err", err)
	} else {
		c.log.Info("ws.conn.lost", "err", err)
		notifyExhausted = c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	notify()
	notifyExhausted()
}

func (c *Client) teardownConnLocked(code websocket.StatusCode, reason string) {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
		c.conn = nil
	}
	c.wake = nil
}

// scheduleReconnectLocked arms the backoff timer and returns the
// status notification callback for the exhausted case.
func (c *Client) scheduleReconnectLocked() func() {
	if !c.autoReconnect {
		return func() {}
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.log.Warn("ws.reconnect.exhausted", "attempts", c.attempts)
		return c.setStatusLocked(StatusError)
	}

	delay := backoffDelay(c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay, c.attempts)
	c.attempts++
	c.log.Info("ws.reconnect.schedule", "attempt", c.attempts, "delay", delay.String())
	c.retryTimer = c.clk.AfterFunc(delay, c.retry)
	return func() {}
}

func (c *Client) retry() {
	c.mu.Lock()
	if !c.autoReconnect || c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	notify := c.dialLocked()
	c.mu.Unlock()
	notify()
}

func (c *Client) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// backoffDelay computes min(base * 2^attempts, maxDelay).
func backoffDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// ---- pumps ----

func (c *Client) readLoop(gen int, conn Conn, ctx context.Context) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.connFailed(gen, err)
			return
		}

		var frame v1.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped; connection state is unaffected.
			c.log.Warn("ws.frame.malformed", "err", err)
			continue
		}
		if err := frame.Validate(); err != nil {
			c.log.Warn("ws.frame.invalid", "err", err)
			continue
		}

		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame v1.Frame) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers[frame.Type])+len(c.handlers[v1.TypeAny]))
	for _, h := range c.handlers[frame.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range c.handlers[v1.TypeAny] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(frame)
	}
}

func (c *Client) writeLoop(gen int, conn Conn, ctx context.Context, wake <-chan struct{}) {
	for {
		frame, ok := c.peekOutbound(gen)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			continue
		}

		data, err := json.Marshal(frame)
		if err != nil {
			c.log.Warn("ws.send.marshal_fail", "type", frame.Type, "err", err)
			c.popOutbound(gen)
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
		err = conn.Write(wctx, data)
		cancel()
		if err != nil {
			// The frame stays queued and retransmits after reconnect.
			c.connFailed(gen, err)
			return
		}

		c.popOutbound(gen)
	}
}

func (c *Client) peekOutbound(gen int) (v1.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || len(c.queue) == 0 {
		return v1.Frame{}, false
	}
	return c.queue[0], true
}

func (c *Client) popOutbound(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || len(c.queue) == 0 {
		return
	}
	c.queue = c.queue[1:]
}

// ---- status ----

// setStatusLocked records a transition and returns the notification
// callback to invoke after the lock is released.
func (c *Client) setStatusLocked(s Status) func() {
	if c.status == s {
		return func() {}
	}
	c.status = s

	subs := make([]StatusHandler, 0, len(c.statusSubs))
	for _, h := range c.statusSubs {
		subs = append(subs, h)
	}
	return func() {
		for _, h := range subs {
			h(s)
		}
	}
}

func isHandshakeRejected(err error) bool {
	return errors.Is(err, ErrHandshakeRejected)
}
