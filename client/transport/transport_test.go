package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"weft/client/clock"
	v1 "weft/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// fakeConn is an in-memory wire. Inbound frames are pushed through
// push/fail; writes are captured on the writes channel.
type fakeConn struct {
	inbound chan []byte
	errs    chan error
	writes  chan []byte

	mu       sync.Mutex
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		errs:    make(chan error, 4),
		writes:  make(chan []byte, 64),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.errs:
		return nil, err
	case data := <-c.inbound:
		return data, nil
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.writes <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error { return nil }

func (c *fakeConn) push(t *testing.T, frame v1.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.inbound <- data
}

func (c *fakeConn) fail(err error) { c.errs <- err }

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// fakeDialer scripts dial outcomes. A nil entry dials a fresh fakeConn.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	errs  []error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(context.Context, string, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestClient(t *testing.T, dialer Dialer, clk clock.Clock, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		Logger:               slog.New(slog.DiscardHandler),
		Clock:                clk,
		Dialer:               dialer,
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
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

func readWrite(t *testing.T, conn *fakeConn) v1.Frame {
	t.Helper()
	select {
	case data := <-conn.writes:
		var frame v1.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal written frame: %v", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a written frame")
		return v1.Frame{}
	}
}

func joinFrame(t *testing.T, roomID string) v1.Frame {
	t.Helper()
	frame, err := v1.NewFrame(v1.TypeJoin, v1.JoinPayload{RoomID: roomID})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return frame
}

func TestBackoffDelaySchedule(t *testing.T) {
	base := 1 * time.Second
	maxDelay := 30 * time.Second

	want := []time.Duration{
		1 * time.Second,  // retry 1
		2 * time.Second,  // retry 2
		4 * time.Second,  // retry 3
		8 * time.Second,  // retry 4
		16 * time.Second, // retry 5
		30 * time.Second, // retry 6, capped
		30 * time.Second, // retry 7, capped
	}
	for attempts, expected := range want {
		if got := backoffDelay(base, maxDelay, attempts); got != expected {
			t.Fatalf("backoffDelay(attempts=%d) = %v, want %v", attempts, got, expected)
		}
	}
}

func TestSendWhileDisconnectedFlushesFIFOOnConnect(t *testing.T) {
	dialer := &fakeDialer{}
	clk := clock.Fake(time.Unix(0, 0))
	c := newTestClient(t, dialer, clk, nil)

	c.Send(joinFrame(t, "alpha"))
	c.Send(joinFrame(t, "beta"))
	c.Send(joinFrame(t, "gamma"))
	if got := c.QueuedFrames(); got != 3 {
		t.Fatalf("queued frames: %d", got)
	}

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "connected", c.IsConnected)

	conn := dialer.lastConn()
	for _, room := range []string{"alpha", "beta", "gamma"} {
		frame := readWrite(t, conn)
		var p v1.JoinPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			t.Fatalf("unmarshal join: %v", err)
		}
		if p.RoomID != room {
			t.Fatalf("flush order: got %q want %q", p.RoomID, room)
		}
	}
	waitFor(t, "queue drained", func() bool { return c.QueuedFrames() == 0 })
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clock.Fake(time.Unix(0, 0)), nil)

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "connected", c.IsConnected)

	c.Connect("ws://broker/ws", "tok")
	time.Sleep(10 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dial count after redundant Connect: %d", got)
	}
}

func TestAbnormalCloseReconnectsAndResetsAttempts(t *testing.T) {
	dialer := &fakeDialer{}
	clk := clock.Fake(time.Unix(0, 0))
	c := newTestClient(t, dialer, clk, nil)

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "connected", c.IsConnected)

	// Queue a frame by breaking writes first, then kill the read side.
	conn := dialer.lastConn()
	conn.failWrites(errors.New("broken pipe"))
	c.Send(joinFrame(t, "general"))

	waitFor(t, "disconnect observed", func() bool { return c.Status() == StatusDisconnected })
	if got := c.QueuedFrames(); got != 1 {
		t.Fatalf("queue after connection loss: %d frames", got)
	}
	waitFor(t, "retry scheduled", func() bool { return clk.PendingTimers() == 1 })

	clk.Advance(1 * time.Second)
	waitFor(t, "reconnected", c.IsConnected)

	frame := readWrite(t, dialer.lastConn())
	if frame.Type != v1.TypeJoin {
		t.Fatalf("replayed frame type: %q", frame.Type)
	}
	waitFor(t, "queue drained", func() bool { return c.QueuedFrames() == 0 })
	if got := c.ReconnectAttempts(); got != 0 {
		t.Fatalf("attempt counter after successful reconnect: %d", got)
	}
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	clk := clock.Fake(time.Unix(0, 0))
	c := newTestClient(t, dialer, clk, nil)

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "connected", c.IsConnected)

	dialer.lastConn().fail(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "bye"})
	waitFor(t, "disconnected", func() bool { return c.Status() == StatusDisconnected })

	if got := clk.PendingTimers(); got != 0 {
		t.Fatalf("pending reconnect timers after normal close: %d", got)
	}
}

func TestDialFailureBacksOffUntilExhausted(t *testing.T) {
	dialer := &fakeDialer{errs: []error{
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
		errors.New("refused"), errors.New("refused"), errors.New("refused"),
		errors.New("refused"),
	}}
	clk := clock.Fake(time.Unix(0, 0))
	c := newTestClient(t, dialer, clk, func(o *Options) { o.MaxReconnectAttempts = 3 })

	c.Connect("ws://broker/ws", "tok")

	// Initial dial plus three scheduled retries.
	waitFor(t, "initial dial", func() bool { return dialer.dialCount() == 1 })
	for retry := 1; retry <= 3; retry++ {
		waitFor(t, "retry scheduled", func() bool { return clk.PendingTimers() == 1 })
		clk.Advance(30 * time.Second)
		want := 1 + retry
		waitFor(t, fmt.Sprintf("dial %d", want), func() bool { return dialer.dialCount() == want })
	}

	waitFor(t, "terminal error", func() bool { return c.Status() == StatusError })
	if got := clk.PendingTimers(); got != 0 {
		t.Fatalf("pending timers after exhaustion: %d", got)
	}

	clk.Advance(10 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := dialer.dialCount(); got != 4 {
		t.Fatalf("dials after exhaustion: %d", got)
	}
}

func TestHandshakeRejectionIsTerminal(t *testing.T) {
	dialer := &fakeDialer{errs: []error{fmt.Errorf("%w: status 401", ErrHandshakeRejected)}}
	clk := clock.Fake(time.Unix(0, 0))
	c := newTestClient(t, dialer, clk, nil)

	c.Connect("ws://broker/ws", "bad-token")
	waitFor(t, "error status", func() bool { return c.Status() == StatusError })

	if got := clk.PendingTimers(); got != 0 {
		t.Fatalf("rejected handshake must not schedule retries, pending=%d", got)
	}
	clk.Advance(10 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials after handshake rejection: %d", got)
	}
}

func TestDisconnectClearsQueueAndCancelsRetry(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("refused")}}
	clk := clock.Fake(time.Unix(0, 0))
	c := newTestClient(t, dialer, clk, nil)

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "retry scheduled", func() bool { return clk.PendingTimers() == 1 })

	c.Send(joinFrame(t, "general"))
	c.Disconnect()

	if got := c.Status(); got != StatusDisconnected {
		t.Fatalf("status after Disconnect: %q", got)
	}
	if got := c.QueuedFrames(); got != 0 {
		t.Fatalf("queue after Disconnect: %d frames", got)
	}

	clk.Advance(10 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("stale reconnect fired after Disconnect: dials=%d", got)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clock.Fake(time.Unix(0, 0)), func(o *Options) { o.QueueLimit = 2 })

	c.Send(joinFrame(t, "one"))
	c.Send(joinFrame(t, "two"))
	c.Send(joinFrame(t, "three"))
	if got := c.QueuedFrames(); got != 2 {
		t.Fatalf("queue length after overflow: %d", got)
	}

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "connected", c.IsConnected)

	conn := dialer.lastConn()
	for _, room := range []string{"two", "three"} {
		var p v1.JoinPayload
		if err := json.Unmarshal(readWrite(t, conn).Data, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.RoomID != room {
			t.Fatalf("got %q want %q", p.RoomID, room)
		}
	}
}

func TestOnDispatchAndUnsubscribeIsolation(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clock.Fake(time.Unix(0, 0)), nil)

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "connected", c.IsConnected)
	conn := dialer.lastConn()

	var mu sync.Mutex
	var got []string
	record := func(tag string) Handler {
		return func(frame v1.Frame) {
			mu.Lock()
			got = append(got, tag+":"+frame.Type)
			mu.Unlock()
		}
	}

	unsubA := c.On(v1.TypeMessage, record("a"))
	c.On(v1.TypeMessage, record("b"))
	c.On(v1.TypeAny, record("wild"))

	push := func() {
		frame, err := v1.NewFrame(v1.TypeMessage, v1.MessageEventPayload{RoomID: "general", UserID: "u2", Message: "hi"})
		if err != nil {
			t.Fatalf("NewFrame: %v", err)
		}
		conn.push(t, frame)
	}

	push()
	waitFor(t, "three deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	unsubA()
	push()
	waitFor(t, "two more deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})

	mu.Lock()
	defer mu.Unlock()
	for _, d := range got[3:] {
		if d == "a:message" {
			t.Fatalf("unsubscribed handler still invoked: %v", got)
		}
	}
}

func TestMalformedInboundFrameIsDropped(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clock.Fake(time.Unix(0, 0)), nil)

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "connected", c.IsConnected)
	conn := dialer.lastConn()

	delivered := make(chan v1.Frame, 1)
	c.On(v1.TypeUserCount, func(frame v1.Frame) { delivered <- frame })

	conn.inbound <- []byte("{not json")
	conn.inbound <- []byte(`{"type":"presence","data":{}}`)

	frame, err := v1.NewFrame(v1.TypeUserCount, v1.UserCountPayload{RoomID: "general", Count: 2})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	conn.push(t, frame)

	select {
	case got := <-delivered:
		if got.Type != v1.TypeUserCount {
			t.Fatalf("delivered type: %q", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid frame after malformed ones was not delivered")
	}
	if !c.IsConnected() {
		t.Fatalf("malformed frames must not affect connection state")
	}
}

func TestOnConnectionChangeReplaysCurrentStatus(t *testing.T) {
	dialer := &fakeDialer{}
	c := newTestClient(t, dialer, clock.Fake(time.Unix(0, 0)), nil)

	var mu sync.Mutex
	var seen []Status
	unsub := c.OnConnectionChange(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsub()

	mu.Lock()
	if len(seen) != 1 || seen[0] != StatusDisconnected {
		mu.Unlock()
		t.Fatalf("replay: %v", seen)
	}
	mu.Unlock()

	c.Connect("ws://broker/ws", "tok")
	waitFor(t, "full transition history", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if seen[1] != StatusConnecting || seen[2] != StatusConnected {
		t.Fatalf("transitions: %v", seen)
	}
}
