// Package main provides a CI-friendly WebSocket smoke test for the weft broker.
//
// It validates:
//   - token handshake auth (401 without a credential)
//   - join -> room_joined confirmation
//   - user_count fanout on membership changes
//   - message fanout to all room members
//   - typing relay that excludes the sender
//   - leave -> room_left to the leaver and the remaining members
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "weft/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Frame
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send (empty for non-browser handshake)")
		roomID  = flag.String("room", "dev-room-1", "Room ID to join")
		text    = flag.String("text", "hello weft 👋", "Message text to send")
		tokenA  = flag.String("token-a", "smoke-user-a:a@smoke.test", "Credential for client A")
		tokenB  = flag.String("token-b", "smoke-user-b:b@smoke.test", "Credential for client B")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	mustRejectWithoutToken(root, *wsURL, *origin, *timeout)

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustJoin(root, a, *roomID, *timeout)
	mustJoin(root, b, *roomID, *timeout)

	mustUserCount(root, a, *roomID, 2, *timeout)
	mustUserCount(root, b, *roomID, 2, *timeout)

	mustWriteFrame(root, a.conn, v1.TypeMessage, v1.MessagePayload{RoomID: *roomID, Message: *text}, *timeout)
	mustAssertMessage(root, a, *roomID, a.userID, *text, *timeout)
	mustAssertMessage(root, b, *roomID, a.userID, *text, *timeout)

	mustWriteFrame(root, a.conn, v1.TypeTyping, v1.TypingPayload{RoomID: *roomID, IsTyping: true}, *timeout)
	mustAssertTyping(root, b, *roomID, a.userID, true, *timeout)
	mustAssertNoType(root, a, v1.TypeTyping, 1200*time.Millisecond)

	mustWriteFrame(root, b.conn, v1.TypeLeave, v1.LeavePayload{RoomID: *roomID}, *timeout)
	mustRoomLeft(root, b, *roomID, b.userID, *timeout)
	mustRoomLeft(root, a, *roomID, b.userID, *timeout)
	mustUserCount(root, a, *roomID, 1, *timeout)

	fmt.Printf("OK: A=%s B=%s room_id=%s\n", a.userID, b.userID, *roomID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func withToken(wsURL, token string) string {
	if strings.TrimSpace(token) == "" {
		return wsURL
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		fatalf("url.Parse: %v", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func mustRejectWithoutToken(parent context.Context, wsURL, origin string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		closeWS(conn)
		fatalf("handshake without token unexpectedly succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("expected 401 without token, got status=%d err=%v", status, err)
	}
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, withToken(wsURL, token), &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	// The dev credential carries the user id before the colon; HMAC
	// tokens embed it in the payload. Best effort for output only.
	userID := token
	if id, _, ok := strings.Cut(token, ":"); ok {
		userID = id
	}

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Frame, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var frame v1.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := frame.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad frame: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- frame:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	mustWriteFrame(parent, c.conn, v1.TypeJoin, v1.JoinPayload{RoomID: roomID}, stepTimeout)

	frame := c.mustReadUntilType(parent, v1.TypeRoomJoined, stepTimeout)

	var p v1.RoomEventPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal room_joined payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("room_joined room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
}

func mustUserCount(parent context.Context, c *smokeClient, roomID string, want int, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	// Counts are fanned out on every membership change; skip stale ones.
	for {
		frame := c.mustReadUntilTypeCtx(ctx, v1.TypeUserCount)

		var p v1.UserCountPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			fatalf("unmarshal user_count payload (%s): %v", c.name, err)
		}
		if p.RoomID == roomID && p.Count == want {
			return
		}
	}
}

func mustAssertMessage(parent context.Context, c *smokeClient, roomID, senderUserID, text string, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, v1.TypeMessage, stepTimeout)

	var p v1.MessageEventPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("message room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.UserID != senderUserID {
		fatalf("message sender mismatch (%s): got=%q want=%q", c.name, p.UserID, senderUserID)
	}
	if p.Message != text {
		fatalf("message text mismatch (%s): got=%q want=%q", c.name, p.Message, text)
	}
	if p.Timestamp.IsZero() {
		fatalf("message timestamp missing/zero (%s)", c.name)
	}
}

func mustAssertTyping(parent context.Context, c *smokeClient, roomID, userID string, isTyping bool, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, v1.TypeTyping, stepTimeout)

	var p v1.TypingEventPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal typing payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID || p.UserID != userID || p.IsTyping != isTyping {
		fatalf("typing payload mismatch (%s): %+v", c.name, p)
	}
}

func mustRoomLeft(parent context.Context, c *smokeClient, roomID, userID string, stepTimeout time.Duration) {
	frame := c.mustReadUntilType(parent, v1.TypeRoomLeft, stepTimeout)

	var p v1.RoomEventPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		fatalf("unmarshal room_left payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID || p.UserID != userID {
		fatalf("room_left payload mismatch (%s): %+v", c.name, p)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case frame, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if frame.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(frame.Data, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if frame.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	return c.mustReadUntilTypeCtx(ctx, wantType)
}

func (c *smokeClient) mustReadUntilTypeCtx(ctx context.Context, wantType string) v1.Frame {
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case frame, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if frame.Type == wantType {
				return frame
			}
			if frame.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(frame.Data, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			// Other broadcast traffic (counts, joins) is expected; skip it.
		}
	}
}

func mustWriteFrame(parent context.Context, conn *websocket.Conn, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	frame, err := v1.NewFrame(typ, payload)
	if err != nil {
		fatalf("build frame: %v", err)
	}
	b, err := json.Marshal(frame)
	if err != nil {
		fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
