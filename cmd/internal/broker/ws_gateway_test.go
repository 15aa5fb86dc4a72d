package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	v1 "weft/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

func newTestGateway(t *testing.T, verifier Verifier, membership MembershipStore) *WSGateway {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWSGateway(log, NewHub(log), verifier, membership)
}

func startTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialBroker(t *testing.T, baseHTTPURL, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if strings.TrimSpace(token) != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), nil)
}

func writeFrameWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	frame, err := v1.NewFrame(typ, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilFrame(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Frame {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var frame v1.Frame
		if err := json.Unmarshal(b, &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if frame.Type == typ {
			return frame
		}
	}
	t.Fatalf("did not receive frame type %q", typ)
	return v1.Frame{}
}

func TestWSGateway_MissingTokenRejectedBeforeUpgrade(t *testing.T) {
	gw := newTestGateway(t, InsecureVerifier{}, nil)
	ts := startTestServer(t, gw)

	_, resp, err := dialBroker(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected unauthorized handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_InvalidTokenRejectedBeforeUpgrade(t *testing.T) {
	verifier, err := NewHMACVerifier(testHMACKey())
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}
	gw := newTestGateway(t, verifier, nil)
	ts := startTestServer(t, gw)

	_, resp, err := dialBroker(t, ts.URL, "not-a-valid-token")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected unauthorized handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_SignedTokenAdmitted(t *testing.T) {
	verifier, err := NewHMACVerifier(testHMACKey())
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}
	gw := newTestGateway(t, verifier, nil)
	ts := startTestServer(t, gw)

	token := SignToken("user-a", "a@example.com", time.Now().UTC().Add(time.Hour), testHMACKey())
	conn, resp, err := dialBroker(t, ts.URL, token)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("authorized dial failed: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeFrameWS(t, conn, v1.TypeJoin, v1.JoinPayload{RoomID: "general"})

	joinedFrame := readUntilFrame(t, conn, v1.TypeRoomJoined, 4)
	var joinedP v1.RoomEventPayload
	if err := json.Unmarshal(joinedFrame.Data, &joinedP); err != nil {
		t.Fatalf("decode room_joined: %v", err)
	}
	if joinedP.RoomID != "general" || joinedP.UserID != "user-a" {
		t.Fatalf("unexpected room_joined payload: %+v", joinedP)
	}
}

func TestWSGateway_JoinMessageTypingLeaveFlow(t *testing.T) {
	gw := newTestGateway(t, InsecureVerifier{}, nil)
	ts := startTestServer(t, gw)

	connA, _, err := dialBroker(t, ts.URL, "user-a:a@example.com")
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer func() { _ = connA.Close(websocket.StatusNormalClosure, "bye") }()

	connB, _, err := dialBroker(t, ts.URL, "user-b:b@example.com")
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer func() { _ = connB.Close(websocket.StatusNormalClosure, "bye") }()

	writeFrameWS(t, connA, v1.TypeJoin, v1.JoinPayload{RoomID: "general"})
	_ = readUntilFrame(t, connA, v1.TypeRoomJoined, 4)

	writeFrameWS(t, connB, v1.TypeJoin, v1.JoinPayload{RoomID: "general"})
	_ = readUntilFrame(t, connB, v1.TypeRoomJoined, 4)

	// Both ends converge on a presence count of 2.
	countFrame := readUntilFrame(t, connB, v1.TypeUserCount, 4)
	var countP v1.UserCountPayload
	if err := json.Unmarshal(countFrame.Data, &countP); err != nil {
		t.Fatalf("decode user_count: %v", err)
	}
	if countP.RoomID != "general" || countP.Count != 2 {
		t.Fatalf("unexpected user_count payload: %+v", countP)
	}

	// A message from A reaches both A (echo, deduped client-side) and B.
	writeFrameWS(t, connA, v1.TypeMessage, v1.MessagePayload{RoomID: "general", Message: "hello room"})

	for name, conn := range map[string]*websocket.Conn{"a": connA, "b": connB} {
		msgFrame := readUntilFrame(t, conn, v1.TypeMessage, 8)
		var msgP v1.MessageEventPayload
		if err := json.Unmarshal(msgFrame.Data, &msgP); err != nil {
			t.Fatalf("decode message for %s: %v", name, err)
		}
		if msgP.UserID != "user-a" || msgP.Message != "hello room" {
			t.Fatalf("unexpected message payload for %s: %+v", name, msgP)
		}
		if msgP.Timestamp.IsZero() {
			t.Fatalf("expected server timestamp for %s", name)
		}
	}

	// Typing from A is relayed to B only.
	writeFrameWS(t, connA, v1.TypeTyping, v1.TypingPayload{RoomID: "general", IsTyping: true})

	typingFrame := readUntilFrame(t, connB, v1.TypeTyping, 8)
	var typingP v1.TypingEventPayload
	if err := json.Unmarshal(typingFrame.Data, &typingP); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if typingP.UserID != "user-a" || !typingP.IsTyping {
		t.Fatalf("unexpected typing payload: %+v", typingP)
	}

	// B leaves: it gets a confirmation, A sees the departure and the new count.
	writeFrameWS(t, connB, v1.TypeLeave, v1.LeavePayload{RoomID: "general"})
	_ = readUntilFrame(t, connB, v1.TypeRoomLeft, 8)

	leftFrame := readUntilFrame(t, connA, v1.TypeRoomLeft, 8)
	var leftP v1.RoomEventPayload
	if err := json.Unmarshal(leftFrame.Data, &leftP); err != nil {
		t.Fatalf("decode room_left: %v", err)
	}
	if leftP.UserID != "user-b" {
		t.Fatalf("unexpected room_left payload: %+v", leftP)
	}

	countFrame = readUntilFrame(t, connA, v1.TypeUserCount, 8)
	if err := json.Unmarshal(countFrame.Data, &countP); err != nil {
		t.Fatalf("decode user_count: %v", err)
	}
	if countP.Count != 1 {
		t.Fatalf("expected count=1 after leave, got %+v", countP)
	}
}

func TestWSGateway_AbruptDisconnectAnnouncesDeparture(t *testing.T) {
	gw := newTestGateway(t, InsecureVerifier{}, nil)
	ts := startTestServer(t, gw)

	connA, _, err := dialBroker(t, ts.URL, "user-a:a@example.com")
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer func() { _ = connA.Close(websocket.StatusNormalClosure, "bye") }()

	connB, _, err := dialBroker(t, ts.URL, "user-b:b@example.com")
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}

	writeFrameWS(t, connA, v1.TypeJoin, v1.JoinPayload{RoomID: "general"})
	_ = readUntilFrame(t, connA, v1.TypeRoomJoined, 4)

	writeFrameWS(t, connB, v1.TypeJoin, v1.JoinPayload{RoomID: "general"})
	_ = readUntilFrame(t, connB, v1.TypeRoomJoined, 4)

	// Close B without a leave frame.
	_ = connB.Close(websocket.StatusNormalClosure, "gone")

	leftFrame := readUntilFrame(t, connA, v1.TypeRoomLeft, 8)
	var leftP v1.RoomEventPayload
	if err := json.Unmarshal(leftFrame.Data, &leftP); err != nil {
		t.Fatalf("decode room_left: %v", err)
	}
	if leftP.RoomID != "general" || leftP.UserID != "user-b" {
		t.Fatalf("unexpected room_left payload: %+v", leftP)
	}

	countFrame := readUntilFrame(t, connA, v1.TypeUserCount, 8)
	var countP v1.UserCountPayload
	if err := json.Unmarshal(countFrame.Data, &countP); err != nil {
		t.Fatalf("decode user_count: %v", err)
	}
	if countP.Count != 1 {
		t.Fatalf("expected count=1 after disconnect, got %+v", countP)
	}
}

type denyMembership struct{}

func (denyMembership) IsMember(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestWSGateway_JoinDeniedByMembership(t *testing.T) {
	gw := newTestGateway(t, InsecureVerifier{}, denyMembership{})
	ts := startTestServer(t, gw)

	conn, _, err := dialBroker(t, ts.URL, "user-a:a@example.com")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeFrameWS(t, conn, v1.TypeJoin, v1.JoinPayload{RoomID: "private"})

	errFrame := readUntilFrame(t, conn, v1.TypeError, 4)
	var errP v1.ErrorPayload
	if err := json.Unmarshal(errFrame.Data, &errP); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errP.Code != "join_failed" {
		t.Fatalf("expected join_failed, got %+v", errP)
	}
}

func TestWSGateway_MessageOutsideJoinedRoomRejected(t *testing.T) {
	gw := newTestGateway(t, InsecureVerifier{}, nil)
	ts := startTestServer(t, gw)

	conn, _, err := dialBroker(t, ts.URL, "user-a:a@example.com")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeFrameWS(t, conn, v1.TypeMessage, v1.MessagePayload{RoomID: "general", Message: "hi"})

	errFrame := readUntilFrame(t, conn, v1.TypeError, 4)
	var errP v1.ErrorPayload
	if err := json.Unmarshal(errFrame.Data, &errP); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errP.Code != "send_failed" {
		t.Fatalf("expected send_failed, got %+v", errP)
	}
}

func TestWSGateway_UnknownFrameTypeRejected(t *testing.T) {
	gw := newTestGateway(t, InsecureVerifier{}, nil)
	ts := startTestServer(t, gw)

	conn, _, err := dialBroker(t, ts.URL, "user-a:a@example.com")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}

	errFrame := readUntilFrame(t, conn, v1.TypeError, 4)
	var errP v1.ErrorPayload
	if err := json.Unmarshal(errFrame.Data, &errP); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errP.Code != "bad_frame" {
		t.Fatalf("expected bad_frame, got %+v", errP)
	}
}
