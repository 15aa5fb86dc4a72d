package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "weft/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = sendQueueSize
	wsMinSendQueueSize     = 16

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is optional by default (non-browser SDK clients send none).
	// - When present, only localhost is allowed by default.
	wsDefaultOriginRequired = false
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint of the broker.
//
// It authenticates the handshake before upgrading, enforces origin policy,
// rate limits, and heartbeats, and routes validated frames to rooms.
type WSGateway struct {
	log        *slog.Logger
	hub        *Hub
	verifier   Verifier
	membership MembershipStore

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When hub/verifier/membership are nil, it falls back to an in-memory hub,
// the insecure dev verifier, and an allow-all membership policy.
func NewWSGateway(log *slog.Logger, hub *Hub, verifier Verifier, membership MembershipStore) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if verifier == nil {
		verifier = InsecureVerifier{}
	}
	if membership == nil {
		membership = AllowAllMembership{}
	}

	g := &WSGateway{log: log, hub: hub, verifier: verifier, membership: membership}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("WEFT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("WEFT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("WEFT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("WEFT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("WEFT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("WEFT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("WEFT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("WEFT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("WEFT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("WEFT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades an HTTP request, then runs the
// session loop until the peer disconnects.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Credential check happens before the upgrade: an unauthenticated
	// peer never observes a websocket connection, only a 401.
	cred, err := g.verifier.Verify(r.URL.Query().Get("token"), time.Now().UTC())
	if err != nil {
		handshakeRejects.Inc()
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	client := NewClient(sessionID, cred.UserID, cred.UserEmail, g.sendQueueSize)

	activeConnections.Inc()
	defer activeConnections.Dec()

	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", cred.UserID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// joined is guarded by joinedMu: the read loop mutates it, while
	// shutdown can run from the writer or heartbeat goroutine.
	var (
		closeOnce sync.Once
		joinedMu  sync.Mutex
		joined    = make(map[string]*Room)
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Departure frames for remaining rooms go out here so that an abrupt
	// disconnect is observable to the rooms the session was part of.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			joinedMu.Lock()
			rooms := joined
			joined = make(map[string]*Room)
			joinedMu.Unlock()

			now := time.Now().UTC()
			for roomID, room := range rooms {
				room.Leave(sessionID)
				g.announceDeparture(room, roomID, cred, now)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case frame := <-client.Send:
				if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		frame, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			rateLimitTrips.Inc()
			g.trySendError(ctx, client, "rate_limited", "too many frames")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := frame.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_frame", err.Error())
			continue readLoop
		}
		framesIn.WithLabelValues(frame.Type).Inc()

		joinedMu.Lock()
		switch frame.Type {
		case v1.TypeJoin:
			if err := g.onJoin(ctx, client, joined, frame, now); err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
			}

		case v1.TypeLeave:
			if err := g.onLeave(ctx, client, joined, frame, now); err != nil {
				g.trySendError(ctx, client, "leave_failed", err.Error())
			}

		case v1.TypeMessage:
			if err := g.onMessage(client, joined, frame, now); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
			}

		case v1.TypeTyping:
			if err := g.onTyping(client, joined, frame); err != nil {
				g.trySendError(ctx, client, "typing_failed", err.Error())
			}

		default:
			// Known frame type, but not a client verb.
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("server-sent type: %s", frame.Type))
		}
		joinedMu.Unlock()
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.log.Info("ws.session.close", "session_id", sessionID, "user_id", cred.UserID)
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, joined map[string]*Room, frame v1.Frame, now time.Time) error {
	var p v1.JoinPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID, err := normalizeRoomID(p.RoomID)
	if err != nil {
		return err
	}

	ok, err := g.membership.IsMember(ctx, client.UserID, roomID)
	if err != nil {
		g.log.Error("ws.membership.fail", "session_id", client.SessionID, "room_id", roomID, "err", err)
		return errors.New("membership check failed")
	}
	if !ok {
		return fmt.Errorf("not a member of room %s", roomID)
	}

	room := g.hub.GetOrCreateRoom(roomID)
	room.Join(client)
	joined[roomID] = room

	// Everyone in the room sees the join; for the joiner it doubles as
	// the confirmation. Re-joins confirm again without changing state.
	evt, _ := v1.NewFrame(v1.TypeRoomJoined, v1.RoomEventPayload{
		RoomID:    roomID,
		UserID:    client.UserID,
		UserEmail: client.UserEmail,
		Timestamp: now,
	})
	room.Broadcast(evt)

	g.broadcastUserCount(room, roomID)
	return nil
}

func (g *WSGateway) onLeave(ctx context.Context, client *Client, joined map[string]*Room, frame v1.Frame, now time.Time) error {
	var p v1.LeavePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID, err := normalizeRoomID(p.RoomID)
	if err != nil {
		return err
	}

	room, ok := joined[roomID]
	if !ok {
		return fmt.Errorf("not joined to room %s", roomID)
	}
	delete(joined, roomID)

	room.Leave(client.SessionID)

	// Confirmation to the leaver, then the departure to the remaining members.
	evt, _ := v1.NewFrame(v1.TypeRoomLeft, v1.RoomEventPayload{
		RoomID:    roomID,
		UserID:    client.UserID,
		UserEmail: client.UserEmail,
		Timestamp: now,
	})
	g.enqueue(ctx, client, evt)
	room.Broadcast(evt)

	g.broadcastUserCount(room, roomID)
	return nil
}

func (g *WSGateway) onMessage(client *Client, joined map[string]*Room, frame v1.Frame, now time.Time) error {
	var p v1.MessagePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID, err := normalizeRoomID(p.RoomID)
	if err != nil {
		return err
	}

	room, ok := joined[roomID]
	if !ok {
		return fmt.Errorf("not joined to room %s", roomID)
	}

	text := strings.TrimSpace(p.Message)
	if text == "" {
		return errors.New("empty message")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	// The sender is included in the fanout; clients dedupe by userId.
	evt, _ := v1.NewFrame(v1.TypeMessage, v1.MessageEventPayload{
		RoomID:    roomID,
		UserID:    client.UserID,
		UserEmail: client.UserEmail,
		Message:   text,
		Timestamp: now,
	})
	room.Broadcast(evt)
	return nil
}

func (g *WSGateway) onTyping(client *Client, joined map[string]*Room, frame v1.Frame) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID, err := normalizeRoomID(p.RoomID)
	if err != nil {
		return err
	}

	room, ok := joined[roomID]
	if !ok {
		return fmt.Errorf("not joined to room %s", roomID)
	}

	// Typing is only interesting to the others.
	evt, _ := v1.NewFrame(v1.TypeTyping, v1.TypingEventPayload{
		RoomID:    roomID,
		UserID:    client.UserID,
		UserEmail: client.UserEmail,
		IsTyping:  p.IsTyping,
	})
	room.BroadcastExcept(evt, client.SessionID)
	return nil
}

func (g *WSGateway) announceDeparture(room *Room, roomID string, cred Credential, now time.Time) {
	evt, _ := v1.NewFrame(v1.TypeRoomLeft, v1.RoomEventPayload{
		RoomID:    roomID,
		UserID:    cred.UserID,
		UserEmail: cred.UserEmail,
		Timestamp: now,
	})
	room.Broadcast(evt)
	g.broadcastUserCount(room, roomID)
}

func (g *WSGateway) broadcastUserCount(room *Room, roomID string) {
	evt, _ := v1.NewFrame(v1.TypeUserCount, v1.UserCountPayload{
		RoomID: roomID,
		Count:  room.Count(),
	})
	room.Broadcast(evt)
}

func normalizeRoomID(roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", errors.New("missing roomId")
	}
	if len([]rune(roomID)) > maxRoomIDChars {
		return "", fmt.Errorf("roomId too long: max=%d chars", maxRoomIDChars)
	}
	return roomID, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	frame, _ := v1.NewFrame(v1.TypeError, v1.ErrorPayload{Message: msg, Code: code})
	g.enqueue(ctx, client, frame)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, frame v1.Frame) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- frame:
		framesOut.WithLabelValues(frame.Type).Inc()
		return true
	default:
		broadcastDrops.Inc()
		return false
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) (v1.Frame, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Frame{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Frame{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var frame v1.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return v1.Frame{}, err
	}
	return frame, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame v1.Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
