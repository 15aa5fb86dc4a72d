// Package session coordinates room-protocol state on top of the
// transport client: membership, bounded message history, typing
// indicators, presence counts, and unread tracking.
package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"weft/client/clock"
	"weft/client/storage"
	"weft/client/transport"
	v1 "weft/shared/contracts/chat/v1"

	"github.com/google/uuid"
)

const (
	// Per-room history bound; older entries are evicted.
	historyCap = 50

	// A peer's typing indicator expires when no refreshing start
	// signal arrives within this window.
	typingExpiry = 3 * time.Second

	// Broker-emitted error frames surface transiently, then clear.
	errorClearAfter = 5 * time.Second

	historyKeyPrefix = "history:"
)

// Identity is the acting user. IsOwn is always computed from it,
// never trusted from the wire.
type Identity struct {
	UserID string
	Email  string
}

// ChatMessage is one displayed message. Immutable after creation;
// evicted only by history capping.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	UserEmail string    `json:"userEmail"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsOwn     bool      `json:"isOwn"`
}

// Transport is the surface the coordinator needs from the transport
// client.
type Transport interface {
	Send(v1.Frame)
	On(typeTag string, handler transport.Handler) func()
	OnConnectionChange(handler transport.StatusHandler) func()
	IsConnected() bool
}

// Options configures a Coordinator.
type Options struct {
	Logger    *slog.Logger
	Clock     clock.Clock
	Transport Transport
	Store     storage.Store
	Identity  Identity
}

// Coordinator translates chat actions into frames and reconciles
// inbound frames into observable state. Construct with New, tear down
// with Close; Close cancels every outstanding timer so nothing mutates
// state after the owner is gone.
type Coordinator struct {
	log      *slog.Logger
	clk      clock.Clock
	tr       Transport
	store    storage.Store
	identity Identity

	mu         sync.Mutex
	closed     bool
	connStatus transport.Status
	rooms      map[string]struct{}
	history    map[string][]ChatMessage
	typing     map[string]map[string]*clock.Timer
	unread     map[string]int
	presence   map[string]int
	activeRoom string
	errMsg     string
	errTimer   *clock.Timer

	unsubs     []func()
	changeSubs map[int]func()
	nextSubID  int
}

// New constructs a Coordinator and attaches it to the transport's
// inbound dispatch.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}

	c := &Coordinator{
		log:        opts.Logger,
		clk:        opts.Clock,
		tr:         opts.Transport,
		store:      opts.Store,
		identity:   opts.Identity,
		connStatus: transport.StatusDisconnected,
		rooms:      make(map[string]struct{}),
		history:    make(map[string][]ChatMessage),
		typing:     make(map[string]map[string]*clock.Timer),
		unread:     make(map[string]int),
		presence:   make(map[string]int),
		changeSubs: make(map[int]func()),
	}

	c.unsubs = append(c.unsubs,
		c.tr.On(v1.TypeMessage, c.handleMessage),
		c.tr.On(v1.TypeTyping, c.handleTyping),
		c.tr.On(v1.TypeUserCount, c.handleUserCount),
		c.tr.On(v1.TypeRoomJoined, c.handleRoomEvent),
		c.tr.On(v1.TypeRoomLeft, c.handleRoomEvent),
		c.tr.On(v1.TypeError, c.handleError),
		c.tr.OnConnectionChange(c.handleStatus),
	)

	return c
}

// Close detaches the coordinator from the transport and cancels every
// outstanding typing-expiry and error-clear timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	for _, byWho := range c.typing {
		for _, timer := range byWho {
			timer.Stop()
		}
	}
	c.typing = make(map[string]map[string]*clock.Timer)
	if c.errTimer != nil {
		c.errTimer.Stop()
		c.errTimer = nil
	}
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// ---- actions ----

// JoinRoom optimistically adds the room to local membership, then
// transmits a join frame. Idempotent; requires an active connection.
func (c *Coordinator) JoinRoom(roomID string) {
	if !c.tr.IsConnected() {
		c.reportLocalError("not connected")
		return
	}

	c.mu.Lock()
	_, already := c.rooms[roomID]
	c.rooms[roomID] = struct{}{}
	if _, ok := c.history[roomID]; !ok {
		c.history[roomID] = c.loadHistory(roomID)
	}
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()

	if !already {
		c.log.Debug("room.join", "room_id", roomID)
	}
	c.sendFrame(v1.TypeJoin, v1.JoinPayload{RoomID: roomID})
}

// LeaveRoom optimistically removes the room from local membership,
// then transmits a leave frame. History is kept; it outlives
// membership. Idempotent; requires an active connection.
func (c *Coordinator) LeaveRoom(roomID string) {
	if !c.tr.IsConnected() {
		c.reportLocalError("not connected")
		return
	}

	c.mu.Lock()
	delete(c.rooms, roomID)
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()

	c.log.Debug("room.leave", "room_id", roomID)
	c.sendFrame(v1.TypeLeave, v1.LeavePayload{RoomID: roomID})
}

// SendMessage appends an optimistic local echo to history, persists
// the capped history, and transmits a message frame. Requires local
// membership in roomID.
func (c *Coordinator) SendMessage(roomID, text string) {
	c.mu.Lock()
	if _, joined := c.rooms[roomID]; !joined {
		c.mu.Unlock()
		c.reportLocalError("not a member of room " + roomID)
		return
	}

	msg := ChatMessage{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    c.identity.UserID,
		UserEmail: c.identity.Email,
		Text:      text,
		Timestamp: c.clk.Now(),
		IsOwn:     true,
	}
	c.appendHistoryLocked(msg)
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()

	c.sendFrame(v1.TypeMessage, v1.MessagePayload{RoomID: roomID, Message: text})
}

// SendTypingIndicator transmits the local user's typing state.
// Debouncing is the caller's job; the coordinator tolerates redundant
// or out-of-order signals. Requires local membership in roomID.
func (c *Coordinator) SendTypingIndicator(roomID string, isTyping bool) {
	c.mu.Lock()
	_, joined := c.rooms[roomID]
	c.mu.Unlock()
	if !joined {
		c.reportLocalError("not a member of room " + roomID)
		return
	}

	c.sendFrame(v1.TypeTyping, v1.TypingPayload{RoomID: roomID, IsTyping: isTyping})
}

// MarkRoomAsRead zeroes the room's unread count and records it as the
// active room for subsequent unread accounting.
func (c *Coordinator) MarkRoomAsRead(roomID string) {
	c.mu.Lock()
	delete(c.unread, roomID)
	c.activeRoom = roomID
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

// ---- accessors ----

// History returns a copy of the room's message history, oldest first.
func (c *Coordinator) History(roomID string) []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.history[roomID]...)
}

// Rooms returns the sorted set of rooms the client believes it has
// joined.
func (c *Coordinator) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// TypingUsers returns the sorted display identities currently typing
// in the room.
func (c *Coordinator) TypingUsers(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.typing[roomID]))
	for who := range c.typing[roomID] {
		out = append(out, who)
	}
	sort.Strings(out)
	return out
}

// UnreadCount returns the room's unread message count.
func (c *Coordinator) UnreadCount(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[roomID]
}

// Presence returns the broker-reported connection count for the room.
func (c *Coordinator) Presence(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence[roomID]
}

// ActiveRoom returns the room currently marked as read.
func (c *Coordinator) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRoom
}

// Err returns the transient error message, or "" when clear.
func (c *Coordinator) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// ConnectionStatus returns the last observed transport status.
func (c *Coordinator) ConnectionStatus() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connStatus
}

// OnChange registers a coarse state-change notification. The returned
// function removes the listener.
func (c *Coordinator) OnChange(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.changeSubs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.changeSubs, id)
	}
}

// ---- inbound handlers ----

func (c *Coordinator) handleMessage(frame v1.Frame) {
	var p v1.MessageEventPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		c.log.Warn("message.payload.invalid", "err", err)
		return
	}

	// The broker may echo our own broadcast back; it is already
	// displayed optimistically.
	if p.UserID == c.identity.UserID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	_, joined := c.rooms[p.RoomID]
	_, known := c.history[p.RoomID]
	if !joined && !known {
		c.mu.Unlock()
		c.log.Warn("message.unjoined_room", "room_id", p.RoomID)
		return
	}

	c.appendHistoryLocked(ChatMessage{
		ID:        uuid.NewString(),
		RoomID:    p.RoomID,
		UserID:    p.UserID,
		UserEmail: p.UserEmail,
		Text:      p.Message,
		Timestamp: p.Timestamp,
		IsOwn:     false,
	})
	if p.RoomID != c.activeRoom {
		c.unread[p.RoomID]++
	}
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

func (c *Coordinator) handleTyping(frame v1.Frame) {
	var p v1.TypingEventPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		c.log.Warn("typing.payload.invalid", "err", err)
		return
	}
	if p.UserID == c.identity.UserID {
		return
	}

	who := p.UserEmail
	if who == "" {
		who = p.UserID
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if p.IsTyping {
		byWho := c.typing[p.RoomID]
		if byWho == nil {
			byWho = make(map[string]*clock.Timer)
			c.typing[p.RoomID] = byWho
		}
		if timer, ok := byWho[who]; ok {
			// Already typing: refresh the expiry without changing state.
			timer.Reset(typingExpiry)
		} else {
			roomID := p.RoomID
			byWho[who] = c.clk.AfterFunc(typingExpiry, func() {
				c.expireTyping(roomID, who)
			})
		}
	} else {
		if timer, ok := c.typing[p.RoomID][who]; ok {
			timer.Stop()
			delete(c.typing[p.RoomID], who)
		}
	}
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

func (c *Coordinator) expireTyping(roomID, who string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	delete(c.typing[roomID], who)
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

func (c *Coordinator) handleUserCount(frame v1.Frame) {
	var p v1.UserCountPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		c.log.Warn("user_count.payload.invalid", "err", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.presence[p.RoomID] = p.Count
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

// handleRoomEvent observes join/leave confirmations for diagnostics.
// Local membership is optimistic and does not wait for them.
func (c *Coordinator) handleRoomEvent(frame v1.Frame) {
	var p v1.RoomEventPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		c.log.Warn("room_event.payload.invalid", "err", err)
		return
	}
	c.log.Debug("room.event", "type", frame.Type, "room_id", p.RoomID, "user_id", p.UserID)
}

func (c *Coordinator) handleError(frame v1.Frame) {
	var p v1.ErrorPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		c.log.Warn("error.payload.invalid", "err", err)
		return
	}
	c.log.Info("broker.error", "message", p.Message, "code", p.Code)
	c.setTransientError(p.Message)
}

func (c *Coordinator) handleStatus(s transport.Status) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connStatus = s
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

// ---- internals ----

func (c *Coordinator) sendFrame(typ string, payload any) {
	frame, err := v1.NewFrame(typ, payload)
	if err != nil {
		c.log.Warn("frame.marshal_fail", "type", typ, "err", err)
		return
	}
	c.tr.Send(frame)
}

// reportLocalError surfaces a precondition failure as a transient,
// non-transmitted error state.
func (c *Coordinator) reportLocalError(msg string) {
	c.log.Info("action.rejected", "reason", msg)
	c.setTransientError(msg)
}

func (c *Coordinator) setTransientError(msg string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.errMsg = msg
	if c.errTimer != nil {
		c.errTimer.Stop()
	}
	c.errTimer = c.clk.AfterFunc(errorClearAfter, c.clearError)
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

func (c *Coordinator) clearError() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.errMsg = ""
	c.errTimer = nil
	notify := c.changedLocked()
	c.mu.Unlock()
	notify()
}

// appendHistoryLocked appends msg, evicts beyond the cap, and persists
// the room's history wholesale.
func (c *Coordinator) appendHistoryLocked(msg ChatMessage) {
	entries := append(c.history[msg.RoomID], msg)
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	c.history[msg.RoomID] = entries

	data, err := json.Marshal(entries)
	if err != nil {
		c.log.Warn("history.marshal_fail", "room_id", msg.RoomID, "err", err)
		return
	}
	if err := c.store.Set(historyKeyPrefix+msg.RoomID, data); err != nil {
		c.log.Warn("history.persist_fail", "room_id", msg.RoomID, "err", err)
	}
}

// loadHistory reads a room's persisted history. Missing or corrupt
// entries degrade to an empty history.
func (c *Coordinator) loadHistory(roomID string) []ChatMessage {
	data, ok, err := c.store.Get(historyKeyPrefix + roomID)
	if err != nil {
		c.log.Warn("history.load_fail", "room_id", roomID, "err", err)
		return []ChatMessage{}
	}
	if !ok {
		return []ChatMessage{}
	}

	var entries []ChatMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		c.log.Warn("history.decode_fail", "room_id", roomID, "err", err)
		return []ChatMessage{}
	}
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	return entries
}

// changedLocked snapshots the change listeners; the returned callback
// must be invoked after the lock is released.
func (c *Coordinator) changedLocked() func() {
	if len(c.changeSubs) == 0 {
		return func() {}
	}
	subs := make([]func(), 0, len(c.changeSubs))
	for _, fn := range c.changeSubs {
		subs = append(subs, fn)
	}
	return func() {
		for _, fn := range subs {
			fn()
		}
	}
}
