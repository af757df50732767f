// Package transport implements the per-user realtime event connection.
//
// One Adapter owns at most one websocket. Room membership is additive and
// idempotent, Emit is fire-and-forget, and connection loss is reported to
// OnState subscribers instead of being returned from a call. Reconnecting
// is left to the caller (see internal/presence).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"consult_realtime/internal/protocol"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/gorilla/websocket"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// StateHandler is told about every connect and disconnect. err is nil for
// an explicit Disconnect and wraps ErrTransportUnavailable for a drop.
type StateHandler func(state State, err error)

// Transport is the surface the directory and both managers depend on.
type Transport interface {
	Connect(ctx context.Context, userID string) error
	JoinRoom(roomID, credential string) error
	LeaveRoom(roomID string) error
	Emit(event protocol.EventType, payload interface{}) error
	On(event protocol.EventType, h Handler) (unsubscribe func())
	OnState(h StateHandler) (unsubscribe func())
	Disconnect() error
}

type Options struct {
	URL          string
	Token        string
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	Dialer       *websocket.Dialer
}

func (o *Options) withDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

type Adapter struct {
	opts Options
	log  logger.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	userID string
	rooms  map[string]struct{}
	send   chan []byte
	done   chan struct{}

	handlersMu    sync.RWMutex
	nextID        int
	handlers      map[protocol.EventType]map[int]Handler
	stateHandlers map[int]StateHandler
}

var _ Transport = (*Adapter)(nil)

func NewAdapter(opts Options, log logger.Logger) *Adapter {
	opts.withDefaults()
	return &Adapter{
		opts:          opts,
		log:           log.With("component", "transport"),
		rooms:         make(map[string]struct{}),
		handlers:      make(map[protocol.EventType]map[int]Handler),
		stateHandlers: make(map[int]StateHandler),
	}
}

// Connect dials the hub as userID. Calling it while connected is a no-op.
func (a *Adapter) Connect(ctx context.Context, userID string) error {
	a.mu.Lock()
	switch a.state {
	case StateConnected:
		same := a.userID == userID
		a.mu.Unlock()
		if !same {
			return fmt.Errorf("transport already connected as %s", a.userID)
		}
		return nil
	case StateConnecting:
		a.mu.Unlock()
		return fmt.Errorf("%w: connect in progress", apperrors.ErrTransportUnavailable)
	}
	a.state = StateConnecting
	a.userID = userID
	a.mu.Unlock()

	header := http.Header{}
	if a.opts.Token != "" {
		header.Set("Authorization", "Bearer "+a.opts.Token)
	}

	conn, _, err := a.opts.Dialer.DialContext(ctx, a.opts.URL, header)
	if err != nil {
		a.mu.Lock()
		a.state = StateDisconnected
		a.mu.Unlock()
		err = fmt.Errorf("%w: dial %s: %v", apperrors.ErrTransportUnavailable, a.opts.URL, err)
		a.notifyState(StateDisconnected, err)
		return err
	}

	send := make(chan []byte, a.opts.SendBuffer)
	done := make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.send = send
	a.done = done
	a.state = StateConnected
	a.rooms = make(map[string]struct{})
	a.mu.Unlock()

	go a.writePump(conn, send, done)
	go a.readPump(conn)

	a.log.Info("Transport connected", "user_id", userID, "url", a.opts.URL)
	a.notifyState(StateConnected, nil)
	return nil
}

// JoinRoom asks the hub to deliver events scoped to roomID. Joining a room
// the connection already holds does nothing.
func (a *Adapter) JoinRoom(roomID, credential string) error {
	a.mu.Lock()
	if a.state != StateConnected {
		a.mu.Unlock()
		return apperrors.ErrTransportUnavailable
	}
	if _, ok := a.rooms[roomID]; ok {
		a.mu.Unlock()
		return nil
	}
	a.rooms[roomID] = struct{}{}
	a.mu.Unlock()

	if err := a.Emit(protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: roomID, Credential: credential}); err != nil {
		a.mu.Lock()
		delete(a.rooms, roomID)
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *Adapter) LeaveRoom(roomID string) error {
	a.mu.Lock()
	if _, ok := a.rooms[roomID]; !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.rooms, roomID)
	a.mu.Unlock()

	return a.Emit(protocol.EventLeaveRoom, protocol.LeaveRoomPayload{RoomID: roomID})
}

// Emit queues an event for the write pump. There is no delivery
// acknowledgment; the only error is an unavailable connection.
func (a *Adapter) Emit(event protocol.EventType, payload interface{}) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	a.mu.Lock()
	send, done, state := a.send, a.done, a.state
	a.mu.Unlock()

	if state != StateConnected {
		return apperrors.ErrTransportUnavailable
	}

	select {
	case <-done:
		return apperrors.ErrTransportUnavailable
	case send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", apperrors.ErrTransportUnavailable)
	}
}

func (a *Adapter) On(event protocol.EventType, h Handler) func() {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()

	id := a.nextID
	a.nextID++
	if a.handlers[event] == nil {
		a.handlers[event] = make(map[int]Handler)
	}
	a.handlers[event][id] = h

	return func() {
		a.handlersMu.Lock()
		delete(a.handlers[event], id)
		a.handlersMu.Unlock()
	}
}

func (a *Adapter) OnState(h StateHandler) func() {
	a.handlersMu.Lock()
	defer a.handlersMu.Unlock()

	id := a.nextID
	a.nextID++
	a.stateHandlers[id] = h

	return func() {
		a.handlersMu.Lock()
		delete(a.stateHandlers, id)
		a.handlersMu.Unlock()
	}
}

// Disconnect closes the connection and drops every room. Safe to call
// more than once.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return nil
	}
	a.conn = nil
	close(a.done)
	a.state = StateDisconnected
	a.rooms = make(map[string]struct{})
	a.mu.Unlock()

	deadline := time.Now().Add(a.opts.WriteWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.Close()

	a.log.Info("Transport disconnected")
	a.notifyState(StateDisconnected, nil)
	return err
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Rooms lists the rooms held by the current connection.
func (a *Adapter) Rooms() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.rooms))
	for room := range a.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// drop handles an unexpected loss of conn. A stale conn (already replaced
// or explicitly closed) is ignored.
func (a *Adapter) drop(conn *websocket.Conn, cause error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	close(a.done)
	a.state = StateDisconnected
	a.rooms = make(map[string]struct{})
	a.mu.Unlock()

	conn.Close()

	a.log.Warn("Transport dropped", "error", cause)
	a.notifyState(StateDisconnected, fmt.Errorf("%w: %v", apperrors.ErrTransportUnavailable, cause))
}

func (a *Adapter) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(a.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(a.opts.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			a.drop(conn, err)
			return
		}

		env, err := protocol.ParseEnvelope(message)
		if err != nil {
			a.log.Warn("Failed to parse envelope", "error", err)
			continue
		}
		a.dispatch(env)
	}
}

func (a *Adapter) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(a.opts.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				a.drop(conn, err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(a.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				a.drop(conn, err)
				return
			}
		}
	}
}

func (a *Adapter) dispatch(env *protocol.Envelope) {
	a.handlersMu.RLock()
	hs := make([]Handler, 0, len(a.handlers[env.Type]))
	for _, h := range a.handlers[env.Type] {
		hs = append(hs, h)
	}
	a.handlersMu.RUnlock()

	if len(hs) == 0 {
		a.log.Debug("No handler for event", "type", env.Type)
	}
	for _, h := range hs {
		h(env.Data)
	}
}

func (a *Adapter) notifyState(state State, err error) {
	a.handlersMu.RLock()
	hs := make([]StateHandler, 0, len(a.stateHandlers))
	for _, h := range a.stateHandlers {
		hs = append(hs, h)
	}
	a.handlersMu.RUnlock()

	for _, h := range hs {
		h(state, err)
	}
}
