// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"consult_realtime/internal/protocol"
	"consult_realtime/internal/transport"
	apperrors "consult_realtime/pkg/errors"
)

type Emission struct {
	Event   protocol.EventType
	Payload json.RawMessage
}

// Fake records every call and lets a test drive inbound events and
// connection drops.
type Fake struct {
	mu        sync.Mutex
	connected bool
	userID    string
	rooms     map[string]string
	emitted   []Emission
	joins     []string
	connects  int

	connectErr error
	emitErr    func(event protocol.EventType) error
	onEmit     func(event protocol.EventType, payload json.RawMessage)

	handlersMu    sync.RWMutex
	nextID        int
	handlers      map[protocol.EventType]map[int]transport.Handler
	stateHandlers map[int]transport.StateHandler
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		rooms:         make(map[string]string),
		handlers:      make(map[protocol.EventType]map[int]transport.Handler),
		stateHandlers: make(map[int]transport.StateHandler),
	}
}

func (f *Fake) Connect(_ context.Context, userID string) error {
	f.mu.Lock()
	f.connects++
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	if err := f.connectErr; err != nil {
		f.mu.Unlock()
		f.notify(transport.StateDisconnected, err)
		return err
	}
	f.connected = true
	f.userID = userID
	f.mu.Unlock()

	f.notify(transport.StateConnected, nil)
	return nil
}

func (f *Fake) JoinRoom(roomID, credential string) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return apperrors.ErrTransportUnavailable
	}
	if _, ok := f.rooms[roomID]; ok {
		f.mu.Unlock()
		return nil
	}
	f.rooms[roomID] = credential
	f.joins = append(f.joins, roomID)
	f.mu.Unlock()

	return f.Emit(protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomID: roomID, Credential: credential})
}

func (f *Fake) LeaveRoom(roomID string) error {
	f.mu.Lock()
	if _, ok := f.rooms[roomID]; !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.rooms, roomID)
	f.mu.Unlock()

	return f.Emit(protocol.EventLeaveRoom, protocol.LeaveRoomPayload{RoomID: roomID})
}

func (f *Fake) Emit(event protocol.EventType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return apperrors.ErrTransportUnavailable
	}
	failWith := f.emitErr
	f.mu.Unlock()

	if failWith != nil {
		if err := failWith(event); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.emitted = append(f.emitted, Emission{Event: event, Payload: raw})
	hook := f.onEmit
	f.mu.Unlock()

	if hook != nil {
		hook(event, raw)
	}
	return nil
}

func (f *Fake) On(event protocol.EventType, h transport.Handler) func() {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()

	id := f.nextID
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]transport.Handler)
	}
	f.handlers[event][id] = h

	return func() {
		f.handlersMu.Lock()
		delete(f.handlers[event], id)
		f.handlersMu.Unlock()
	}
}

func (f *Fake) OnState(h transport.StateHandler) func() {
	f.handlersMu.Lock()
	defer f.handlersMu.Unlock()

	id := f.nextID
	f.nextID++
	f.stateHandlers[id] = h

	return func() {
		f.handlersMu.Lock()
		delete(f.stateHandlers, id)
		f.handlersMu.Unlock()
	}
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = false
	f.rooms = make(map[string]string)
	f.mu.Unlock()

	f.notify(transport.StateDisconnected, nil)
	return nil
}

// SetConnectErr makes subsequent Connect calls fail with err (nil clears it).
func (f *Fake) SetConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// SetEmitErr installs a hook consulted before every Emit on a connected
// fake, outside the lock. A non-nil result is returned instead of emitting.
func (f *Fake) SetEmitErr(fn func(event protocol.EventType) error) {
	f.mu.Lock()
	f.emitErr = fn
	f.mu.Unlock()
}

// SetOnEmit installs a hook called after every successful Emit, outside the
// lock. Tests use it to script hub replies.
func (f *Fake) SetOnEmit(fn func(event protocol.EventType, payload json.RawMessage)) {
	f.mu.Lock()
	f.onEmit = fn
	f.mu.Unlock()
}

// Drop simulates an unexpected connection loss.
func (f *Fake) Drop() {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return
	}
	f.connected = false
	f.rooms = make(map[string]string)
	f.mu.Unlock()

	f.notify(transport.StateDisconnected, apperrors.ErrTransportUnavailable)
}

// Deliver simulates an inbound event from the hub.
func (f *Fake) Deliver(event protocol.EventType, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	f.handlersMu.RLock()
	hs := make([]transport.Handler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.handlersMu.RUnlock()

	for _, h := range hs {
		h(raw)
	}
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Rooms returns the rooms currently held, sorted.
func (f *Fake) Rooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.rooms))
	for room := range f.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Joins returns every join_room actually sent, in order.
func (f *Fake) Joins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

// Emitted returns the payloads emitted for event, in order.
func (f *Fake) Emitted(event protocol.EventType) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []json.RawMessage
	for _, e := range f.emitted {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (f *Fake) notify(state transport.State, err error) {
	f.handlersMu.RLock()
	hs := make([]transport.StateHandler, 0, len(f.stateHandlers))
	for _, h := range f.stateHandlers {
		hs = append(hs, h)
	}
	f.handlersMu.RUnlock()

	for _, h := range hs {
		h(state, err)
	}
}
