// Package presence maps logical rooms onto transport room membership and
// owns the reconnect cycle of the shared connection.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/transport"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/benbjohnson/clock"
)

type Status int

const (
	StatusOffline Status = iota
	StatusReady
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "offline"
	}
}

type StatusHandler func(status Status, err error)

type Options struct {
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	MaxBackoff        time.Duration
}

func (o *Options) withDefaults() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 15 * time.Second
	}
}

type entry struct {
	membership domain.RoomMembership
	credential string
	refs       int
}

// Directory is shared by the message and live session managers. A room is
// joined on the transport once no matter how many holders it has, and every
// held room is re-joined after a reconnect before the directory reports
// ready again.
type Directory struct {
	tr    transport.Transport
	clock clock.Clock
	opts  Options
	log   logger.Logger

	mu           sync.Mutex
	userID       string
	started      bool
	status       Status
	rooms        map[string]*entry
	reconnecting bool
	cancelLoop   context.CancelFunc
	// drops counts connection losses seen, so a loss that lands between a
	// successful rejoin and the switch to ready is not missed.
	drops uint64

	handlersMu     sync.RWMutex
	nextID         int
	readyHandlers  map[int]func()
	statusHandlers map[int]StatusHandler

	unsubscribe func()
}

func New(tr transport.Transport, clk clock.Clock, opts Options, log logger.Logger) *Directory {
	opts.withDefaults()
	d := &Directory{
		tr:             tr,
		clock:          clk,
		opts:           opts,
		log:            log.With("component", "presence"),
		rooms:          make(map[string]*entry),
		readyHandlers:  make(map[int]func()),
		statusHandlers: make(map[int]StatusHandler),
	}
	d.unsubscribe = tr.OnState(d.handleState)
	return d
}

// Start connects as userID and joins the personal room.
func (d *Directory) Start(ctx context.Context, userID string) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.userID = userID
	d.started = true
	d.mu.Unlock()

	d.mu.Lock()
	personal := domain.UserRoom(userID)
	if _, ok := d.rooms[personal]; !ok {
		d.rooms[personal] = &entry{
			membership: domain.RoomMembership{RoomID: personal, UserID: userID},
			refs:       1,
		}
	}
	seen := d.drops
	d.mu.Unlock()

	if err := d.tr.Connect(ctx, userID); err != nil {
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		return err
	}
	if err := d.rejoin(); err != nil {
		return fmt.Errorf("failed to join personal room: %w", err)
	}

	if !d.becomeReady(seen) {
		d.mu.Lock()
		if !d.reconnecting {
			d.startLoopLocked()
		}
		d.mu.Unlock()
		d.log.Warn("Connection lost while starting, reconnecting")
		d.setStatus(StatusReconnecting, apperrors.ErrTransportUnavailable)
	}
	return nil
}

// Stop disconnects and forgets every membership. No reconnect follows.
func (d *Directory) Stop() error {
	d.mu.Lock()
	d.started = false
	d.reconnecting = false
	if d.cancelLoop != nil {
		d.cancelLoop()
		d.cancelLoop = nil
	}
	d.rooms = make(map[string]*entry)
	d.mu.Unlock()

	err := d.tr.Disconnect()
	d.setStatus(StatusOffline, nil)
	return err
}

// Close stops the directory and detaches it from the transport.
func (d *Directory) Close() error {
	err := d.Stop()
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	return err
}

// Join records a holder for roomID and joins it on the transport if this
// is the first holder. While offline the room is only recorded and gets
// joined by the next reconnect.
func (d *Directory) Join(roomID, credential string) (domain.RoomMembership, error) {
	d.mu.Lock()
	if e, ok := d.rooms[roomID]; ok {
		e.refs++
		if credential != "" {
			e.credential = credential
		}
		m := e.membership
		d.mu.Unlock()
		return m, nil
	}
	e := &entry{
		membership: domain.RoomMembership{RoomID: roomID, UserID: d.userID},
		credential: credential,
		refs:       1,
	}
	d.rooms[roomID] = e
	ready := d.status == StatusReady
	d.mu.Unlock()

	if !ready {
		return e.membership, nil
	}

	if err := d.tr.JoinRoom(roomID, credential); err != nil {
		if errors.Is(err, apperrors.ErrTransportUnavailable) {
			d.log.Warn("Join deferred until reconnect", "room_id", roomID)
			return e.membership, nil
		}
		d.mu.Lock()
		delete(d.rooms, roomID)
		d.mu.Unlock()
		return domain.RoomMembership{}, err
	}

	d.mu.Lock()
	e.membership.JoinedAt = d.clock.Now()
	m := e.membership
	d.mu.Unlock()

	d.log.Debug("Room joined", "room_id", roomID)
	return m, nil
}

// Leave drops one holder of roomID and leaves the transport room when the
// last holder is gone.
func (d *Directory) Leave(roomID string) error {
	d.mu.Lock()
	e, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		d.mu.Unlock()
		return nil
	}
	delete(d.rooms, roomID)
	d.mu.Unlock()

	if err := d.tr.LeaveRoom(roomID); err != nil && !errors.Is(err, apperrors.ErrTransportUnavailable) {
		return err
	}
	d.log.Debug("Room left", "room_id", roomID)
	return nil
}

func (d *Directory) Holds(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rooms[roomID]
	return ok
}

// Memberships lists held rooms sorted by room id.
func (d *Directory) Memberships() []domain.RoomMembership {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]domain.RoomMembership, 0, len(d.rooms))
	for _, e := range d.rooms {
		out = append(out, e.membership)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (d *Directory) UserID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userID
}

func (d *Directory) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Ready reports whether the connection is up and every held room joined.
func (d *Directory) Ready() bool {
	return d.Status() == StatusReady
}

// OnReady registers fn to run each time the directory becomes ready,
// including after every successful reconnect.
func (d *Directory) OnReady(fn func()) func() {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	id := d.nextID
	d.nextID++
	d.readyHandlers[id] = fn
	return func() {
		d.handlersMu.Lock()
		delete(d.readyHandlers, id)
		d.handlersMu.Unlock()
	}
}

func (d *Directory) OnStatus(fn StatusHandler) func() {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	id := d.nextID
	d.nextID++
	d.statusHandlers[id] = fn
	return func() {
		d.handlersMu.Lock()
		delete(d.statusHandlers, id)
		d.handlersMu.Unlock()
	}
}

// Reconnect restarts the reconnect cycle after attempts were exhausted.
func (d *Directory) Reconnect() {
	d.mu.Lock()
	if !d.started || d.reconnecting || d.status == StatusReady {
		d.mu.Unlock()
		return
	}
	d.startLoopLocked()
	d.mu.Unlock()
	d.setStatus(StatusReconnecting, nil)
}

func (d *Directory) handleState(state transport.State, err error) {
	if state != transport.StateDisconnected || err == nil {
		return
	}

	d.mu.Lock()
	d.drops++
	if !d.started || d.reconnecting || d.status != StatusReady {
		d.mu.Unlock()
		return
	}
	d.startLoopLocked()
	d.mu.Unlock()

	d.log.Warn("Connection lost, reconnecting", "error", err)
	d.setStatus(StatusReconnecting, err)
}

func (d *Directory) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	d.reconnecting = true
	d.cancelLoop = cancel
	go d.reconnectLoop(ctx, d.userID)
}

func (d *Directory) reconnectLoop(ctx context.Context, userID string) {
	backoff := d.opts.ReconnectBackoff

	for attempt := 1; attempt <= d.opts.ReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(backoff):
		}

		d.mu.Lock()
		seen := d.drops
		d.mu.Unlock()

		err := d.tr.Connect(ctx, userID)
		if err == nil {
			err = d.rejoin()
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if d.becomeReady(seen) {
				d.log.Info("Reconnected", "attempt", attempt)
				return
			}
			err = apperrors.ErrTransportUnavailable
		}

		d.log.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
		backoff *= 2
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
	}

	d.mu.Lock()
	d.reconnecting = false
	d.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	err := fmt.Errorf("%w: %d reconnect attempts exhausted", apperrors.ErrTransportUnavailable, d.opts.ReconnectAttempts)
	d.log.Error("Giving up on reconnect", "error", err)
	d.setStatus(StatusFailed, err)
}

// rejoin joins every held room on a fresh connection, in room order.
func (d *Directory) rejoin() error {
	d.mu.Lock()
	type held struct{ room, credential string }
	rooms := make([]held, 0, len(d.rooms))
	for id, e := range d.rooms {
		rooms = append(rooms, held{room: id, credential: e.credential})
	}
	d.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].room < rooms[j].room })

	for _, r := range rooms {
		if err := d.tr.JoinRoom(r.room, r.credential); err != nil {
			return fmt.Errorf("rejoin %s: %w", r.room, err)
		}
		d.mu.Lock()
		if e, ok := d.rooms[r.room]; ok {
			e.membership.JoinedAt = d.clock.Now()
		}
		d.mu.Unlock()
	}
	return nil
}

// becomeReady switches to ready unless the connection was lost since seen
// was read. The check and the switch happen under one lock so that a later
// loss finds the directory ready and starts a reconnect.
func (d *Directory) becomeReady(seen uint64) bool {
	d.mu.Lock()
	if d.drops != seen {
		d.mu.Unlock()
		return false
	}
	d.status = StatusReady
	d.reconnecting = false
	d.mu.Unlock()

	d.notifyStatus(StatusReady, nil)
	return true
}

func (d *Directory) setStatus(status Status, err error) {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()

	d.notifyStatus(status, err)
}

func (d *Directory) notifyStatus(status Status, err error) {
	d.handlersMu.RLock()
	statusHandlers := make([]StatusHandler, 0, len(d.statusHandlers))
	for _, h := range d.statusHandlers {
		statusHandlers = append(statusHandlers, h)
	}
	var readyHandlers []func()
	if status == StatusReady {
		for _, h := range d.readyHandlers {
			readyHandlers = append(readyHandlers, h)
		}
	}
	d.handlersMu.RUnlock()

	for _, h := range statusHandlers {
		h(status, err)
	}
	for _, h := range readyHandlers {
		h()
	}
}
