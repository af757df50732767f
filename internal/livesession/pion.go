package livesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"consult_realtime/internal/domain"
	"consult_realtime/internal/protocol"
	"consult_realtime/internal/transport"
	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"

	"github.com/pion/webrtc/v4"
)

// Rooms is the part of the presence directory the connector needs.
type Rooms interface {
	Join(roomID, credential string) (domain.RoomMembership, error)
	Leave(roomID string) error
}

type PionOptions struct {
	ICEServers  []string
	JoinTimeout time.Duration
	// LocalTracks are sent to every peer. Without them the connector only
	// receives.
	LocalTracks []webrtc.TrackLocal
}

// PionConnector runs a full mesh of peer connections between the members
// of an engagement room. Negotiation travels over the realtime transport
// as session_signal events.
type PionConnector struct {
	tr     transport.Transport
	rooms  Rooms
	userID string
	opts   PionOptions
	config webrtc.Configuration
	log    logger.Logger
}

func NewPionConnector(tr transport.Transport, rooms Rooms, userID string, opts PionOptions, log logger.Logger) *PionConnector {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &PionConnector{
		tr:     tr,
		rooms:  rooms,
		userID: userID,
		opts:   opts,
		config: config,
		log:    log.With("component", "pion"),
	}
}

// Connect joins the credential's room, learns who is present and sends an
// offer to each of them. Members joining later offer to us.
func (c *PionConnector) Connect(ctx context.Context, cred domain.SessionCredential) (PeerSession, error) {
	ms := &meshSession{
		c:       c,
		room:    cred.RoomName,
		peers:   make(map[string]*meshPeer),
		events:  make(chan Event, 64),
		signals: make(chan protocol.SessionSignalPayload, 64),
		done:    make(chan struct{}),
		log:     c.log.With("room", cred.RoomName),
	}

	members := make(chan []string, 1)
	joinErr := make(chan protocol.ErrorPayload, 1)

	ms.unsubscribe = []func(){
		c.tr.On(protocol.EventRoomMembers, func(data json.RawMessage) {
			var p protocol.RoomMembersPayload
			if json.Unmarshal(data, &p) != nil || p.RoomID != ms.room {
				return
			}
			select {
			case members <- p.Members:
			default:
			}
		}),
		c.tr.On(protocol.EventError, func(data json.RawMessage) {
			var p protocol.ErrorPayload
			if json.Unmarshal(data, &p) != nil || p.RoomID != ms.room {
				return
			}
			select {
			case joinErr <- p:
			default:
			}
		}),
		c.tr.On(protocol.EventMemberLeft, ms.handleMemberLeft),
		c.tr.On(protocol.EventSessionSignal, ms.handleSignal),
	}

	if _, err := c.rooms.Join(ms.room, cred.Token); err != nil {
		ms.teardown(false)
		return nil, fmt.Errorf("failed to join %s: %w", ms.room, err)
	}
	if err := c.tr.Emit(protocol.EventListMembers, protocol.ListMembersPayload{RoomID: ms.room}); err != nil {
		ms.teardown(true)
		return nil, err
	}

	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()

	var present []string
	select {
	case <-ctx.Done():
		ms.teardown(true)
		return nil, ctx.Err()
	case <-timer.C:
		ms.teardown(true)
		return nil, fmt.Errorf("%w: no member list for %s", apperrors.ErrTransportUnavailable, ms.room)
	case p := <-joinErr:
		ms.teardown(true)
		if p.Code == protocol.ErrCodeCredentialExpired {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrCredentialExpired, p.Message)
		}
		return nil, fmt.Errorf("%w: %s", apperrors.ErrForbidden, p.Message)
	case list := <-members:
		present = list
	}

	go ms.negotiate()

	sort.Strings(present)
	for _, id := range present {
		if id == c.userID {
			continue
		}
		ms.present = append(ms.present, Participant{ID: id})
		if err := ms.offer(id); err != nil {
			ms.log.Warn("Offer failed", "peer", id, "error", err)
		}
	}

	ms.log.Info("Joined mesh", "present", len(ms.present))
	return ms, nil
}

type meshPeer struct {
	id        string
	pc        *webrtc.PeerConnection
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}

type meshSession struct {
	c    *PionConnector
	room string
	log  logger.Logger

	mu      sync.Mutex
	peers   map[string]*meshPeer
	present []Participant

	events  chan Event
	signals chan protocol.SessionSignalPayload

	done      chan struct{}
	closeOnce sync.Once

	unsubscribe []func()
}

func (ms *meshSession) LocalParticipant() string {
	return ms.c.userID
}

func (ms *meshSession) Participants() []Participant {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]Participant(nil), ms.present...)
}

func (ms *meshSession) Events() <-chan Event {
	return ms.events
}

func (ms *meshSession) Close() error {
	ms.teardown(true)
	return nil
}

// PeerIDs lists the members we hold a peer connection with.
func (ms *meshSession) PeerIDs() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ids := make([]string, 0, len(ms.peers))
	for id := range ms.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (ms *meshSession) teardown(leaveRoom bool) {
	ms.closeOnce.Do(func() {
		close(ms.done)
		for _, fn := range ms.unsubscribe {
			fn()
		}

		ms.mu.Lock()
		peers := ms.peers
		ms.peers = make(map[string]*meshPeer)
		ms.mu.Unlock()

		for id, p := range peers {
			_ = ms.c.tr.Emit(protocol.EventSessionSignal, protocol.SessionSignalPayload{
				RoomID: ms.room,
				To:     id,
				Kind:   protocol.SignalBye,
			})
			if err := p.pc.Close(); err != nil {
				ms.log.Warn("Peer connection close failed", "peer", id, "error", err)
			}
		}

		if leaveRoom {
			if err := ms.c.rooms.Leave(ms.room); err != nil {
				ms.log.Warn("Failed to leave room", "error", err)
			}
		}
	})
}

func (ms *meshSession) send(ev Event) {
	select {
	case ms.events <- ev:
	case <-ms.done:
	}
}

func (ms *meshSession) handleSignal(data json.RawMessage) {
	var p protocol.SessionSignalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		ms.log.Warn("Dropping malformed session_signal", "error", err)
		return
	}
	if p.RoomID != ms.room || p.To != ms.c.userID || p.From == "" {
		return
	}
	select {
	case ms.signals <- p:
	case <-ms.done:
	}
}

func (ms *meshSession) handleMemberLeft(data json.RawMessage) {
	var p protocol.MemberLeftPayload
	if json.Unmarshal(data, &p) != nil || p.RoomID != ms.room {
		return
	}
	ms.drop(p.UserID)
}

// negotiate applies signals one at a time until the session closes.
func (ms *meshSession) negotiate() {
	for {
		select {
		case <-ms.done:
			return
		case p := <-ms.signals:
			var err error
			switch p.Kind {
			case protocol.SignalOffer:
				err = ms.answer(p)
			case protocol.SignalAnswer:
				err = ms.accept(p)
			case protocol.SignalCandidate:
				err = ms.candidate(p)
			case protocol.SignalBye:
				ms.drop(p.From)
			default:
				err = fmt.Errorf("unknown signal kind %q", p.Kind)
			}
			if err != nil {
				ms.log.Warn("Signal failed", "kind", p.Kind, "from", p.From, "error", err)
			}
		}
	}
}

func (ms *meshSession) newPeer(remoteID string) (*meshPeer, error) {
	pc, err := webrtc.NewPeerConnection(ms.c.config)
	if err != nil {
		return nil, err
	}

	p := &meshPeer{id: remoteID, pc: pc}

	if len(ms.c.opts.LocalTracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				ms.log.Warn("Failed to add transceiver", "kind", kind.String(), "error", err)
			}
		}
	}
	for _, t := range ms.c.opts.LocalTracks {
		if _, err := pc.AddTrack(t); err != nil {
			ms.log.Warn("Failed to add local track", "track_id", t.ID(), "error", err)
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		_ = ms.c.tr.Emit(protocol.EventSessionSignal, protocol.SessionSignalPayload{
			RoomID:    ms.room,
			To:        remoteID,
			Kind:      protocol.SignalCandidate,
			Candidate: raw,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		ms.log.Info("Remote track", "peer", remoteID, "track_id", track.ID(), "kind", track.Kind().String())
		ms.send(Event{
			Kind:        TrackAdded,
			Participant: Participant{ID: remoteID},
			Track:       Track{ID: track.ID(), Kind: track.Kind().String(), Source: track},
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		ms.log.Debug("Peer connection state changed", "peer", remoteID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			ms.dropPeer(p)
		}
	})

	return p, nil
}

// offer opens a connection to a member that was present when we joined.
func (ms *meshSession) offer(remoteID string) error {
	p, err := ms.newPeer(remoteID)
	if err != nil {
		return err
	}
	if !ms.replace(p) {
		_ = p.pc.Close()
		return nil
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return ms.c.tr.Emit(protocol.EventSessionSignal, protocol.SessionSignalPayload{
		RoomID: ms.room,
		To:     remoteID,
		Kind:   protocol.SignalOffer,
		SDP:    offer.SDP,
	})
}

// answer accepts an offer. An offer from a member we do not know yet is a
// later joiner; one from a member we already hold replaces that connection.
// When both sides offered at once the member with the lower id yields and
// answers, the other ignores the incoming offer and waits for its answer.
func (ms *meshSession) answer(sig protocol.SessionSignalPayload) error {
	ms.mu.Lock()
	old, known := ms.peers[sig.From]
	ms.mu.Unlock()

	if known && old.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer && ms.c.userID > sig.From {
		ms.log.Debug("Ignoring colliding offer", "peer", sig.From)
		return nil
	}

	p, err := ms.newPeer(sig.From)
	if err != nil {
		return err
	}
	if !ms.replace(p) {
		_ = p.pc.Close()
		return nil
	}
	ms.send(Event{Kind: ParticipantJoined, Participant: Participant{ID: sig.From}})

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		return err
	}
	if err := ms.flushCandidates(p); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return ms.c.tr.Emit(protocol.EventSessionSignal, protocol.SessionSignalPayload{
		RoomID: ms.room,
		To:     sig.From,
		Kind:   protocol.SignalAnswer,
		SDP:    answer.SDP,
	})
}

func (ms *meshSession) accept(sig protocol.SessionSignalPayload) error {
	ms.mu.Lock()
	p, ok := ms.peers[sig.From]
	ms.mu.Unlock()
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", sig.From)
	}
	if state := p.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("unexpected answer from %s in signaling state %s", sig.From, state)
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
		return err
	}
	return ms.flushCandidates(p)
}

func (ms *meshSession) candidate(sig protocol.SessionSignalPayload) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Candidate, &init); err != nil {
		return err
	}

	ms.mu.Lock()
	p, ok := ms.peers[sig.From]
	if !ok {
		ms.mu.Unlock()
		return fmt.Errorf("candidate from unknown peer %s", sig.From)
	}
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		ms.mu.Unlock()
		return nil
	}
	ms.mu.Unlock()

	return p.pc.AddICECandidate(init)
}

// flushCandidates adds candidates that arrived before the remote
// description.
func (ms *meshSession) flushCandidates(p *meshPeer) error {
	ms.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	ms.mu.Unlock()

	var errs []error
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// replace registers p unless the session is already closed, and closes the connection it supersedes, if any,
// without reporting the member as gone.
func (ms *meshSession) replace(p *meshPeer) bool {
	select {
	case <-ms.done:
		return false
	default:
	}

	ms.mu.Lock()
	old := ms.peers[p.id]
	ms.peers[p.id] = p
	ms.mu.Unlock()

	if old != nil {
		ms.log.Debug("Replacing peer connection", "peer", p.id)
		if err := old.pc.Close(); err != nil {
			ms.log.Warn("Peer connection close failed", "peer", p.id, "error", err)
		}
	}
	return true
}

// dropPeer drops p only while it is still the member's current connection.
func (ms *meshSession) dropPeer(p *meshPeer) {
	ms.mu.Lock()
	if ms.peers[p.id] != p {
		ms.mu.Unlock()
		return
	}
	delete(ms.peers, p.id)
	ms.mu.Unlock()

	ms.retire(p)
}

func (ms *meshSession) drop(remoteID string) {
	ms.mu.Lock()
	p, ok := ms.peers[remoteID]
	if ok {
		delete(ms.peers, remoteID)
	}
	ms.mu.Unlock()

	if ok {
		ms.retire(p)
	}
}

func (ms *meshSession) retire(p *meshPeer) {
	if err := p.pc.Close(); err != nil {
		ms.log.Warn("Peer connection close failed", "peer", p.id, "error", err)
	}
	ms.log.Info("Peer left", "peer", p.id)
	ms.send(Event{Kind: ParticipantLeft, Participant: Participant{ID: p.id}})
}
