// Package livesession runs the audio/video session of an engagement: it
// obtains a room-scoped credential, connects a peer session and keeps every
// remote track attached to exactly one surface until the session is left.
package livesession

import (
	"context"

	"consult_realtime/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateRequestingCredential
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateRequestingCredential:
		return "requesting-credential"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "idle"
	}
}

type EventKind int

const (
	ParticipantJoined EventKind = iota
	TrackAdded
	TrackRemoved
	ParticipantLeft
)

func (k EventKind) String() string {
	switch k {
	case ParticipantJoined:
		return "participant_joined"
	case TrackAdded:
		return "track_added"
	case TrackRemoved:
		return "track_removed"
	case ParticipantLeft:
		return "participant_left"
	default:
		return "unknown"
	}
}

// Track is a remote media track. Source carries the connector's native
// track value (a *webrtc.TrackRemote for the pion connector).
type Track struct {
	ID     string
	Kind   string
	Source interface{}
}

type Participant struct {
	ID     string
	Tracks []Track
}

// Event is one change of the remote side of a session. ParticipantJoined
// carries the participant's current tracks; the track events carry Track.
type Event struct {
	Kind        EventKind
	Participant Participant
	Track       Track
}

// PeerSession is a connected session. Events is never closed by the
// implementation while the session is open; Close stops event delivery.
type PeerSession interface {
	LocalParticipant() string
	Participants() []Participant
	Events() <-chan Event
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, cred domain.SessionCredential) (PeerSession, error)
}

type CredentialSource interface {
	SessionCredential(ctx context.Context, engagementID string) (*domain.SessionCredential, error)
}

// Handle is an attached track. Detach must be safe to call once per handle.
type Handle interface {
	Detach() error
}

// Renderer attaches remote tracks to the user's surfaces.
type Renderer interface {
	Attach(participantID string, track Track) (Handle, error)
}

// Surface is what one remote participant currently shows.
type Surface struct {
	ParticipantID string
	TrackIDs      []string
}
