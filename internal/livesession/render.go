package livesession

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"consult_realtime/pkg/logger"

	"github.com/pion/webrtc/v4"
)

// RTPRenderer consumes remote pion tracks without decoding them and keeps
// per-track packet counts. It is what the terminal client shows.
type RTPRenderer struct {
	log logger.Logger

	mu     sync.Mutex
	tracks map[string]*rtpHandle
}

func NewRTPRenderer(log logger.Logger) *RTPRenderer {
	return &RTPRenderer{
		log:    log.With("component", "renderer"),
		tracks: make(map[string]*rtpHandle),
	}
}

type TrackStats struct {
	ParticipantID string
	TrackID       string
	Kind          string
	Packets       uint64
}

type rtpHandle struct {
	r       *RTPRenderer
	key     string
	stats   TrackStats
	packets atomic.Uint64
	stop    chan struct{}
	once    sync.Once
}

func (r *RTPRenderer) Attach(participantID string, t Track) (Handle, error) {
	remote, ok := t.Source.(*webrtc.TrackRemote)
	if !ok || remote == nil {
		return nil, fmt.Errorf("track %s has no rtp source", t.ID)
	}

	h := &rtpHandle{
		r:     r,
		key:   participantID + "/" + t.ID,
		stats: TrackStats{ParticipantID: participantID, TrackID: t.ID, Kind: t.Kind},
		stop:  make(chan struct{}),
	}

	r.mu.Lock()
	if _, exists := r.tracks[h.key]; exists {
		r.mu.Unlock()
		return nil, errors.New("track already attached")
	}
	r.tracks[h.key] = h
	r.mu.Unlock()

	go h.drain(remote)
	return h, nil
}

func (h *rtpHandle) drain(remote *webrtc.TrackRemote) {
	for {
		select {
		case <-h.stop:
			return
		default:
		}
		if _, _, err := remote.ReadRTP(); err != nil {
			h.r.log.Debug("Track ended", "track", h.key, "error", err)
			return
		}
		h.packets.Add(1)
	}
}

func (h *rtpHandle) Detach() error {
	h.once.Do(func() {
		close(h.stop)
		h.r.mu.Lock()
		delete(h.r.tracks, h.key)
		h.r.mu.Unlock()
	})
	return nil
}

// Stats returns a snapshot of attached tracks.
func (r *RTPRenderer) Stats() []TrackStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TrackStats, 0, len(r.tracks))
	for _, h := range r.tracks {
		s := h.stats
		s.Packets = h.packets.Load()
		out = append(out, s)
	}
	return out
}
