package livesession

import (
	"fmt"
	"sort"

	apperrors "consult_realtime/pkg/errors"
	"consult_realtime/pkg/logger"
)

type attachment struct {
	track  Track
	handle Handle
}

// reducer folds session events into participant id -> attached handles.
// It is not safe for concurrent use; Session serializes access.
type reducer struct {
	renderer Renderer
	log      logger.Logger
	byID     map[string]map[string]attachment
}

func newReducer(renderer Renderer, log logger.Logger) *reducer {
	return &reducer{
		renderer: renderer,
		log:      log,
		byID:     make(map[string]map[string]attachment),
	}
}

func (r *reducer) apply(ev Event) {
	pid := ev.Participant.ID
	switch ev.Kind {
	case ParticipantJoined:
		r.available(ev.Participant)
	case TrackAdded:
		if _, ok := r.byID[pid]; !ok {
			r.byID[pid] = make(map[string]attachment)
		}
		r.attach(pid, ev.Track)
	case TrackRemoved:
		r.detach(pid, ev.Track.ID)
	case ParticipantLeft:
		r.clear(pid)
		delete(r.byID, pid)
	}
}

// available handles both participants present at connect time and later
// joiners. The participant's surface is cleared first so a re-join never
// renders twice.
func (r *reducer) available(p Participant) {
	r.clear(p.ID)
	r.byID[p.ID] = make(map[string]attachment)
	for _, t := range p.Tracks {
		r.attach(p.ID, t)
	}
}

func (r *reducer) attach(pid string, t Track) {
	r.detach(pid, t.ID)

	h, err := r.renderer.Attach(pid, t)
	if err != nil {
		r.log.Warn("Skipping track",
			"participant_id", pid,
			"track_id", t.ID,
			"error", fmt.Errorf("%w: %v", apperrors.ErrTrackAttachFailure, err),
		)
		return
	}
	r.byID[pid][t.ID] = attachment{track: t, handle: h}
}

func (r *reducer) detach(pid, trackID string) {
	tracks, ok := r.byID[pid]
	if !ok {
		return
	}
	a, ok := tracks[trackID]
	if !ok {
		return
	}
	delete(tracks, trackID)
	if err := a.handle.Detach(); err != nil {
		r.log.Warn("Detach failed", "participant_id", pid, "track_id", trackID, "error", err)
	}
}

func (r *reducer) clear(pid string) {
	tracks, ok := r.byID[pid]
	if !ok {
		return
	}
	ids := make([]string, 0, len(tracks))
	for id := range tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.detach(pid, id)
	}
}

// reset detaches everything and forgets every participant.
func (r *reducer) reset() {
	pids := make([]string, 0, len(r.byID))
	for pid := range r.byID {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	for _, pid := range pids {
		r.clear(pid)
	}
	r.byID = make(map[string]map[string]attachment)
}

func (r *reducer) surfaces() []Surface {
	out := make([]Surface, 0, len(r.byID))
	for pid, tracks := range r.byID {
		s := Surface{ParticipantID: pid, TrackIDs: make([]string, 0, len(tracks))}
		for id := range tracks {
			s.TrackIDs = append(s.TrackIDs, id)
		}
		sort.Strings(s.TrackIDs)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (r *reducer) handles() int {
	n := 0
	for _, tracks := range r.byID {
		n += len(tracks)
	}
	return n
}
