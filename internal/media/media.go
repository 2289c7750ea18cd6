// Package media implements the MediaSource port over pion/mediadevices.
// The capture pipeline (drivers, codec selection) only exists on Linux
// in this build; other platforms get a stub that reports capture as
// unavailable so sessions can still run receive-only.
package media

import (
	pion "github.com/pion/webrtc/v4"

	"github.com/orchardlive/callkit/internal/domain"
)

// localTrack adapts one captured track to domain.MediaTrack while
// exposing the underlying pion local track for attachment.
type localTrack struct {
	kind domain.TrackKind
	rtp  pion.TrackLocal
	stop func()
}

func (t *localTrack) Kind() domain.TrackKind  { return t.kind }
func (t *localTrack) Stop()                   { t.stop() }
func (t *localTrack) RTPTrack() pion.TrackLocal { return t.rtp }

// localStream is an acquired set of capture tracks.
type localStream struct {
	tracks []domain.MediaTrack
}

func (s *localStream) Tracks() []domain.MediaTrack { return s.tracks }

func (s *localStream) Close() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
