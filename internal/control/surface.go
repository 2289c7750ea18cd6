// Package control is the in-call control surface: mute, camera,
// hang-up, raise-hand, and invites, routed to the owning component.
package control

import (
	"context"
	"fmt"
	"log"

	"github.com/orchardlive/callkit/internal/call"
	"github.com/orchardlive/callkit/internal/domain"
	"github.com/orchardlive/callkit/internal/presence"
)

// Surface exposes the user-facing in-call controls. Media toggles go to
// the live peer session, hang-up and invites to the coordinator, and
// raise-hand to the presence registry when one is attached.
type Surface struct {
	coord *call.Coordinator

	// reg is the registry for the live channel currently joined, nil
	// outside of one. Set and cleared by AttachPresence.
	reg *presence.Registry
}

// NewSurface builds a control surface over a coordinator.
func NewSurface(coord *call.Coordinator) *Surface {
	return &Surface{coord: coord}
}

// AttachPresence points raise-hand and media-flag mirroring at a live
// channel's registry. Pass nil when leaving the channel.
func (s *Surface) AttachPresence(reg *presence.Registry) {
	s.reg = reg
}

// ToggleAudio flips the microphone for a call and returns the new muted
// state. A session started without a local audio track cannot unmute:
// acquiring capture mid-call takes an explicit user action, so the
// toggle fails with ErrUserGestureRequired instead of silently doing
// nothing.
func (s *Surface) ToggleAudio(callID string) (muted bool, err error) {
	sess, ok := s.coord.Session(callID)
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}
	if !sess.HasLocalAudio() {
		return false, fmt.Errorf("%w: no microphone captured for call %s", domain.ErrUserGestureRequired, callID)
	}

	on := !sess.MediaState().AudioOn
	muted = sess.SetAudioEnabled(on)
	if s.reg != nil {
		s.reg.SetAudioOn(on)
	}
	log.Printf("[control] %s: audio %s", callID, onOff(on))
	return muted, nil
}

// ToggleVideo flips the camera for a call and returns the new disabled
// state. Like ToggleAudio, a session started without a camera fails
// with ErrUserGestureRequired.
func (s *Surface) ToggleVideo(callID string) (disabled bool, err error) {
	sess, ok := s.coord.Session(callID)
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrCallNotFound, callID)
	}
	if !sess.HasLocalVideo() {
		return false, fmt.Errorf("%w: no camera captured for call %s", domain.ErrUserGestureRequired, callID)
	}

	on := !sess.MediaState().VideoOn
	disabled = sess.SetVideoEnabled(on)
	if s.reg != nil {
		s.reg.SetVideoOn(on)
	}
	log.Printf("[control] %s: video %s", callID, onOff(on))
	return disabled, nil
}

// HangUp ends the call for both sides.
func (s *Surface) HangUp(ctx context.Context, callID string) error {
	return s.coord.EndCall(ctx, callID)
}

// Invite asks a peer to join a live channel in the given role.
func (s *Surface) Invite(peer, channel string, role domain.Role) error {
	return s.coord.Invite(peer, channel, role)
}

// RaiseHand sets or clears the raised hand in the live channel.
func (s *Surface) RaiseHand(raised bool) error {
	if s.reg == nil {
		return fmt.Errorf("not in a live channel")
	}
	s.reg.SetHandRaised(raised)
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
