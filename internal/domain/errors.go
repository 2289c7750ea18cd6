package domain

import "errors"

// Error taxonomy. Every terminal outcome a user can see maps to one of
// these, so the UI can pick the right corrective action.
var (
	// ErrTransportUnavailable: the signaling channel cannot be joined.
	// Fatal to call setup; surfaced, never a silent hang.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")

	// ErrMediaAccessDenied: device permission refused. Fatal to this
	// attempt; the user must grant access and retry.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrNoAnswer: ring timeout expired with no answer.
	ErrNoAnswer = errors.New("call not answered")

	// ErrConnectionLost: reconnect grace expired after a disconnect.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAlreadyJoining: a PeerSession for this call is already being
	// established. Guard rejection, not a crash.
	ErrAlreadyJoining = errors.New("already joining this call")

	// ErrChannelBusy: an active call already exists on the channel, or
	// the callee is in another call.
	ErrChannelBusy = errors.New("channel busy")

	// ErrCallNotFound: no durable record for the given call id.
	ErrCallNotFound = errors.New("call not found")

	// ErrCallOver: the record exists but is in a terminal status.
	ErrCallOver = errors.New("call already over")

	// ErrSessionClosed: operation attempted on a closed PeerSession.
	ErrSessionClosed = errors.New("session closed")

	// ErrRemoteHangup: the counterpart ended the call.
	ErrRemoteHangup = errors.New("remote hangup")

	// ErrUserGestureRequired: platform playback needs a user gesture.
	// The embedding UI handles this deliberately; the protocol core
	// never retries on its own.
	ErrUserGestureRequired = errors.New("user gesture required")
)
