package domain

import "context"

// Transport is the named-channel publish/subscribe relay used for
// signaling. Delivery is at-most-once; per-channel arrival order is
// preserved for a single sender. Every subscriber of a channel receives
// every published message, including the sender itself.
type Transport interface {
	// Join subscribes to a channel. fn is invoked for each delivered
	// envelope, in arrival order. Fails with ErrTransportUnavailable
	// when the relay cannot be reached.
	Join(channel string, fn func(Envelope)) error

	// Publish sends an envelope to a channel. Fire-and-forget.
	Publish(channel string, env Envelope) error

	// Leave unsubscribes from a channel. Safe to call when not joined.
	Leave(channel string)
}

// ConnState mirrors the underlying peer connection state.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// PeerConnection is the negotiation surface of one WebRTC peer
// connection. The pion-backed implementation lives in internal/rtc;
// tests substitute mocks.
type PeerConnection interface {
	// AttachLocalMedia adds the stream's tracks to the connection.
	// Streams with no tracks result in receive-only transceivers.
	AttachLocalMedia(stream MediaStream) error

	CreateOffer() (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetLocalDescription(sdp SDPPayload) error
	SetRemoteDescription(sdp SDPPayload) error

	// RollbackLocalDescription discards a pending local offer so an
	// incoming offer can be applied instead (glare resolution).
	RollbackLocalDescription() error

	AddICECandidate(c CandidatePayload) error

	// OnICECandidate registers the callback for locally discovered
	// candidates. Must be set before negotiation begins.
	OnICECandidate(fn func(CandidatePayload))

	// OnConnectionStateChange registers the connection state observer.
	OnConnectionStateChange(fn func(ConnState))

	Close() error
}

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaTrack is one local capture track.
type MediaTrack interface {
	Kind() TrackKind
	Stop()
}

// MediaStream is an acquired set of local capture tracks. It is owned
// exclusively by the PeerSession that acquired it.
type MediaStream interface {
	Tracks() []MediaTrack
	Close()
}

// MediaConstraints selects which kinds of local media to capture.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaSource acquires local capture media. Acquire fails with
// ErrMediaAccessDenied when the platform refuses device access.
type MediaSource interface {
	Acquire(c MediaConstraints) (MediaStream, error)
}

// SessionStore persists CallSession records. The signaling layer treats
// this purely as get/set/update-status operations.
type SessionStore interface {
	// Create persists a new record. Fails with ErrChannelBusy when an
	// active (ringing or active) session already exists on the record's
	// channel.
	Create(ctx context.Context, s *CallSession) error

	Get(ctx context.Context, id string) (*CallSession, error)

	// UpdateStatus transitions a record. Terminal statuses release the
	// channel for future calls and stamp EndedAt.
	UpdateStatus(ctx context.Context, id string, status CallStatus, reason string) error

	// ActiveOnChannel returns the ringing or active session on a
	// channel, or nil when the channel is free.
	ActiveOnChannel(ctx context.Context, channel string) (*CallSession, error)
}

// ICEServer holds one STUN/TURN endpoint supplied by configuration.
type ICEServer struct {
	URL        string
	Username   string
	Credential string
}
