package domain

import "time"

// CallStatus is the durable state of a call record.
type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
	CallFailed  CallStatus = "failed"
)

// Terminal reports whether a status permits no further transitions.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

// CallSession is the durable record of one call. Exactly one session
// may be ringing or active per channel at a time.
type CallSession struct {
	ID          string     `json:"id"`
	Initiator   string     `json:"initiator"`
	Counterpart string     `json:"counterpart"`
	Channel     string     `json:"channel"`
	Status      CallStatus `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	EndedAt     time.Time  `json:"endedAt,omitempty"`
}

// SessionState is the runtime state of a PeerSession.
type SessionState string

const (
	StateIdle           SessionState = "idle"
	StateAcquiringMedia SessionState = "acquiring-media"
	StateNegotiating    SessionState = "negotiating"
	StateConnected      SessionState = "connected"
	StateReconnecting   SessionState = "reconnecting"
	StateClosed         SessionState = "closed"
)

// SessionRole is the negotiation role of a PeerSession.
type SessionRole string

const (
	RoleCaller SessionRole = "caller"
	RoleCallee SessionRole = "callee"
)
