package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a signaling message on the wire.
type MessageType string

const (
	MsgOffer       MessageType = "offer"
	MsgAnswer      MessageType = "answer"
	MsgCandidate   MessageType = "ice-candidate"
	MsgHangup      MessageType = "hangup"
	MsgCallRequest MessageType = "call-request"
	MsgBusy        MessageType = "busy"
	MsgMediaState  MessageType = "media-state"

	// Presence messages for live broadcast channels.
	MsgJoin            MessageType = "join"
	MsgLeave           MessageType = "leave"
	MsgSnapshotRequest MessageType = "snapshot-request"
	MsgSnapshot        MessageType = "snapshot"
	MsgInvite          MessageType = "invite"
)

// Envelope is the signaling message exchanged over a pub/sub channel.
// From always carries the sender identity: the transport delivers every
// message back to its sender, so receivers must filter their own echo.
// An empty To means broadcast to every subscriber of the channel.
type Envelope struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an Envelope with the payload marshalled to JSON.
func NewEnvelope(t MessageType, from, to, channel string, payload any) (Envelope, error) {
	env := Envelope{Type: t, From: from, To: to, Channel: channel}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload is the JSON structure for ICE candidate messages.
type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// CallRequestPayload rides on a call-request message to the callee's
// personal channel.
type CallRequestPayload struct {
	CallID  string `json:"callId"`
	Channel string `json:"channel"`
	Video   bool   `json:"video"`
}

// MediaStatePayload announces the sender's local mute/camera state.
type MediaStatePayload struct {
	AudioOn bool `json:"audioOn"`
	VideoOn bool `json:"videoOn"`
}

// InvitePayload invites a peer to join a live broadcast channel.
type InvitePayload struct {
	Channel string `json:"channel"`
	Role    Role   `json:"role"`
}
